package domain

import (
	"context"

	"github.com/pion/webrtc/v4"
)

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalIceCandidate SignalType = "ice"
	SignalBye          SignalType = "bye"
)

// SignalingMessage is one negotiation message of a session. Offer and Answer
// carry SDP, IceCandidate carries Candidate, Bye carries nothing.
type SignalingMessage struct {
	Type      SignalType                 `json:"type"`
	SessionID string                     `json:"sessionId"`
	Seq       int64                      `json:"seq,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func (m SignalingMessage) Valid() bool {
	switch m.Type {
	case SignalOffer, SignalAnswer:
		return m.SDP != nil && m.SDP.SDP != ""
	case SignalIceCandidate:
		return m.Candidate != nil
	case SignalBye:
		return true
	}
	return false
}

type SessionLister interface {
	ListActiveSessions(ctx context.Context, assessmentID string) ([]CandidateSession, error)
}

// Signaler is the per-session half of the backend signaling channel.
type Signaler interface {
	SendOffer(ctx context.Context, sessionID string, offer webrtc.SessionDescription) error
	SendAnswer(ctx context.Context, sessionID string, answer webrtc.SessionDescription) error
	SendIceCandidate(ctx context.Context, sessionID string, candidate webrtc.ICECandidateInit) error
	EndSession(ctx context.Context, sessionID string) error
	// Subscribe delivers inbound messages of the session until ctx is done,
	// then closes the channel.
	Subscribe(ctx context.Context, sessionID string) (<-chan SignalingMessage, error)
}

type SignalingClient interface {
	SessionLister
	Signaler
}
