package domain

import (
	"time"

	"github.com/pion/webrtc/v4"
)

type TrackInfo struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Codec string `json:"codec"`
}

// MediaStream is the read-only view of a candidate's remote stream.
type MediaStream struct {
	ID     string      `json:"id"`
	Tracks []TrackInfo `json:"tracks"`
}

func (s *MediaStream) Clone() *MediaStream {
	if s == nil {
		return nil
	}
	tracks := make([]TrackInfo, len(s.Tracks))
	copy(tracks, s.Tracks)
	return &MediaStream{ID: s.ID, Tracks: tracks}
}

// StreamBinding is the registry's unit of truth for one candidate. Stream and
// Status are always written together.
type StreamBinding struct {
	CandidateID string              `json:"candidateId"`
	SessionID   string              `json:"sessionId"`
	Owner       string              `json:"-"`
	Stream      *MediaStream        `json:"stream"`
	Status      PeerConnectionState `json:"status"`
	Error       string              `json:"error,omitempty"`
	ErrorKind   string              `json:"errorKind,omitempty"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

type Track interface {
	ID() string
	Kind() string
	Codec() string
	// Stop ends reception of the track. Safe to call more than once.
	Stop() error
}

type ICECallback func(candidate webrtc.ICECandidateInit)
type ConnectivityCallback func(state webrtc.ICEConnectionState)
type TrackCallback func(track Track)

// TransportEvents are invoked from the transport's own goroutines.
type TransportEvents struct {
	OnLocalCandidate ICECallback
	OnConnectivity   ConnectivityCallback
	OnTrack          TrackCallback
}

// Transport is a receive-only peer connection to one candidate browser.
type Transport interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	// CreateAnswer answers an already applied remote offer.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	RequestKeyframe() error
	Close() error
}

type TransportFactory interface {
	NewTransport(events TransportEvents) (Transport, error)
}
