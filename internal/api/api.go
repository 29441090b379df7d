package api

import (
	"time"

	"github.com/pion/webrtc/v4"
)

type IceServer struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username"`
	Credential string   `json:"credential,omitempty" yaml:"credential"`
}

// PeerConnectionConfig is the browser-shaped RTCConfiguration subset we accept
// from config files.
type PeerConnectionConfig struct {
	IceServers         []IceServer `json:"iceServers" yaml:"iceServers"`
	IceTransportPolicy string      `json:"iceTransportPolicy,omitempty" yaml:"iceTransportPolicy"`
}

func DefaultPeerConnectionConfig() PeerConnectionConfig {
	return PeerConnectionConfig{}
}

func (c PeerConnectionConfig) WebrtcConfiguration() webrtc.Configuration {
	conf := webrtc.Configuration{}
	for _, s := range c.IceServers {
		if len(s.URLs) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		conf.ICEServers = append(conf.ICEServers, server)
	}
	if c.IceTransportPolicy == "relay" {
		conf.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return conf
}

type TrackStatus struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Codec string `json:"codec"`
}

// CandidateStream is one tile of the dashboard grid.
type CandidateStream struct {
	CandidateID string        `json:"candidateId"`
	SessionID   string        `json:"sessionId"`
	StreamID    *string       `json:"streamId"`
	Tracks      []TrackStatus `json:"tracks"`
	Status      string        `json:"status"`
	Error       *string       `json:"error"`
	ErrorKind   *string       `json:"errorKind"`
	Retryable   bool          `json:"retryable"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

type DiscoveryBanner struct {
	Message  string    `json:"message"`
	Failures int       `json:"failures"`
	Since    time.Time `json:"since"`
}

// MonitoringStatus is the read-only state the dashboard renders for one
// assessment.
type MonitoringStatus struct {
	AssessmentID     string            `json:"assessmentId"`
	Monitoring       bool              `json:"monitoring"`
	IsLoading        bool              `json:"isLoading"`
	ActiveCandidates []string          `json:"activeCandidates"`
	CandidateStreams []CandidateStream `json:"candidateStreams"`
	DiscoveryError   *DiscoveryBanner  `json:"discoveryError"`
}

type MonitorSummary struct {
	AssessmentID string `json:"assessmentId"`
	Monitoring   bool   `json:"monitoring"`
	Streams      int    `json:"streams"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
