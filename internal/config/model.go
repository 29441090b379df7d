package config

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/api"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/utils"
	"github.com/pion/webrtc/v4"
)

const (
	TransportPoll = "poll"
	TransportWS   = "ws"
)

type AppConfig struct {
	Server    ServerConfig
	Security  SecurityConfig
	WebRTC    WebRTCConfig
	Backend   BackendConfig
	Signaling SignalingConfig
	Monitor   MonitorConfig
}

type ServerConfig struct {
	Port         int
	PublicIP     string
	PingInterval time.Duration
}

type SecurityConfig struct {
	AdminCredential *string
	TLSCrtFile      *string
	TLSKeyFile      *string
	AdminsNetworks  []netip.Prefix
}

type WebRTCConfig struct {
	PortMin              uint16
	PortMax              uint16
	PeerConnectionConfig api.PeerConnectionConfig
	Codecs               []Codec
	DisableAudio         bool
}

// BackendConfig points at the assessment backend that owns the sessions.
type BackendConfig struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
}

type SignalingConfig struct {
	Transport    string
	PollInterval time.Duration
	Retry        utils.Backoff
}

type MonitorConfig struct {
	DiscoveryInterval       time.Duration
	DiscoveryErrorThreshold int
	NegotiationTimeout      time.Duration
	TrackTimeout            time.Duration
	FailedRetryCooldown     time.Duration
	Reconnect               utils.Backoff
	// StartRate limits how many handles per second may begin negotiating.
	StartRate  float64
	StartBurst int
}

type Codec struct {
	Params webrtc.RTPCodecParameters
	Type   webrtc.RTPCodecType
}

func DefaultAppConfig() AppConfig {
	adminPassword := "live"
	return AppConfig{
		Server: ServerConfig{
			Port:         13480,
			PublicIP:     "",
			PingInterval: 30 * time.Second,
		},
		Security: SecurityConfig{
			AdminCredential: &adminPassword,
			AdminsNetworks: []netip.Prefix{
				netip.MustParsePrefix("0.0.0.0/0"),
				netip.MustParsePrefix("::/0"),
			},
		},
		WebRTC: WebRTCConfig{
			PortMin:              10000,
			PortMax:              20000,
			PeerConnectionConfig: api.DefaultPeerConnectionConfig(),
			Codecs:               DefaultCodecs(),
		},
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8080/api",
			RequestTimeout: 10 * time.Second,
		},
		Signaling: SignalingConfig{
			Transport:    TransportPoll,
			PollInterval: time.Second,
			Retry: utils.Backoff{
				MaxAttempts: 5,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    5 * time.Second,
				Multiplier:  2,
				Jitter:      0.2,
			},
		},
		Monitor: MonitorConfig{
			DiscoveryInterval:       5 * time.Second,
			DiscoveryErrorThreshold: 3,
			NegotiationTimeout:      30 * time.Second,
			TrackTimeout:            20 * time.Second,
			FailedRetryCooldown:     30 * time.Second,
			Reconnect: utils.Backoff{
				MaxAttempts: 4,
				BaseDelay:   time.Second,
				MaxDelay:    10 * time.Second,
				Multiplier:  2,
			},
			StartRate:  5,
			StartBurst: 10,
		},
	}
}

func DefaultCodecs() []Codec {
	return []Codec{
		{
			Params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeVP8,
					ClockRate:    90000,
					RTCPFeedback: videoFeedback(),
				},
				PayloadType: 96,
			},
			Type: webrtc.RTPCodecTypeVideo,
		},
		{
			Params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     webrtc.MimeTypeH264,
					ClockRate:    90000,
					SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
					RTCPFeedback: videoFeedback(),
				},
				PayloadType: 102,
			},
			Type: webrtc.RTPCodecTypeVideo,
		},
		{
			Params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:  webrtc.MimeTypeOpus,
					ClockRate: 48000,
					Channels:  2,
				},
				PayloadType: 111,
			},
			Type: webrtc.RTPCodecTypeAudio,
		},
	}
}

func videoFeedback() []webrtc.RTCPFeedback {
	return []webrtc.RTCPFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
	}
}

func (c AppConfig) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.WebRTC.PortMin > c.WebRTC.PortMax {
		errs = append(errs, fmt.Errorf("webrtc.portMin %d is greater than portMax %d", c.WebRTC.PortMin, c.WebRTC.PortMax))
	}
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.baseUrl is required"))
	}
	if c.Signaling.Transport != TransportPoll && c.Signaling.Transport != TransportWS {
		errs = append(errs, fmt.Errorf("signaling.transport %q is not one of %q, %q", c.Signaling.Transport, TransportPoll, TransportWS))
	}
	if c.Signaling.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("signaling.retry.maxAttempts must be at least 1"))
	}
	if c.Monitor.DiscoveryInterval <= 0 {
		errs = append(errs, errors.New("monitor.discoveryInterval must be positive"))
	}
	if c.Monitor.NegotiationTimeout <= 0 || c.Monitor.TrackTimeout <= 0 {
		errs = append(errs, errors.New("monitor timeouts must be positive"))
	}
	if c.Monitor.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("monitor.reconnect.maxAttempts must not be negative"))
	}
	return errors.Join(errs...)
}
