package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/api"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/utils"
	"github.com/pion/webrtc/v4"
)

type RawServerConfig struct {
	Port         *int    `yaml:"port" json:"port"`
	PublicIP     *string `yaml:"publicIp" json:"publicIp"`
	PingInterval *string `yaml:"pingInterval" json:"pingInterval"`
}

func (r RawServerConfig) ToDomain() (ServerConfig, error) {
	var cfg ServerConfig
	if r.Port != nil {
		cfg.Port = *r.Port
	}
	if r.PublicIP != nil {
		cfg.PublicIP = *r.PublicIP
	}
	var err error
	if cfg.PingInterval, err = parseDuration("server.pingInterval", r.PingInterval); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

type RawSecurityConfig struct {
	AdminCredential *string   `yaml:"adminCredential" json:"adminCredential"`
	TLSCrtFile      *string   `yaml:"tlsCrtFile" json:"tlsCrtFile"`
	TLSKeyFile      *string   `yaml:"tlsKeyFile" json:"tlsKeyFile"`
	AdminsNetworks  *[]string `yaml:"adminsNetworks" json:"adminsNetworks"`
}

func (r RawSecurityConfig) ToDomain() (SecurityConfig, error) {
	var cfg SecurityConfig
	cfg.AdminCredential = r.AdminCredential
	cfg.TLSCrtFile = r.TLSCrtFile
	cfg.TLSKeyFile = r.TLSKeyFile

	if r.AdminsNetworks != nil {
		nets := make([]netip.Prefix, 0, len(*r.AdminsNetworks))
		for _, s := range *r.AdminsNetworks {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return SecurityConfig{}, fmt.Errorf("security.adminsNetworks: %w", err)
			}
			nets = append(nets, p)
		}
		cfg.AdminsNetworks = nets
	}

	return cfg, nil
}

type RawWebRTCConfig struct {
	PortMin              *uint16                   `yaml:"portMin" json:"portMin"`
	PortMax              *uint16                   `yaml:"portMax" json:"portMax"`
	PeerConnectionConfig *api.PeerConnectionConfig `yaml:"peerConnectionConfig" json:"peerConnectionConfig"`
	Codecs               *[]RawCodec               `yaml:"codecs" json:"codecs"`
	DisableAudio         *bool                     `yaml:"disableAudio" json:"disableAudio"`
}

type RawCodec struct {
	Params struct {
		MimeType    string `json:"mimeType" yaml:"mimeType"`
		ClockRate   uint32 `json:"clockRate" yaml:"clockRate"`
		PayloadType uint8  `json:"payloadType" yaml:"payloadType"`
		Channels    uint16 `json:"channels" yaml:"channels"`
		SDPFmtpLine string `json:"sdpFmtpLine" yaml:"sdpFmtpLine"`
	} `json:"params" yaml:"params"`
	Type string `json:"type" yaml:"type"`
}

func (r RawWebRTCConfig) ToDomain() WebRTCConfig {
	var cfg WebRTCConfig
	if r.PortMin != nil {
		cfg.PortMin = *r.PortMin
	}
	if r.PortMax != nil {
		cfg.PortMax = *r.PortMax
	}
	if r.PeerConnectionConfig != nil {
		cfg.PeerConnectionConfig = *r.PeerConnectionConfig
	}
	if r.Codecs != nil {
		cfg.Codecs = parseCodecs(*r.Codecs)
	}
	if r.DisableAudio != nil {
		cfg.DisableAudio = *r.DisableAudio
	}
	return cfg
}

type RawBackendConfig struct {
	BaseURL        *string `yaml:"baseUrl" json:"baseUrl"`
	Token          *string `yaml:"token" json:"token"`
	RequestTimeout *string `yaml:"requestTimeout" json:"requestTimeout"`
}

func (r RawBackendConfig) ToDomain() (BackendConfig, error) {
	var cfg BackendConfig
	if r.BaseURL != nil {
		cfg.BaseURL = strings.TrimRight(*r.BaseURL, "/")
	}
	if r.Token != nil {
		cfg.Token = *r.Token
	}
	var err error
	if cfg.RequestTimeout, err = parseDuration("backend.requestTimeout", r.RequestTimeout); err != nil {
		return BackendConfig{}, err
	}
	return cfg, nil
}

type RawBackoff struct {
	MaxAttempts *int     `yaml:"maxAttempts" json:"maxAttempts"`
	BaseDelay   *string  `yaml:"baseDelay" json:"baseDelay"`
	MaxDelay    *string  `yaml:"maxDelay" json:"maxDelay"`
	Multiplier  *float64 `yaml:"multiplier" json:"multiplier"`
	Jitter      *float64 `yaml:"jitter" json:"jitter"`
}

func (r *RawBackoff) toDomain(prefix string) (utils.Backoff, error) {
	var b utils.Backoff
	if r == nil {
		return b, nil
	}
	if r.MaxAttempts != nil {
		b.MaxAttempts = *r.MaxAttempts
	}
	if r.Multiplier != nil {
		b.Multiplier = *r.Multiplier
	}
	if r.Jitter != nil {
		b.Jitter = *r.Jitter
	}
	var err error
	if b.BaseDelay, err = parseDuration(prefix+".baseDelay", r.BaseDelay); err != nil {
		return utils.Backoff{}, err
	}
	if b.MaxDelay, err = parseDuration(prefix+".maxDelay", r.MaxDelay); err != nil {
		return utils.Backoff{}, err
	}
	return b, nil
}

type RawSignalingConfig struct {
	Transport    *string     `yaml:"transport" json:"transport"`
	PollInterval *string     `yaml:"pollInterval" json:"pollInterval"`
	Retry        *RawBackoff `yaml:"retry" json:"retry"`
}

func (r RawSignalingConfig) ToDomain() (SignalingConfig, error) {
	var cfg SignalingConfig
	if r.Transport != nil {
		cfg.Transport = strings.ToLower(*r.Transport)
	}
	var err error
	if cfg.PollInterval, err = parseDuration("signaling.pollInterval", r.PollInterval); err != nil {
		return SignalingConfig{}, err
	}
	if cfg.Retry, err = r.Retry.toDomain("signaling.retry"); err != nil {
		return SignalingConfig{}, err
	}
	return cfg, nil
}

type RawMonitorConfig struct {
	DiscoveryInterval       *string     `yaml:"discoveryInterval" json:"discoveryInterval"`
	DiscoveryErrorThreshold *int        `yaml:"discoveryErrorThreshold" json:"discoveryErrorThreshold"`
	NegotiationTimeout      *string     `yaml:"negotiationTimeout" json:"negotiationTimeout"`
	TrackTimeout            *string     `yaml:"trackTimeout" json:"trackTimeout"`
	FailedRetryCooldown     *string     `yaml:"failedRetryCooldown" json:"failedRetryCooldown"`
	Reconnect               *RawBackoff `yaml:"reconnect" json:"reconnect"`
	StartRate               *float64    `yaml:"startRate" json:"startRate"`
	StartBurst              *int        `yaml:"startBurst" json:"startBurst"`
}

func (r RawMonitorConfig) ToDomain() (MonitorConfig, error) {
	var cfg MonitorConfig
	if r.DiscoveryErrorThreshold != nil {
		cfg.DiscoveryErrorThreshold = *r.DiscoveryErrorThreshold
	}
	if r.StartRate != nil {
		cfg.StartRate = *r.StartRate
	}
	if r.StartBurst != nil {
		cfg.StartBurst = *r.StartBurst
	}

	durations := []struct {
		name string
		raw  *string
		dst  *time.Duration
	}{
		{"monitor.discoveryInterval", r.DiscoveryInterval, &cfg.DiscoveryInterval},
		{"monitor.negotiationTimeout", r.NegotiationTimeout, &cfg.NegotiationTimeout},
		{"monitor.trackTimeout", r.TrackTimeout, &cfg.TrackTimeout},
		{"monitor.failedRetryCooldown", r.FailedRetryCooldown, &cfg.FailedRetryCooldown},
	}
	for _, d := range durations {
		v, err := parseDuration(d.name, d.raw)
		if err != nil {
			return MonitorConfig{}, err
		}
		*d.dst = v
	}

	var err error
	if cfg.Reconnect, err = r.Reconnect.toDomain("monitor.reconnect"); err != nil {
		return MonitorConfig{}, err
	}
	return cfg, nil
}

func parseDuration(name string, raw *string) (time.Duration, error) {
	if raw == nil || *raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

func parseCodecs(rawCodecs []RawCodec) []Codec {
	result := make([]Codec, 0, len(rawCodecs))

	for _, rawCodec := range rawCodecs {
		capability := webrtc.RTPCodecCapability{
			MimeType:    rawCodec.Params.MimeType,
			ClockRate:   rawCodec.Params.ClockRate,
			Channels:    rawCodec.Params.Channels,
			SDPFmtpLine: rawCodec.Params.SDPFmtpLine,
		}

		if strings.HasPrefix(strings.ToLower(rawCodec.Params.MimeType), "video/") {
			capability.RTCPFeedback = videoFeedback()
		}

		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: capability,
			PayloadType:        webrtc.PayloadType(rawCodec.Params.PayloadType),
		}

		result = append(result, Codec{Params: params, Type: webrtc.NewRTPCodecType(rawCodec.Type)})
	}

	return result
}
