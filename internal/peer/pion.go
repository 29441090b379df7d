package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/config"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/metrics"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

const rtpBufferSize = 1500

// PionFactory creates receive-only peer connections sharing one configured
// webrtc.API.
type PionFactory struct {
	api *webrtc.API
	cfg config.WebRTCConfig
}

var _ domain.TransportFactory = (*PionFactory)(nil)

func NewPionFactory(cfg config.WebRTCConfig, publicIP string) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	for _, codec := range cfg.Codecs {
		if err := mediaEngine.RegisterCodec(codec.Params, codec.Type); err != nil {
			return nil, fmt.Errorf("failed to register codec: %w", err)
		}
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	pliFactory, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("failed to create PLI factory: %w", err)
	}
	interceptorRegistry.Add(pliFactory)

	se := webrtc.SettingEngine{}
	if len(cfg.PeerConnectionConfig.IceServers) == 0 && len(publicIP) > 0 {
		se.SetNAT1To1IPs([]string{publicIP}, webrtc.ICECandidateTypeHost)
	}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("failed to set WebRTC port range: %w", err)
		}
	}

	return &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
		cfg: cfg,
	}, nil
}

func (f *PionFactory) NewTransport(events domain.TransportEvents) (domain.Transport, error) {
	pc, err := f.api.NewPeerConnection(f.cfg.PeerConnectionConfig.WebrtcConfiguration())
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	recvonly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvonly); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to add video transceiver: %w", err)
	}
	if !f.cfg.DisableAudio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvonly); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to add audio transceiver: %w", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.OnLocalCandidate == nil {
			return
		}
		events.OnLocalCandidate(c.ToJSON())
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if events.OnConnectivity != nil {
			events.OnConnectivity(s)
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		slog.Info("track received", "trackID", remote.ID(), "kind", remote.Kind(), "codec", remote.Codec().MimeType, "payloadType", remote.Codec().PayloadType)
		t := newPionTrack(remote, receiver)
		if events.OnTrack == nil {
			_ = t.Stop()
			return
		}
		events.OnTrack(t)
	})

	return &pionTransport{pc: pc}, nil
}

type pionTransport struct {
	pc *webrtc.PeerConnection
}

func (t *pionTransport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (t *pionTransport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

func (t *pionTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

// RequestKeyframe sends a PLI for every received video track.
func (t *pionTransport) RequestKeyframe() error {
	var packets []rtcp.Packet
	for _, receiver := range t.pc.GetReceivers() {
		for _, track := range receiver.Tracks() {
			if track.Kind() == webrtc.RTPCodecTypeVideo {
				packets = append(packets, &rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())})
			}
		}
	}
	if len(packets) == 0 {
		return nil
	}
	if err := t.pc.WriteRTCP(packets); err != nil {
		return err
	}
	metrics.PLIRequestsTotal.Add(float64(len(packets)))
	return nil
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}

// pionTrack drains RTP from a remote track so the receive buffers never fill
// up; the dashboard renders media on its own connection, this side only counts.
type pionTrack struct {
	remote   *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver

	stopOnce sync.Once
	stopErr  error
}

func newPionTrack(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) *pionTrack {
	t := &pionTrack{remote: remote, receiver: receiver}
	go t.drain()
	return t
}

func (t *pionTrack) ID() string    { return t.remote.ID() }
func (t *pionTrack) Kind() string  { return t.remote.Kind().String() }
func (t *pionTrack) Codec() string { return t.remote.Codec().MimeType }

func (t *pionTrack) Stop() error {
	t.stopOnce.Do(func() {
		if err := t.receiver.Stop(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
			t.stopErr = err
		}
	})
	return t.stopErr
}

func (t *pionTrack) drain() {
	buf := make([]byte, rtpBufferSize)
	kind := t.Kind()
	for {
		n, _, err := t.remote.Read(buf)
		if err != nil {
			slog.Debug("remote track ended", "trackID", t.remote.ID(), "error", err)
			return
		}
		metrics.RTPPacketsTotal.WithLabelValues(kind).Inc()
		metrics.RTPBytesTotal.WithLabelValues(kind).Add(float64(n))
	}
}
