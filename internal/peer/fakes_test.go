package peer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/domain"
	"github.com/pion/webrtc/v4"
)

type fakeTrack struct {
	id      string
	kind    string
	stopped atomic.Int32
}

func (t *fakeTrack) ID() string    { return t.id }
func (t *fakeTrack) Kind() string  { return t.kind }
func (t *fakeTrack) Codec() string { return "video/VP8" }
func (t *fakeTrack) Stop() error {
	t.stopped.Add(1)
	return nil
}

type fakeSignaler struct {
	mu         sync.Mutex
	offers     []webrtc.SessionDescription
	answers    []webrtc.SessionDescription
	ice        []webrtc.ICECandidateInit
	ended      []string
	offerErr   error
	autoAnswer bool
	subs       map[string]chan domain.SignalingMessage
}

func newFakeSignaler(autoAnswer bool) *fakeSignaler {
	return &fakeSignaler{autoAnswer: autoAnswer, subs: make(map[string]chan domain.SignalingMessage)}
}

func (s *fakeSignaler) channel(sessionID string) chan domain.SignalingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.subs[sessionID]
	if !ok {
		ch = make(chan domain.SignalingMessage, 64)
		s.subs[sessionID] = ch
	}
	return ch
}

func (s *fakeSignaler) Subscribe(_ context.Context, sessionID string) (<-chan domain.SignalingMessage, error) {
	return s.channel(sessionID), nil
}

func (s *fakeSignaler) push(sessionID string, m domain.SignalingMessage) {
	m.SessionID = sessionID
	s.channel(sessionID) <- m
}

func (s *fakeSignaler) SendOffer(_ context.Context, sessionID string, offer webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.offerErr != nil {
		err := s.offerErr
		s.mu.Unlock()
		return err
	}
	s.offers = append(s.offers, offer)
	auto := s.autoAnswer
	s.mu.Unlock()

	if auto {
		s.push(sessionID, domain.SignalingMessage{
			Type: domain.SignalAnswer,
			SDP:  &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to-" + offer.SDP},
		})
	}
	return nil
}

func (s *fakeSignaler) SendAnswer(_ context.Context, _ string, answer webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, answer)
	return nil
}

func (s *fakeSignaler) SendIceCandidate(_ context.Context, _ string, c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ice = append(s.ice, c)
	return nil
}

func (s *fakeSignaler) EndSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, sessionID)
	return nil
}

func (s *fakeSignaler) offerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offers)
}

func (s *fakeSignaler) answerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.answers)
}

func (s *fakeSignaler) endedSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ended...)
}

type fakeTransport struct {
	mu          sync.Mutex
	events      domain.TransportEvents
	offers      []bool
	log         []string
	keyframes   int
	closed      bool
	autoConnect bool
	withTrack   bool
	connected   bool
	closeBurst  int
	track       *fakeTrack
}

func (t *fakeTransport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offers = append(t.offers, iceRestart)
	t.log = append(t.log, "offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", len(t.offers))}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log = append(t.log, "answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "local-answer"}, nil
}

func (t *fakeTransport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	t.mu.Lock()
	t.log = append(t.log, "remote:"+sdp.Type.String())
	connect := t.autoConnect && !t.connected
	if connect {
		t.connected = true
	}
	t.mu.Unlock()

	if connect {
		go func() {
			t.events.OnLocalCandidate(webrtc.ICECandidateInit{Candidate: "candidate:local"})
			t.events.OnConnectivity(webrtc.ICEConnectionStateConnected)
			if t.withTrack {
				t.events.OnTrack(t.track)
			}
		}()
	}
	return nil
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log = append(t.log, "ice:"+c.Candidate)
	return nil
}

func (t *fakeTransport) RequestKeyframe() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keyframes++
	return nil
}

// Close reports closeBurst state changes synchronously, the way a real peer
// connection does while shutting down.
func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	burst := t.closeBurst
	t.mu.Unlock()
	for range burst {
		t.events.OnConnectivity(webrtc.ICEConnectionStateClosed)
	}
	return nil
}

func (t *fakeTransport) connectivity(s webrtc.ICEConnectionState) {
	t.events.OnConnectivity(s)
}

func (t *fakeTransport) offerFlags() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.offers...)
}

func (t *fakeTransport) opLog() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.log...)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) keyframeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.keyframes
}

type fakeFactory struct {
	mu          sync.Mutex
	transports  []*fakeTransport
	autoConnect bool
	withTrack   bool
	closeBurst  int
}

func (f *fakeFactory) NewTransport(events domain.TransportEvents) (domain.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTransport{
		events:      events,
		autoConnect: f.autoConnect,
		withTrack:   f.withTrack,
		closeBurst:  f.closeBurst,
		track:       &fakeTrack{id: fmt.Sprintf("track-%d", len(f.transports)), kind: "video"},
	}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}
