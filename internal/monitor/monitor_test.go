package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/config"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/utils"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

// backend answers every offer at once and serves a settable session list.
type backend struct {
	mu       sync.Mutex
	sessions []domain.CandidateSession
	err      error
	subs     map[string]chan domain.SignalingMessage
	ended    []string
}

func newBackend(sessions ...domain.CandidateSession) *backend {
	return &backend{sessions: sessions, subs: make(map[string]chan domain.SignalingMessage)}
}

func (b *backend) set(err error, sessions ...domain.CandidateSession) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
	if err == nil {
		b.sessions = sessions
	}
}

func (b *backend) ListActiveSessions(context.Context, string) ([]domain.CandidateSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, &domain.DiscoveryError{AssessmentID: "exam", Attempts: 1, Err: b.err}
	}
	return append([]domain.CandidateSession(nil), b.sessions...), nil
}

func (b *backend) channel(sessionID string) chan domain.SignalingMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[sessionID]
	if !ok {
		ch = make(chan domain.SignalingMessage, 16)
		b.subs[sessionID] = ch
	}
	return ch
}

func (b *backend) Subscribe(_ context.Context, sessionID string) (<-chan domain.SignalingMessage, error) {
	return b.channel(sessionID), nil
}

func (b *backend) SendOffer(_ context.Context, sessionID string, offer webrtc.SessionDescription) error {
	b.channel(sessionID) <- domain.SignalingMessage{
		Type:      domain.SignalAnswer,
		SessionID: sessionID,
		SDP:       &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"},
	}
	return nil
}

func (b *backend) SendAnswer(context.Context, string, webrtc.SessionDescription) error  { return nil }
func (b *backend) SendIceCandidate(context.Context, string, webrtc.ICECandidateInit) error { return nil }

func (b *backend) EndSession(_ context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ended = append(b.ended, sessionID)
	return nil
}

type track struct{ id string }

func (t *track) ID() string    { return t.id }
func (t *track) Kind() string  { return "video" }
func (t *track) Codec() string { return "video/VP8" }
func (t *track) Stop() error   { return nil }

type transport struct {
	events    domain.TransportEvents
	connected atomic.Bool
}

func (t *transport) CreateOffer(bool) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (t *transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (t *transport) SetRemoteDescription(webrtc.SessionDescription) error {
	if t.connected.CompareAndSwap(false, true) {
		go func() {
			t.events.OnConnectivity(webrtc.ICEConnectionStateConnected)
			t.events.OnTrack(&track{id: "cam"})
		}()
	}
	return nil
}

func (t *transport) AddICECandidate(webrtc.ICECandidateInit) error { return nil }
func (t *transport) RequestKeyframe() error                        { return nil }
func (t *transport) Close() error                                  { return nil }

type transports struct {
	mu  sync.Mutex
	all []*transport
}

func (f *transports) NewTransport(events domain.TransportEvents) (domain.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &transport{events: events}
	f.all = append(f.all, t)
	return t, nil
}

func (f *transports) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.all)
}

func testSettings() Settings {
	s := SettingsFrom(config.DefaultAppConfig())
	s.Monitor.DiscoveryInterval = 5 * time.Millisecond
	s.Monitor.DiscoveryErrorThreshold = 2
	s.Monitor.NegotiationTimeout = waitFor
	s.Monitor.TrackTimeout = waitFor
	s.Monitor.FailedRetryCooldown = time.Hour
	s.Monitor.Reconnect = utils.Backoff{MaxAttempts: 2, BaseDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	s.Monitor.StartRate = 0
	s.DiscoveryRetry = utils.Backoff{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	return s
}

func live(cid, sid string) domain.CandidateSession {
	return domain.CandidateSession{CandidateID: cid, SessionID: sid, Status: domain.SessionLive}
}

func connectedCount(m *Monitor) int {
	n := 0
	for _, s := range m.Snapshot().CandidateStreams {
		if s.Status == string(domain.StateConnected) && len(s.Tracks) > 0 {
			n++
		}
	}
	return n
}

func newMonitor(t *testing.T, be *backend, tr *transports) *Monitor {
	t.Helper()
	hub := NewHub(Deps{Lister: be, Signaler: be, Transports: tr}, testSettings())
	t.Cleanup(hub.Close)
	return hub.GetOrCreate("exam")
}

func TestMonitorShowsEveryLiveCandidate(t *testing.T) {
	be := newBackend(live("a", "s1"), live("b", "s2"), live("c", "s3"))
	m := newMonitor(t, be, &transports{})

	require.NoError(t, m.StartMonitoring(context.Background()))
	require.Eventually(t, func() bool { return connectedCount(m) == 3 }, waitFor, 5*time.Millisecond)

	snap := m.Snapshot()
	assert.True(t, snap.Monitoring)
	assert.False(t, snap.IsLoading)
	assert.Equal(t, []string{"a", "b", "c"}, snap.ActiveCandidates)
	assert.Nil(t, snap.DiscoveryError)
	for _, s := range snap.CandidateStreams {
		require.NotNil(t, s.StreamID)
		assert.Nil(t, s.Error)
	}
}

func TestMonitorFollowsSessionChanges(t *testing.T) {
	be := newBackend(live("a", "s1"), live("b", "s2"))
	m := newMonitor(t, be, &transports{})
	require.NoError(t, m.StartMonitoring(context.Background()))
	require.Eventually(t, func() bool { return connectedCount(m) == 2 }, waitFor, 5*time.Millisecond)

	be.set(nil, live("b", "s2-rejoined"), live("c", "s3"))

	require.Eventually(t, func() bool {
		snap := m.Snapshot()
		if len(snap.CandidateStreams) != 2 || connectedCount(m) != 2 {
			return false
		}
		return snap.CandidateStreams[0].SessionID == "s2-rejoined" && snap.CandidateStreams[1].CandidateID == "c"
	}, waitFor, 5*time.Millisecond)
}

func TestMonitorKeepsHandlesWhileDiscoveryFails(t *testing.T) {
	be := newBackend(live("a", "s1"))
	m := newMonitor(t, be, &transports{})
	require.NoError(t, m.StartMonitoring(context.Background()))
	require.Eventually(t, func() bool { return connectedCount(m) == 1 }, waitFor, 5*time.Millisecond)

	be.set(errors.New("backend unavailable"))
	require.Eventually(t, func() bool { return m.Snapshot().DiscoveryError != nil }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, connectedCount(m))

	assert.True(t, m.DismissDiscoveryError())
	assert.Nil(t, m.Snapshot().DiscoveryError)
	assert.False(t, m.DismissDiscoveryError())

	be.set(nil, live("a", "s1"))
	time.Sleep(30 * time.Millisecond)
	assert.Nil(t, m.Snapshot().DiscoveryError)
	assert.Equal(t, 1, connectedCount(m))
}

func TestMonitorPauseKeepsConnections(t *testing.T) {
	be := newBackend(live("a", "s1"))
	tr := &transports{}
	m := newMonitor(t, be, tr)
	require.NoError(t, m.StartMonitoring(context.Background()))
	require.Eventually(t, func() bool { return connectedCount(m) == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, m.PauseMonitoring())
	assert.False(t, m.IsMonitoring())
	be.set(nil)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, connectedCount(m), "paused monitor ignores discovery")
	require.NoError(t, m.RefreshCandidate(context.Background(), "a"))

	be.set(nil, live("a", "s1"))
	require.NoError(t, m.StartMonitoring(context.Background()))
	assert.True(t, m.IsMonitoring())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, connectedCount(m))
	assert.Equal(t, 1, tr.count(), "resume reuses the existing connection")
}

func TestMonitorStopTearsDown(t *testing.T) {
	be := newBackend(live("a", "s1"), live("b", "s2"))
	m := newMonitor(t, be, &transports{})
	require.NoError(t, m.StartMonitoring(context.Background()))
	require.Eventually(t, func() bool { return connectedCount(m) == 2 }, waitFor, 5*time.Millisecond)

	require.NoError(t, m.StopMonitoring())

	snap := m.Snapshot()
	assert.False(t, snap.Monitoring)
	assert.Empty(t, snap.CandidateStreams)
	assert.Empty(t, snap.ActiveCandidates)
	assert.ErrorIs(t, m.StopMonitoring(), domain.ErrMonitorNotRunning)
	assert.ErrorIs(t, m.PauseMonitoring(), domain.ErrMonitorNotRunning)
	assert.ErrorIs(t, m.RefreshCandidate(context.Background(), "a"), domain.ErrMonitorNotRunning)
	require.Eventually(t, func() bool {
		be.mu.Lock()
		defer be.mu.Unlock()
		return len(be.ended) == 2
	}, waitFor, 5*time.Millisecond)
}

func TestMonitorRefreshUnknownCandidate(t *testing.T) {
	m := newMonitor(t, newBackend(), &transports{})
	require.NoError(t, m.StartMonitoring(context.Background()))
	assert.ErrorIs(t, m.RefreshCandidate(context.Background(), "ghost"), domain.ErrCandidateNotFound)
}

func TestMonitorSubscribeIsNotified(t *testing.T) {
	m := newMonitor(t, newBackend(live("a", "s1")), &transports{})
	var calls atomic.Int32
	cancel := m.Subscribe(func() { calls.Add(1) })

	require.NoError(t, m.StartMonitoring(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, waitFor, 5*time.Millisecond)

	cancel()
	before := calls.Load()
	require.NoError(t, m.StopMonitoring())
	assert.Equal(t, before, calls.Load())
}

func TestHubKeepsMonitorsApart(t *testing.T) {
	hub := NewHub(Deps{Lister: newBackend(), Signaler: newBackend(), Transports: &transports{}}, testSettings())
	defer hub.Close()

	a := hub.GetOrCreate("exam-a")
	assert.Same(t, a, hub.GetOrCreate("exam-a"))
	b := hub.GetOrCreate("exam-b")
	assert.NotSame(t, a, b)

	require.NoError(t, b.StartMonitoring(context.Background()))
	list := hub.List()
	require.Len(t, list, 2)
	assert.Equal(t, "exam-a", list[0].AssessmentID)
	assert.False(t, list[0].Monitoring)
	assert.True(t, list[1].Monitoring)

	settings := testSettings()
	settings.Monitor.StartRate = 2
	hub.UpdateSettings(settings)
	assert.Equal(t, 2.0, float64(hub.limiter.Limit()))

	assert.True(t, hub.Remove("exam-b"))
	assert.False(t, hub.Remove("exam-b"))
	_, ok := hub.Get("exam-b")
	assert.False(t, ok)
	select {
	case <-b.Done():
	default:
		t.Fatal("removed monitor is not done")
	}
	select {
	case <-a.Done():
		t.Fatal("removing exam-b closed exam-a")
	default:
	}
	b.Close()
}
