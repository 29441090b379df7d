package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/discovery"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/peer"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id      string
	session domain.CandidateSession
	reg     *registry.Registry
	events  chan<- peer.Event

	mu        sync.Mutex
	state     domain.PeerConnectionState
	err       error
	closedAt  time.Time
	stops     int
	cancels   int
	refreshes int
	block     chan struct{}
	now       func() time.Time
}

func (h *fakeHandle) ID() string          { return h.id }
func (h *fakeHandle) CandidateID() string { return h.session.CandidateID }
func (h *fakeHandle) SessionID() string   { return h.session.SessionID }

func (h *fakeHandle) Start() {
	h.mu.Lock()
	h.state = domain.StateConnected
	h.mu.Unlock()
	h.reg.Set(domain.StreamBinding{
		CandidateID: h.session.CandidateID,
		SessionID:   h.session.SessionID,
		Owner:       h.id,
		Stream:      &domain.MediaStream{ID: h.session.SessionID},
		Status:      domain.StateConnected,
	})
}

func (h *fakeHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancels++
}

func (h *fakeHandle) Stop() {
	h.mu.Lock()
	block := h.block
	h.mu.Unlock()
	if block != nil {
		<-block
	}

	h.mu.Lock()
	h.stops++
	if h.state != domain.StateClosed {
		h.state = domain.StateClosed
		h.closedAt = h.now()
	}
	h.mu.Unlock()
	h.reg.Remove(h.session.CandidateID, h.id)
}

func (h *fakeHandle) Refresh(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == domain.StateClosed {
		return domain.ErrHandleClosed
	}
	h.refreshes++
	return nil
}

func (h *fakeHandle) Info() peer.Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return peer.Info{ID: h.id, CandidateID: h.session.CandidateID, SessionID: h.session.SessionID, State: h.state, Err: h.err, ClosedAt: h.closedAt}
}

func (h *fakeHandle) setState(s domain.PeerConnectionState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

func (h *fakeHandle) fail(err error) {
	h.mu.Lock()
	h.state = domain.StateClosed
	h.err = err
	h.closedAt = h.now()
	h.mu.Unlock()
	h.reg.Set(domain.StreamBinding{
		CandidateID: h.session.CandidateID,
		SessionID:   h.session.SessionID,
		Owner:       h.id,
		Status:      domain.StateClosed,
		Error:       err.Error(),
		ErrorKind:   domain.ErrorKind(err),
	})
	h.events <- peer.Event{HandleID: h.id, CandidateID: h.session.CandidateID, SessionID: h.session.SessionID, State: domain.StateClosed, Err: err}
}

// blockStop makes Stop hang until release is closed.
func (h *fakeHandle) blockStop(release chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.block = release
}

func (h *fakeHandle) cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancels > 0
}

func (h *fakeHandle) waitStops(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		stops, _ := h.counts()
		return stops == want
	}, time.Second, time.Millisecond, "handle %s never stopped", h.id)
}

func (h *fakeHandle) counts() (stops, refreshes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stops, h.refreshes
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	sup      *Supervisor
	reg      *registry.Registry
	clock    *clock
	cancel   context.CancelFunc
	mu       sync.Mutex
	created  []*fakeHandle
	failures []peer.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{reg: registry.New(), clock: &clock{t: time.Unix(1000, 0)}}
	f.sup = New(Config{
		AssessmentID:        "exam",
		FailedRetryCooldown: 30 * time.Second,
		OnFailure: func(ev peer.Event) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.failures = append(f.failures, ev)
		},
	}, func(session domain.CandidateSession, events chan<- peer.Event) Handle {
		f.mu.Lock()
		defer f.mu.Unlock()
		h := &fakeHandle{
			id:      fmt.Sprintf("h%d", len(f.created)+1),
			session: session,
			reg:     f.reg,
			events:  events,
			state:   domain.StateIdle,
			now:     f.clock.Now,
		}
		f.created = append(f.created, h)
		return h
	})
	f.sup.now = f.clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.sup.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-f.sup.Done()
	})
	return f
}

func (f *fixture) handles() []*fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeHandle(nil), f.created...)
}

func (f *fixture) apply(t *testing.T, sessions ...domain.CandidateSession) {
	t.Helper()
	require.NoError(t, f.sup.Reconcile(context.Background(), discovery.Result{Sessions: sessions}))
}

func live(candidateID, sessionID string) domain.CandidateSession {
	return domain.CandidateSession{CandidateID: candidateID, SessionID: sessionID, Status: domain.SessionLive}
}

func registryView(reg *registry.Registry) map[string]string {
	out := map[string]string{}
	for _, b := range reg.Snapshot() {
		out[b.CandidateID] = b.SessionID
	}
	return out
}

func TestReconcileStartsOneHandlePerLiveCandidate(t *testing.T) {
	f := newFixture(t)

	f.apply(t, live("a", "s1"), live("b", "s2"), live("c", "s3"))

	assert.Len(t, f.handles(), 3)
	assert.Equal(t, []string{"a", "b", "c"}, f.sup.ActiveCandidates())
	assert.Equal(t, map[string]string{"a": "s1", "b": "s2", "c": "s3"}, registryView(f.reg))
	for _, b := range f.reg.Snapshot() {
		assert.Equal(t, domain.StateConnected, b.Status)
		assert.NotNil(t, b.Stream)
	}
}

func TestReconcileIgnoresSessionsThatAreNotLive(t *testing.T) {
	f := newFixture(t)

	f.apply(t,
		live("a", "s1"),
		domain.CandidateSession{CandidateID: "b", SessionID: "s2", Status: domain.SessionPending},
		domain.CandidateSession{CandidateID: "c", SessionID: "s3", Status: domain.SessionEnded},
	)

	assert.Equal(t, []string{"a"}, f.sup.ActiveCandidates())
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t)

	f.apply(t, live("a", "s1"), live("b", "s2"))
	f.apply(t, live("a", "s1"), live("b", "s2"))
	f.apply(t, live("b", "s2"), live("a", "s1"))

	require.Len(t, f.handles(), 2)
	for _, h := range f.handles() {
		stops, _ := h.counts()
		assert.Zero(t, stops)
	}
}

func TestReconcileConvergesToLastResult(t *testing.T) {
	f := newFixture(t)

	f.apply(t, live("a", "s1"), live("b", "s2"))
	f.apply(t, live("b", "s2-new"), live("c", "s3"))
	f.apply(t, live("c", "s3"), live("d", "s4"), live("b", "s2-new"))

	assert.Equal(t, []string{"b", "c", "d"}, f.sup.ActiveCandidates())

	handles := f.handles()
	require.Len(t, handles, 5)
	handles[0].waitStops(t, 1)
	handles[1].waitStops(t, 1)
	assert.Equal(t, map[string]string{"b": "s2-new", "c": "s3", "d": "s4"}, registryView(f.reg))
	for _, h := range handles[2:] {
		stops, _ := h.counts()
		assert.Zero(t, stops, h.session.CandidateID)
	}
}

func TestDiscoveryErrorKeepsHandles(t *testing.T) {
	f := newFixture(t)
	f.apply(t, live("a", "s1"))

	err := f.sup.Reconcile(context.Background(), discovery.Result{Err: errors.New("backend down"), Failures: 1})
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, f.sup.ActiveCandidates())
	stops, _ := f.handles()[0].counts()
	assert.Zero(t, stops)

	f.apply(t)
	assert.Empty(t, f.sup.ActiveCandidates(), "an empty successful pass does remove candidates")
	f.handles()[0].waitStops(t, 1)
	assert.Zero(t, f.reg.Len())
}

func TestBlockedStopDoesNotHoldUpReconcile(t *testing.T) {
	f := newFixture(t)
	f.apply(t, live("a", "s1"))
	stuck := f.handles()[0]
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck.blockStop(release)

	done := make(chan error, 1)
	go func() {
		done <- f.sup.Reconcile(context.Background(), discovery.Result{Sessions: []domain.CandidateSession{live("b", "s2")}})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconcile waited for a departing candidate")
	}

	handles := f.handles()
	require.Len(t, handles, 2)
	assert.Equal(t, domain.StateConnected, handles[1].Info().State)
	assert.Equal(t, []string{"b"}, f.sup.ActiveCandidates())
	assert.Equal(t, "s2", registryView(f.reg)["b"])
	assert.True(t, stuck.cancelled())
	stops, _ := stuck.counts()
	assert.Zero(t, stops)
}

func TestShutdownWaitsForRetiredHandles(t *testing.T) {
	f := newFixture(t)
	f.apply(t, live("a", "s1"))
	old := f.handles()[0]
	release := make(chan struct{})
	old.blockStop(release)

	f.apply(t, live("a", "s1-new"))
	require.Len(t, f.handles(), 2)
	assert.Equal(t, "h2", f.reg.Snapshot()[0].Owner)

	f.cancel()
	select {
	case <-f.sup.Done():
		t.Fatal("supervisor finished before the replaced handle stopped")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-f.sup.Done()
	old.waitStops(t, 1)
	assert.Zero(t, f.reg.Len())
}

func TestFailedHandleWaitsForCooldown(t *testing.T) {
	f := newFixture(t)
	f.apply(t, live("a", "s1"))
	first := f.handles()[0]

	first.fail(&domain.MediaError{CandidateID: "a", Reason: "no remote track"})
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.failures) == 1
	}, time.Second, time.Millisecond)

	f.apply(t, live("a", "s1"))
	assert.Len(t, f.handles(), 1, "no retry before the cooldown")
	b, ok := f.reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, domain.StateClosed, b.Status)
	assert.Equal(t, "media", b.ErrorKind)

	f.clock.Advance(31 * time.Second)
	f.apply(t, live("a", "s1"))
	require.Len(t, f.handles(), 2)
	b, _ = f.reg.Get("a")
	assert.Equal(t, domain.StateConnected, b.Status)
	assert.Equal(t, "h2", b.Owner)
}

func TestRefreshCandidate(t *testing.T) {
	f := newFixture(t)
	f.apply(t, live("a", "s1"))
	h := f.handles()[0]

	require.NoError(t, f.sup.Refresh(context.Background(), "a"))
	_, refreshes := h.counts()
	assert.Equal(t, 1, refreshes)
	assert.Len(t, f.handles(), 1, "refresh keeps the handle and session")

	assert.ErrorIs(t, f.sup.Refresh(context.Background(), "zzz"), domain.ErrCandidateNotFound)
}

func TestRefreshRestartsFailedHandle(t *testing.T) {
	f := newFixture(t)
	f.apply(t, live("a", "s1"))
	f.handles()[0].fail(&domain.TimeoutError{CandidateID: "a", Phase: "negotiation", After: time.Second})

	require.NoError(t, f.sup.Refresh(context.Background(), "a"))

	handles := f.handles()
	require.Len(t, handles, 2)
	assert.Equal(t, "s1", handles[1].SessionID())
	b, ok := f.reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, domain.StateConnected, b.Status)
	assert.Equal(t, "h2", b.Owner)
}

func TestResumeRefreshesOnlyInterruptedHandles(t *testing.T) {
	f := newFixture(t)
	f.apply(t, live("a", "s1"), live("b", "s2"), live("c", "s3"))
	handles := f.handles()
	handles[0].setState(domain.StateDegraded)
	handles[2].setState(domain.StateReconnecting)

	require.NoError(t, f.sup.ResumeInterrupted(context.Background()))

	for i, want := range []int{1, 0, 1} {
		_, refreshes := handles[i].counts()
		assert.Equal(t, want, refreshes, handles[i].session.CandidateID)
	}
}

func TestStopReleasesEverything(t *testing.T) {
	f := newFixture(t)
	f.apply(t, live("a", "s1"), live("b", "s2"))

	f.cancel()
	<-f.sup.Done()

	assert.Zero(t, f.reg.Len())
	assert.Empty(t, f.sup.ActiveCandidates())
	for _, h := range f.handles() {
		stops, _ := h.counts()
		assert.Equal(t, 1, stops)
	}
	assert.ErrorIs(t, f.sup.Reconcile(context.Background(), discovery.Result{}), domain.ErrMonitorNotRunning)
}
