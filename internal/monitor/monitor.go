// Package monitor is the dashboard-facing facade of one assessment's live
// monitoring: it wires discovery, the supervisor and the stream registry
// together and exposes start, pause, stop and refresh.
package monitor

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/api"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/config"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/discovery"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/metrics"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/peer"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/registry"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/supervisor"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/utils"
	"golang.org/x/time/rate"
)

type Deps struct {
	Lister     domain.SessionLister
	Signaler   domain.Signaler
	Transports domain.TransportFactory
}

type Settings struct {
	Monitor config.MonitorConfig
	// DiscoveryRetry spaces out discovery passes after failures.
	DiscoveryRetry utils.Backoff
}

func SettingsFrom(cfg config.AppConfig) Settings {
	return Settings{Monitor: cfg.Monitor, DiscoveryRetry: cfg.Signaling.Retry}
}

type Monitor struct {
	assessmentID string
	deps         Deps
	limiter      *rate.Limiter
	registry     *registry.Registry

	settings atomic.Pointer[Settings]
	loading  atomic.Bool

	mu         sync.Mutex
	status     *discovery.Status
	sup        *supervisor.Supervisor
	supCancel  context.CancelFunc
	poller     *discovery.Poller
	pollCancel context.CancelFunc
	pollDone   chan struct{}

	listenersMu sync.RWMutex
	listeners   map[uint64]func()
	nextID      uint64
	unsubscribe func()

	closeOnce sync.Once
	closed    chan struct{}
}

func New(assessmentID string, deps Deps, settings Settings, limiter *rate.Limiter) *Monitor {
	m := &Monitor{
		assessmentID: assessmentID,
		deps:         deps,
		limiter:      limiter,
		registry:     registry.New(),
		status:       discovery.NewStatus(settings.Monitor.DiscoveryErrorThreshold),
		listeners:    make(map[uint64]func()),
		closed:       make(chan struct{}),
	}
	m.settings.Store(&settings)
	m.unsubscribe = m.registry.Subscribe(func(registry.Update) { m.notify() })
	return m
}

func (m *Monitor) AssessmentID() string { return m.assessmentID }

// Registry exposes the candidate tiles for read-only consumers.
func (m *Monitor) Registry() *registry.Registry { return m.registry }

// UpdateSettings applies to connections and discovery started afterwards.
func (m *Monitor) UpdateSettings(s Settings) {
	m.settings.Store(&s)
}

// StartMonitoring starts discovery and the supervisor. Starting a paused
// monitor resumes polling and immediately retries interrupted connections.
// Calling it while polling is a no-op.
func (m *Monitor) StartMonitoring(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.poller != nil {
		return nil
	}
	settings := *m.settings.Load()

	resumed := m.sup != nil
	if !resumed {
		m.status = discovery.NewStatus(settings.Monitor.DiscoveryErrorThreshold)
		m.startSupervisor(settings)
		metrics.ActiveMonitors.Inc()
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	m.poller = discovery.NewPoller(m.deps.Lister, m.assessmentID, settings.Monitor.DiscoveryInterval, settings.DiscoveryRetry)
	m.pollCancel = cancel
	m.pollDone = make(chan struct{})
	m.loading.Store(true)

	go m.poller.Run(pollCtx)
	go m.pump(pollCtx, m.poller, m.sup, m.status, m.pollDone)

	slog.Info("monitoring started", "assessmentID", m.assessmentID, "resumed", resumed)
	m.notify()

	if resumed {
		return m.sup.ResumeInterrupted(ctx)
	}
	return nil
}

func (m *Monitor) startSupervisor(settings Settings) {
	handleCfg := peer.ConfigFromMonitor(settings.Monitor, m.limiter)
	sup := supervisor.New(supervisor.Config{
		AssessmentID:        m.assessmentID,
		FailedRetryCooldown: settings.Monitor.FailedRetryCooldown,
	}, func(session domain.CandidateSession, events chan<- peer.Event) supervisor.Handle {
		return peer.New(session, handleCfg, peer.Deps{
			Signaler:   m.deps.Signaler,
			Transports: m.deps.Transports,
			Sink:       m.registry,
			Events:     events,
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	m.sup = sup
	m.supCancel = cancel
	go sup.Run(ctx)
}

// pump feeds discovery results to the supervisor one at a time.
func (m *Monitor) pump(ctx context.Context, p *discovery.Poller, sup *supervisor.Supervisor, status *discovery.Status, done chan struct{}) {
	defer close(done)

	for res := range p.Results() {
		before := sup.ActiveCandidates()
		if err := sup.Reconcile(ctx, res); err != nil {
			res.Ack()
			slog.Debug("discovery result not applied", "assessmentID", m.assessmentID, "error", err)
			continue
		}
		changed := status.Observe(res)
		wasLoading := m.loading.Swap(false)
		res.Ack()

		if changed || wasLoading || !slices.Equal(before, sup.ActiveCandidates()) {
			m.notify()
		}
	}
}

// PauseMonitoring stops discovery and keeps every connection; used when the
// dashboard panel is closed for a while.
func (m *Monitor) PauseMonitoring() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sup == nil {
		return domain.ErrMonitorNotRunning
	}
	m.stopPollingLocked()
	slog.Info("monitoring paused", "assessmentID", m.assessmentID)
	m.notify()
	return nil
}

// StopMonitoring tears everything down: discovery, every handle and every
// registry entry.
func (m *Monitor) StopMonitoring() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sup == nil {
		return domain.ErrMonitorNotRunning
	}
	m.stopPollingLocked()
	m.supCancel()
	<-m.sup.Done()
	m.sup = nil
	m.supCancel = nil
	m.loading.Store(false)
	metrics.ActiveMonitors.Dec()

	slog.Info("monitoring stopped", "assessmentID", m.assessmentID)
	m.notify()
	return nil
}

func (m *Monitor) stopPollingLocked() {
	if m.poller == nil {
		return
	}
	m.pollCancel()
	<-m.pollDone
	m.poller = nil
	m.pollCancel = nil
	m.pollDone = nil
	m.loading.Store(false)
}

func (m *Monitor) RefreshCandidate(ctx context.Context, candidateID string) error {
	m.mu.Lock()
	sup := m.sup
	m.mu.Unlock()

	if sup == nil {
		return domain.ErrMonitorNotRunning
	}
	return sup.Refresh(ctx, candidateID)
}

// DismissDiscoveryError hides the discovery banner until discovery fails
// again after a success. It reports whether a banner was shown.
func (m *Monitor) DismissDiscoveryError() bool {
	m.mu.Lock()
	status := m.status
	m.mu.Unlock()

	if !status.Dismiss() {
		return false
	}
	m.notify()
	return true
}

func (m *Monitor) IsMonitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poller != nil
}

func (m *Monitor) Snapshot() api.MonitoringStatus {
	m.mu.Lock()
	sup, status, polling := m.sup, m.status, m.poller != nil
	m.mu.Unlock()

	active := []string{}
	if sup != nil {
		active = sup.ActiveCandidates()
	}
	return api.MonitoringStatus{
		AssessmentID:     m.assessmentID,
		Monitoring:       polling,
		IsLoading:        m.loading.Load(),
		ActiveCandidates: active,
		CandidateStreams: api.ToApiCandidateStreams(m.registry.Snapshot()),
		DiscoveryError:   status.Banner(),
	}
}

func (m *Monitor) Summary() api.MonitorSummary {
	return api.MonitorSummary{
		AssessmentID: m.assessmentID,
		Monitoring:   m.IsMonitoring(),
		Streams:      m.registry.Len(),
	}
}

// Subscribe calls fn after every change of the snapshot. fn runs on the
// goroutine that made the change and must not block.
func (m *Monitor) Subscribe(fn func()) (cancel func()) {
	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

func (m *Monitor) notify() {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, fn := range m.listeners {
		fn()
	}
}

// Close stops monitoring if it runs and detaches from the registry.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		_ = m.StopMonitoring()
		m.unsubscribe()
		close(m.closed)
	})
}

// Done is closed once the monitor was closed and will change no more.
func (m *Monitor) Done() <-chan struct{} { return m.closed }
