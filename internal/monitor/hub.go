package monitor

import (
	"strings"
	"sync"

	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/api"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/utils"
	"golang.org/x/time/rate"
)

// Hub keeps one Monitor per assessment so several dashboards can watch
// different assessments without sharing connections.
type Hub struct {
	deps     Deps
	limiter  *rate.Limiter
	monitors *utils.SyncMapWrapper[string, *Monitor]

	mu       sync.Mutex
	settings Settings
}

func NewHub(deps Deps, settings Settings) *Hub {
	return &Hub{
		deps:     deps,
		limiter:  newLimiter(settings),
		monitors: utils.NewSyncMapWrapper[string, *Monitor](),
		settings: settings,
	}
}

func newLimiter(s Settings) *rate.Limiter {
	if s.Monitor.StartRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(s.Monitor.StartRate), max(s.Monitor.StartBurst, 1))
}

func (h *Hub) Get(assessmentID string) (*Monitor, bool) {
	return h.monitors.Load(assessmentID)
}

func (h *Hub) GetOrCreate(assessmentID string) *Monitor {
	if m, ok := h.monitors.Load(assessmentID); ok {
		return m
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.monitors.Load(assessmentID); ok {
		return m
	}
	m := New(assessmentID, h.deps, h.settings, h.limiter)
	h.monitors.Store(assessmentID, m)
	return m
}

// Remove stops the assessment's monitor and forgets it.
func (h *Hub) Remove(assessmentID string) bool {
	m, ok := h.monitors.LoadAndDelete(assessmentID)
	if !ok {
		return false
	}
	m.Close()
	return true
}

func (h *Hub) Len() int {
	return h.monitors.Len()
}

func (h *Hub) List() []api.MonitorSummary {
	monitors := h.monitors.Values(func(a, b string) bool { return strings.Compare(a, b) < 0 })
	out := make([]api.MonitorSummary, len(monitors))
	for i, m := range monitors {
		out[i] = m.Summary()
	}
	return out
}

// UpdateSettings is wired to the config manager's reload callback.
func (h *Hub) UpdateSettings(s Settings) {
	h.mu.Lock()
	h.settings = s
	h.mu.Unlock()

	if s.Monitor.StartRate > 0 {
		h.limiter.SetLimit(rate.Limit(s.Monitor.StartRate))
		h.limiter.SetBurst(max(s.Monitor.StartBurst, 1))
	} else {
		h.limiter.SetLimit(rate.Inf)
	}
	h.monitors.Range(func(_ string, m *Monitor) bool {
		m.UpdateSettings(s)
		return true
	})
}

func (h *Hub) Close() {
	h.monitors.Range(func(id string, m *Monitor) bool {
		if h.monitors.CompareAndDelete(id, m) {
			m.Close()
		}
		return true
	})
}
