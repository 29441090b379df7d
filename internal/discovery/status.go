package discovery

import (
	"sync"
	"time"

	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/api"
)

// Status turns a run of failed passes into one banner. The banner appears
// once the failures reach the threshold, stays hidden after Dismiss and is
// cleared by the next successful pass.
type Status struct {
	mu        sync.RWMutex
	threshold int
	failures  int
	since     time.Time
	lastErr   error
	dismissed bool
}

func NewStatus(threshold int) *Status {
	if threshold < 1 {
		threshold = 1
	}
	return &Status{threshold: threshold}
}

// Observe records a pass and reports whether the visible banner changed.
func (s *Status) Observe(r Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.visibleLocked()
	if r.Err == nil {
		s.failures = 0
		s.lastErr = nil
		s.dismissed = false
		s.since = time.Time{}
	} else {
		if s.failures == 0 {
			s.since = r.At
		}
		s.failures++
		s.lastErr = r.Err
	}
	return before != s.visibleLocked()
}

// Dismiss hides the current banner. It reports false when none was shown.
func (s *Status) Dismiss() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.visibleLocked() {
		return false
	}
	s.dismissed = true
	return true
}

func (s *Status) Banner() *api.DiscoveryBanner {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.visibleLocked() {
		return nil
	}
	return &api.DiscoveryBanner{
		Message:  s.lastErr.Error(),
		Failures: s.failures,
		Since:    s.since,
	}
}

func (s *Status) visibleLocked() bool {
	return s.failures >= s.threshold && !s.dismissed && s.lastErr != nil
}
