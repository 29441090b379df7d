// Package discovery polls the backend for the live candidate sessions of one
// assessment and hands every result to a single consumer.
package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/metrics"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/utils"
)

// Result is one discovery pass. Err and Sessions are never both meaningful: a
// failed pass says nothing about which candidates are live.
type Result struct {
	Sessions []domain.CandidateSession
	Err      error
	// Failures counts consecutive failed passes including this one.
	Failures int
	At       time.Time

	done chan struct{}
}

// Ack tells the poller the result was fully applied. The next pass starts
// only after that.
func (r Result) Ack() {
	if r.done != nil {
		close(r.done)
	}
}

type Poller struct {
	lister       domain.SessionLister
	assessmentID string
	interval     time.Duration
	retry        utils.Backoff

	results chan Result
	trigger chan struct{}
}

func NewPoller(lister domain.SessionLister, assessmentID string, interval time.Duration, retry utils.Backoff) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		lister:       lister,
		assessmentID: assessmentID,
		interval:     interval,
		retry:        retry,
		results:      make(chan Result),
		trigger:      make(chan struct{}, 1),
	}
}

// Results is closed when Run returns.
func (p *Poller) Results() <-chan Result {
	return p.results
}

// Trigger makes the poller skip the rest of its current wait.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Poller) Run(ctx context.Context) {
	defer close(p.results)

	failures := 0
	for {
		sessions, err := p.lister.ListActiveSessions(ctx, p.assessmentID)
		if ctx.Err() != nil {
			return
		}

		res := Result{Sessions: sessions, Err: err, At: time.Now(), done: make(chan struct{})}
		wait := p.interval
		if err != nil {
			failures++
			metrics.DiscoveryPassesTotal.WithLabelValues("error").Inc()
			wait = max(wait, p.retry.Delay(failures))
			slog.Warn("session discovery failed", "assessmentID", p.assessmentID, "failures", failures, "retryIn", wait, "error", err)
		} else {
			failures = 0
			metrics.DiscoveryPassesTotal.WithLabelValues("ok").Inc()
		}
		res.Failures = failures

		select {
		case p.results <- res:
		case <-ctx.Done():
			return
		}
		select {
		case <-res.done:
		case <-ctx.Done():
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.trigger:
			timer.Stop()
		case <-timer.C:
		}
	}
}
