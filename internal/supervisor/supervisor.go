// Package supervisor keeps exactly one peer handle per live candidate of an
// assessment, reconciling the held handles against each discovery result.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/discovery"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/metrics"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/peer"
)

const eventBuffer = 256

// Handle is the part of peer.Handle the supervisor drives.
type Handle interface {
	ID() string
	CandidateID() string
	SessionID() string
	Start()
	Cancel()
	Stop()
	Refresh(ctx context.Context) error
	Info() peer.Info
}

// NewHandleFunc builds a handle for session that reports into events.
type NewHandleFunc func(session domain.CandidateSession, events chan<- peer.Event) Handle

type Config struct {
	AssessmentID string
	// FailedRetryCooldown keeps a closed handle's tile in place before the
	// same session is tried again.
	FailedRetryCooldown time.Duration
	// OnFailure is called from the supervisor goroutine for every handle that
	// closed with an error.
	OnFailure func(peer.Event)
}

type command struct {
	run   func(ctx context.Context) error
	reply chan error
}

type Supervisor struct {
	cfg       Config
	newHandle NewHandleFunc
	now       func() time.Time

	events chan peer.Event
	cmds   chan command
	done   chan struct{}

	// Owned by the run goroutine.
	handles  map[string]Handle
	sessions map[string]domain.CandidateSession

	retiring sync.WaitGroup

	activeMu sync.RWMutex
	active   []string
}

func New(cfg Config, newHandle NewHandleFunc) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		newHandle: newHandle,
		now:       time.Now,
		events:    make(chan peer.Event, eventBuffer),
		cmds:      make(chan command),
		done:      make(chan struct{}),
		handles:   make(map[string]Handle),
		sessions:  make(map[string]domain.CandidateSession),
	}
}

// Run serves commands until ctx is done, then stops every handle.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.done)
	defer s.stopAll()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		case c := <-s.cmds:
			c.reply <- c.run(ctx)
		}
	}
}

// Done is closed after Run returned and every handle is stopped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) exec(ctx context.Context, fn func(ctx context.Context) error) error {
	c := command{run: fn, reply: make(chan error, 1)}
	select {
	case s.cmds <- c:
	case <-s.done:
		return domain.ErrMonitorNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-s.done:
		return domain.ErrMonitorNotRunning
	}
}

// Reconcile applies one discovery result and returns once every resulting
// start and stop has been issued. A failed pass leaves all handles alone.
func (s *Supervisor) Reconcile(ctx context.Context, res discovery.Result) error {
	return s.exec(ctx, func(context.Context) error {
		s.reconcile(res)
		return nil
	})
}

// Refresh refreshes a candidate's handle in place, or replaces it when it is
// already closed.
func (s *Supervisor) Refresh(ctx context.Context, candidateID string) error {
	return s.exec(ctx, func(context.Context) error {
		h, ok := s.handles[candidateID]
		if !ok {
			return domain.ErrCandidateNotFound
		}
		if !h.Info().State.IsTerminal() {
			if err := h.Refresh(ctx); !errors.Is(err, domain.ErrHandleClosed) {
				return err
			}
		}
		slog.Info("restarting candidate connection on refresh", "assessmentID", s.cfg.AssessmentID, "candidateID", candidateID)
		metrics.RefreshesTotal.WithLabelValues("restart").Inc()
		s.retire(h)
		s.spawn(s.sessions[candidateID])
		s.publishActive()
		return nil
	})
}

// ResumeInterrupted refreshes every degraded or reconnecting handle; used
// when a paused dashboard is reopened.
func (s *Supervisor) ResumeInterrupted(ctx context.Context) error {
	return s.exec(ctx, func(context.Context) error {
		for _, cid := range domain.SortedCandidateIDs(s.handles) {
			h := s.handles[cid]
			if !h.Info().State.IsInterrupted() {
				continue
			}
			if err := h.Refresh(ctx); err != nil {
				slog.Debug("refresh on resume failed", "candidateID", cid, "error", err)
			}
		}
		return nil
	})
}

// ActiveCandidates lists the candidates that currently have a handle.
func (s *Supervisor) ActiveCandidates() []string {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	return append([]string(nil), s.active...)
}

func (s *Supervisor) reconcile(res discovery.Result) {
	start := time.Now()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	if res.Err != nil {
		slog.Debug("keeping handles after failed discovery", "assessmentID", s.cfg.AssessmentID, "handles", len(s.handles))
		return
	}

	live := domain.LiveByCandidate(res.Sessions)
	metrics.LiveSessions.WithLabelValues(s.cfg.AssessmentID).Set(float64(len(live)))

	for _, cid := range domain.SortedCandidateIDs(s.handles) {
		if _, ok := live[cid]; ok {
			continue
		}
		slog.Info("candidate no longer live", "assessmentID", s.cfg.AssessmentID, "candidateID", cid)
		s.discard(cid)
	}

	for _, cid := range domain.SortedCandidateIDs(live) {
		session := live[cid]
		h, ok := s.handles[cid]
		switch {
		case !ok:
			s.spawn(session)
		case h.SessionID() != session.SessionID:
			slog.Info("candidate session replaced", "assessmentID", s.cfg.AssessmentID, "candidateID", cid, "old", h.SessionID(), "new", session.SessionID)
			s.retire(h)
			s.spawn(session)
		default:
			info := h.Info()
			if info.State.IsTerminal() && s.now().Sub(info.ClosedAt) >= s.cfg.FailedRetryCooldown {
				slog.Info("retrying closed candidate connection", "assessmentID", s.cfg.AssessmentID, "candidateID", cid, "closedFor", s.now().Sub(info.ClosedAt))
				s.retire(h)
				s.spawn(session)
			}
		}
	}
	s.publishActive()
}

func (s *Supervisor) spawn(session domain.CandidateSession) {
	h := s.newHandle(session, s.events)
	s.handles[session.CandidateID] = h
	s.sessions[session.CandidateID] = session
	slog.Info("starting candidate connection", "assessmentID", s.cfg.AssessmentID, "candidateID", session.CandidateID, "sessionID", session.SessionID, "handleID", h.ID())
	h.Start()
}

func (s *Supervisor) discard(candidateID string) {
	if h, ok := s.handles[candidateID]; ok {
		s.retire(h)
	}
	delete(s.handles, candidateID)
	delete(s.sessions, candidateID)
}

// retire stops h in the background. A handle can be stuck on a backend call
// for a whole request timeout, which must not hold up the other candidates.
func (s *Supervisor) retire(h Handle) {
	h.Cancel()
	s.retiring.Add(1)
	go func() {
		defer s.retiring.Done()
		h.Stop()
	}()
}

func (s *Supervisor) handleEvent(ev peer.Event) {
	if ev.State != domain.StateClosed || ev.Err == nil {
		return
	}
	h, ok := s.handles[ev.CandidateID]
	if !ok || h.ID() != ev.HandleID {
		return
	}
	slog.Warn("candidate connection closed with error",
		"assessmentID", s.cfg.AssessmentID,
		"candidateID", ev.CandidateID,
		"sessionID", ev.SessionID,
		"kind", domain.ErrorKind(ev.Err),
		"error", ev.Err)
	if s.cfg.OnFailure != nil {
		s.cfg.OnFailure(ev)
	}
}

func (s *Supervisor) stopAll() {
	var wg sync.WaitGroup
	for cid, h := range s.handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Stop()
		}()
		delete(s.handles, cid)
		delete(s.sessions, cid)
	}
	wg.Wait()
	s.retiring.Wait()
	s.publishActive()
	metrics.LiveSessions.DeleteLabelValues(s.cfg.AssessmentID)
}

func (s *Supervisor) publishActive() {
	active := make([]string, 0, len(s.handles))
	for cid := range s.handles {
		active = append(active, cid)
	}
	sort.Strings(active)

	s.activeMu.Lock()
	s.active = active
	s.activeMu.Unlock()
}
