// Package peer owns the WebRTC connection to a single candidate. Every Handle
// runs one goroutine that serializes signaling messages, transport callbacks,
// timers and commands, so its state machine never sees two events at once.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/config"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/metrics"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/utils"
	"github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"
)

const (
	transportBuffer = 64
	commandBuffer   = 4

	defaultEndSessionTimeout = 5 * time.Second
)

// StreamSink receives the handle's bindings. registry.Registry implements it.
type StreamSink interface {
	Set(b domain.StreamBinding)
	Remove(candidateID, owner string) bool
}

type Config struct {
	NegotiationTimeout time.Duration
	TrackTimeout       time.Duration
	Reconnect          utils.Backoff
	EndSessionTimeout  time.Duration
	// StartLimiter throttles connection setup when many candidates join at once.
	StartLimiter *rate.Limiter
}

type Deps struct {
	Signaler   domain.Signaler
	Transports domain.TransportFactory
	Sink       StreamSink
	// Events receives state changes. Sends give up when the handle stops.
	Events chan<- Event
}

// Event is emitted on every state change. Err is set only on the final closed
// event of a handle that failed.
type Event struct {
	HandleID    string
	CandidateID string
	SessionID   string
	State       domain.PeerConnectionState
	Err         error
}

// Info is a point-in-time view of a handle, safe to read from any goroutine.
type Info struct {
	ID          string
	CandidateID string
	SessionID   string
	State       domain.PeerConnectionState
	Err         error
	ClosedAt    time.Time
}

type command int

const (
	cmdRefresh command = iota
)

type transportEvent struct {
	candidate *webrtc.ICECandidateInit
	state     *webrtc.ICEConnectionState
	track     domain.Track
}

type Handle struct {
	id      string
	session domain.CandidateSession
	cfg     Config
	deps    Deps

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	started       atomic.Bool
	stopRequested atomic.Bool
	stopOnce      sync.Once

	cmds            chan command
	transportEvents chan transportEvent
	writeResults    chan writeResult

	postMu     sync.RWMutex
	postClosed bool
	postCtx    context.Context
	postCancel context.CancelFunc

	mu       sync.RWMutex
	state    domain.PeerConnectionState
	err      error
	closedAt time.Time

	// Owned by the run goroutine.
	transport         domain.Transport
	writer            *signalWriter
	queue             iceQueue
	tracks            []domain.Track
	stream            *domain.MediaStream
	round             int
	awaitingAnswer    bool
	remoteApplied     bool
	offered           bool
	byeReceived       bool
	trackTimerArmed   bool
	reconnectAttempts int
	reconnectDelays   *backoff.ExponentialBackOff
	startedAt         time.Time

	negotiationTimer *time.Timer
	trackTimer       *time.Timer
	reconnectTimer   *time.Timer
}

func New(session domain.CandidateSession, cfg Config, deps Deps) *Handle {
	if cfg.EndSessionTimeout <= 0 {
		cfg.EndSessionTimeout = defaultEndSessionTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		id:              uuid.NewString(),
		session:         session,
		cfg:             cfg,
		deps:            deps,
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
		cmds:            make(chan command, commandBuffer),
		transportEvents: make(chan transportEvent, transportBuffer),
		writeResults:    make(chan writeResult, commandBuffer),
		state:           domain.StateIdle,
		reconnectDelays: cfg.Reconnect.New(),
	}
	h.postCtx, h.postCancel = context.WithCancel(ctx)
	metrics.HandlesCreatedTotal.Inc()
	metrics.ActiveHandles.Inc()
	return h
}

func (h *Handle) ID() string          { return h.id }
func (h *Handle) CandidateID() string { return h.session.CandidateID }
func (h *Handle) SessionID() string   { return h.session.SessionID }

// Done is closed once the handle reached closed and released its resources.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) State() domain.PeerConnectionState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Handle) Info() Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Info{
		ID:          h.id,
		CandidateID: h.session.CandidateID,
		SessionID:   h.session.SessionID,
		State:       h.state,
		Err:         h.err,
		ClosedAt:    h.closedAt,
	}
}

// Start begins connecting in the background. Calling it again, or after
// Stop, does nothing.
func (h *Handle) Start() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	go h.run()
}

// Cancel asks the handle to close without waiting for it. Once Cancel
// returns the handle no longer writes to the registry, apart from removing
// its own entry.
func (h *Handle) Cancel() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopRequested.Store(true)
		h.mu.Unlock()
		h.cancel()
		if h.started.CompareAndSwap(false, true) {
			h.setState(domain.StateClosed, nil)
			metrics.ActiveHandles.Dec()
			metrics.HandlesClosedTotal.WithLabelValues("stopped").Inc()
			close(h.done)
		}
	})
}

// Stop closes the connection, stops every track and removes the candidate's
// registry entry. It blocks until the handle is closed and may be called any
// number of times.
func (h *Handle) Stop() {
	h.Cancel()
	<-h.done
	h.deps.Sink.Remove(h.session.CandidateID, h.id)
}

// Refresh renegotiates a connected handle and requests a fresh keyframe, or
// retries an interrupted one right away with a full reconnect budget. It is
// a no-op while the first negotiation is still running.
func (h *Handle) Refresh(ctx context.Context) error {
	select {
	case <-h.done:
		return domain.ErrHandleClosed
	default:
	}
	select {
	case h.cmds <- cmdRefresh:
		return nil
	case <-h.done:
		return domain.ErrHandleClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) run() {
	defer close(h.done)

	var failure error
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in peer handle",
				"candidateID", h.session.CandidateID,
				"sessionID", h.session.SessionID,
				"panic", r,
				"stack", string(debug.Stack()))
			failure = fmt.Errorf("internal error: %v", r)
		}
		h.teardown(failure)
	}()

	failure = h.loop()
}

func (h *Handle) loop() error {
	if h.cfg.StartLimiter != nil {
		if err := h.cfg.StartLimiter.Wait(h.ctx); err != nil {
			return nil
		}
	}
	h.startedAt = time.Now()
	h.transition(domain.StateDiscovering)

	signals, err := h.deps.Signaler.Subscribe(h.ctx, h.session.SessionID)
	if err != nil {
		if h.ctx.Err() != nil {
			return nil
		}
		return &domain.SignalingError{Op: "subscribe", SessionID: h.session.SessionID, Attempts: 1, Err: err}
	}

	transport, err := h.deps.Transports.NewTransport(domain.TransportEvents{
		OnLocalCandidate: func(c webrtc.ICECandidateInit) { h.post(transportEvent{candidate: &c}) },
		OnConnectivity:   func(s webrtc.ICEConnectionState) { h.post(transportEvent{state: &s}) },
		OnTrack:          func(t domain.Track) { h.post(transportEvent{track: t}) },
	})
	if err != nil {
		return &domain.MediaError{CandidateID: h.session.CandidateID, Reason: "create peer connection", Err: err}
	}
	h.transport = transport

	h.writer = newSignalWriter(h.ctx, h.deps.Signaler, h.session.SessionID, h.writeResults)
	h.writer.Start()

	if err := h.startRound(false); err != nil {
		return err
	}
	h.transition(domain.StateNegotiating)

	for {
		select {
		case <-h.ctx.Done():
			return nil

		case msg, ok := <-signals:
			if !ok {
				if h.ctx.Err() != nil {
					return nil
				}
				return &domain.SignalingError{Op: "subscribe", SessionID: h.session.SessionID, Attempts: 1, Err: errors.New("signal subscription ended")}
			}
			finished, err := h.handleSignal(msg)
			if finished || err != nil {
				return err
			}

		case ev := <-h.transportEvents:
			if err := h.handleTransportEvent(ev); err != nil {
				return err
			}

		case res := <-h.writeResults:
			if err := h.handleWriteResult(res); err != nil {
				return err
			}

		case cmd := <-h.cmds:
			if err := h.handleCommand(cmd); err != nil {
				return err
			}

		case <-timerC(h.negotiationTimer):
			h.negotiationTimer = nil
			return &domain.TimeoutError{CandidateID: h.session.CandidateID, Phase: "negotiation", After: h.cfg.NegotiationTimeout}

		case <-timerC(h.trackTimer):
			h.trackTimer = nil
			if len(h.tracks) == 0 {
				return &domain.MediaError{
					CandidateID: h.session.CandidateID,
					Reason:      fmt.Sprintf("no remote track within %s of connecting", h.cfg.TrackTimeout),
				}
			}

		case <-timerC(h.reconnectTimer):
			h.reconnectTimer = nil
			if err := h.attemptReconnect(); err != nil {
				return err
			}
		}
	}
}

// post hands a transport callback to the run goroutine. Tracks arriving after
// the handle stopped are stopped right here so none outlives the handle.
func (h *Handle) post(ev transportEvent) {
	h.postMu.RLock()
	defer h.postMu.RUnlock()

	if !h.postClosed {
		select {
		case h.transportEvents <- ev:
			return
		case <-h.postCtx.Done():
		}
	}
	if ev.track != nil {
		_ = ev.track.Stop()
	}
}

// closePosts refuses further transport callbacks and stops tracks that were
// delivered but never processed.
func (h *Handle) closePosts() {
	h.postMu.Lock()
	h.postClosed = true
	h.postMu.Unlock()

	for {
		select {
		case ev := <-h.transportEvents:
			if ev.track != nil {
				_ = ev.track.Stop()
			}
		default:
			return
		}
	}
}

// startRound creates an offer and hands it to the writer. The negotiation
// timer starts once the backend accepted the offer.
func (h *Handle) startRound(iceRestart bool) error {
	offer, err := h.transport.CreateOffer(iceRestart)
	if err != nil {
		return &domain.MediaError{CandidateID: h.session.CandidateID, Reason: "create offer", Err: err}
	}
	h.round++
	h.offered = true
	h.awaitingAnswer = true
	h.remoteApplied = false
	stopTimer(&h.negotiationTimer)

	slog.Debug("sending offer", "candidateID", h.session.CandidateID, "sessionID", h.session.SessionID, "round", h.round, "iceRestart", iceRestart)
	h.writer.Send(outbound{
		msg:   domain.SignalingMessage{Type: domain.SignalOffer, SessionID: h.session.SessionID, SDP: &offer},
		round: h.round,
	})
	return nil
}

func (h *Handle) handleWriteResult(res writeResult) error {
	if res.err != nil {
		if h.ctx.Err() != nil {
			return nil
		}
		return res.err
	}
	if res.msgType == domain.SignalOffer {
		if res.round == h.round && h.awaitingAnswer && h.cfg.NegotiationTimeout > 0 {
			armTimer(&h.negotiationTimer, h.cfg.NegotiationTimeout)
		}
	}
	return nil
}

// handleSignal applies one inbound message. finished is true when the
// candidate said goodbye.
func (h *Handle) handleSignal(msg domain.SignalingMessage) (finished bool, err error) {
	switch msg.Type {
	case domain.SignalAnswer:
		if !h.awaitingAnswer {
			slog.Debug("ignoring unexpected answer", "candidateID", h.session.CandidateID, "seq", msg.Seq)
			return false, nil
		}
		if err := h.transport.SetRemoteDescription(*msg.SDP); err != nil {
			return false, &domain.MediaError{CandidateID: h.session.CandidateID, Reason: "apply remote answer", Err: err}
		}
		h.awaitingAnswer = false
		stopTimer(&h.negotiationTimer)
		h.applyRemote()

	case domain.SignalOffer:
		// Both sides offering at once: ours wins and the candidate rolls back.
		if h.awaitingAnswer {
			slog.Debug("ignoring remote offer while awaiting answer", "candidateID", h.session.CandidateID, "seq", msg.Seq)
			return false, nil
		}
		if err := h.transport.SetRemoteDescription(*msg.SDP); err != nil {
			return false, &domain.MediaError{CandidateID: h.session.CandidateID, Reason: "apply remote offer", Err: err}
		}
		h.applyRemote()
		answer, err := h.transport.CreateAnswer()
		if err != nil {
			return false, &domain.MediaError{CandidateID: h.session.CandidateID, Reason: "create answer", Err: err}
		}
		h.writer.Send(outbound{
			msg:   domain.SignalingMessage{Type: domain.SignalAnswer, SessionID: h.session.SessionID, SDP: &answer},
			round: h.round,
		})

	case domain.SignalIceCandidate:
		metrics.ICECandidatesTotal.WithLabelValues("in").Inc()
		if h.remoteApplied {
			h.addCandidate(*msg.Candidate)
		} else {
			h.queue.Push(*msg.Candidate)
		}

	case domain.SignalBye:
		slog.Info("candidate ended the session", "candidateID", h.session.CandidateID, "sessionID", h.session.SessionID)
		h.byeReceived = true
		return true, nil
	}
	return false, nil
}

func (h *Handle) applyRemote() {
	h.remoteApplied = true
	n := h.queue.Flush(h.addCandidate)
	if n > 0 {
		metrics.ICEQueueFlushSize.Observe(float64(n))
		slog.Debug("applied queued ICE candidates", "candidateID", h.session.CandidateID, "count", n)
	}
}

// addCandidate treats a rejected candidate as a duplicate or stale one.
func (h *Handle) addCandidate(c webrtc.ICECandidateInit) {
	if err := h.transport.AddICECandidate(c); err != nil {
		slog.Debug("remote ICE candidate not applied", "candidateID", h.session.CandidateID, "error", err)
	}
}

func (h *Handle) handleTransportEvent(ev transportEvent) error {
	switch {
	case ev.candidate != nil:
		metrics.ICECandidatesTotal.WithLabelValues("out").Inc()
		h.writer.Send(outbound{
			msg:   domain.SignalingMessage{Type: domain.SignalIceCandidate, SessionID: h.session.SessionID, Candidate: ev.candidate},
			round: h.round,
		})
	case ev.track != nil:
		h.addTrack(ev.track)
	case ev.state != nil:
		return h.handleConnectivity(*ev.state)
	}
	return nil
}

func (h *Handle) addTrack(t domain.Track) {
	h.tracks = append(h.tracks, t)
	if h.stream == nil {
		h.stream = &domain.MediaStream{ID: h.session.SessionID}
	}
	h.stream.Tracks = append(h.stream.Tracks, domain.TrackInfo{ID: t.ID(), Kind: t.Kind(), Codec: t.Codec()})
	stopTimer(&h.trackTimer)
	metrics.TracksReceivedTotal.WithLabelValues(t.Kind()).Inc()

	slog.Info("remote track received", "candidateID", h.session.CandidateID, "kind", t.Kind(), "codec", t.Codec())
	h.publish()
}

func (h *Handle) handleConnectivity(s webrtc.ICEConnectionState) error {
	current := h.State()
	slog.Debug("ICE connection state", "candidateID", h.session.CandidateID, "ice", s.String(), "state", current)

	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		switch current {
		case domain.StateNegotiating:
			metrics.NegotiationDuration.Observe(time.Since(h.startedAt).Seconds())
		case domain.StateDegraded, domain.StateReconnecting:
			slog.Info("candidate connection recovered", "candidateID", h.session.CandidateID, "attempts", h.reconnectAttempts)
		default:
			return nil
		}
		stopTimer(&h.reconnectTimer)
		h.reconnectAttempts = 0
		h.reconnectDelays.Reset()
		h.transition(domain.StateConnected)
		if len(h.tracks) == 0 && !h.trackTimerArmed && h.cfg.TrackTimeout > 0 {
			h.trackTimerArmed = true
			armTimer(&h.trackTimer, h.cfg.TrackTimeout)
		}

	case webrtc.ICEConnectionStateDisconnected:
		if current == domain.StateConnected {
			h.transition(domain.StateDegraded)
			h.scheduleReconnect()
		}

	case webrtc.ICEConnectionStateFailed:
		switch current {
		case domain.StateNegotiating:
			return &domain.MediaError{CandidateID: h.session.CandidateID, Reason: "ICE failed during negotiation"}
		case domain.StateConnected:
			h.transition(domain.StateDegraded)
			stopTimer(&h.reconnectTimer)
			return h.attemptReconnect()
		case domain.StateDegraded:
			stopTimer(&h.reconnectTimer)
			return h.attemptReconnect()
		}
	}
	return nil
}

func (h *Handle) scheduleReconnect() {
	armTimer(&h.reconnectTimer, h.reconnectDelays.NextBackOff())
}

// attemptReconnect runs one ICE restart round and schedules the next one in
// case this attempt does not reconnect either.
func (h *Handle) attemptReconnect() error {
	if !h.State().IsInterrupted() {
		return nil
	}
	h.reconnectAttempts++
	if h.reconnectAttempts > h.cfg.Reconnect.MaxAttempts {
		return &domain.MediaError{CandidateID: h.session.CandidateID, Reason: "connection lost", Err: domain.ErrReconnectExhausted}
	}
	if h.State() == domain.StateDegraded {
		h.transition(domain.StateReconnecting)
	}
	metrics.ReconnectAttemptsTotal.Inc()
	slog.Info("reconnecting candidate", "candidateID", h.session.CandidateID, "attempt", h.reconnectAttempts, "max", h.cfg.Reconnect.MaxAttempts)

	if err := h.startRound(true); err != nil {
		return err
	}
	h.scheduleReconnect()
	return nil
}

func (h *Handle) handleCommand(cmd command) error {
	if cmd != cmdRefresh {
		return nil
	}
	switch state := h.State(); {
	case state == domain.StateConnected:
		metrics.RefreshesTotal.WithLabelValues("renegotiate").Inc()
		if err := h.startRound(false); err != nil {
			return err
		}
		if err := h.transport.RequestKeyframe(); err != nil {
			slog.Debug("keyframe request failed", "candidateID", h.session.CandidateID, "error", err)
		}
	case state.IsInterrupted():
		metrics.RefreshesTotal.WithLabelValues("reconnect").Inc()
		h.reconnectAttempts = 0
		h.reconnectDelays.Reset()
		stopTimer(&h.reconnectTimer)
		return h.attemptReconnect()
	default:
		metrics.RefreshesTotal.WithLabelValues("noop").Inc()
	}
	return nil
}

func (h *Handle) transition(to domain.PeerConnectionState) {
	from := h.State()
	if !domain.CanTransition(from, to) {
		slog.Warn("ignoring invalid state transition", "candidateID", h.session.CandidateID, "from", from, "to", to)
		return
	}
	h.setState(to, nil)
	metrics.HandleStateTransitions.WithLabelValues(string(to)).Inc()
	slog.Info("candidate connection state changed", "candidateID", h.session.CandidateID, "sessionID", h.session.SessionID, "from", from, "to", to)

	h.publish()
	h.emit(Event{HandleID: h.id, CandidateID: h.session.CandidateID, SessionID: h.session.SessionID, State: to})
}

func (h *Handle) setState(s domain.PeerConnectionState, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
	h.err = err
	if s == domain.StateClosed {
		h.closedAt = time.Now()
	}
}

func (h *Handle) publish() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopRequested.Load() {
		return
	}
	b := domain.StreamBinding{
		CandidateID: h.session.CandidateID,
		SessionID:   h.session.SessionID,
		Owner:       h.id,
		Stream:      h.stream,
		Status:      h.state,
	}
	if h.err != nil {
		b.Error = h.err.Error()
		b.ErrorKind = domain.ErrorKind(h.err)
	}
	// Held across Set so a concurrent Cancel cannot be overtaken.
	h.deps.Sink.Set(b)
}

func (h *Handle) emit(ev Event) {
	if h.deps.Events == nil {
		return
	}
	select {
	case h.deps.Events <- ev:
	case <-h.ctx.Done():
	}
}

// teardown releases everything in order: tracks, then the connection, then
// the registry entry. A failed handle leaves a closed binding carrying the
// error so the dashboard can show it until the candidate is refreshed.
func (h *Handle) teardown(failure error) {
	stopTimer(&h.negotiationTimer)
	stopTimer(&h.trackTimer)
	stopTimer(&h.reconnectTimer)
	if h.writer != nil {
		h.writer.Stop()
	}

	for _, t := range h.tracks {
		if err := t.Stop(); err != nil {
			slog.Debug("failed to stop track", "candidateID", h.session.CandidateID, "track", t.ID(), "error", err)
		}
	}
	// Closing the connection fires callbacks synchronously, so nothing may
	// stay blocked on a full event buffer past this point.
	h.postCancel()
	h.closePosts()
	if h.transport != nil {
		if err := h.transport.Close(); err != nil {
			slog.Warn("failed to close peer connection", "candidateID", h.session.CandidateID, "error", err)
		}
	}
	h.stream = nil

	stopped := h.stopRequested.Load()
	if stopped {
		failure = nil
	}
	h.setState(domain.StateClosed, failure)

	reason := "stopped"
	switch {
	case failure != nil:
		reason = domain.ErrorKind(failure)
		h.publish()
		slog.Error("candidate connection failed", "candidateID", h.session.CandidateID, "sessionID", h.session.SessionID, "error", failure)
	case h.byeReceived:
		reason = "bye"
		h.deps.Sink.Remove(h.session.CandidateID, h.id)
	default:
		h.deps.Sink.Remove(h.session.CandidateID, h.id)
	}
	metrics.ActiveHandles.Dec()
	metrics.HandlesClosedTotal.WithLabelValues(reason).Inc()
	metrics.HandleStateTransitions.WithLabelValues(string(domain.StateClosed)).Inc()
	slog.Info("candidate connection closed", "candidateID", h.session.CandidateID, "sessionID", h.session.SessionID, "reason", reason)

	h.emit(Event{HandleID: h.id, CandidateID: h.session.CandidateID, SessionID: h.session.SessionID, State: domain.StateClosed, Err: failure})

	if h.offered && !h.byeReceived {
		go h.notifyEnd()
	}
	h.cancel()
}

func (h *Handle) notifyEnd() {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.EndSessionTimeout)
	defer cancel()
	if err := h.deps.Signaler.EndSession(ctx, h.session.SessionID); err != nil {
		slog.Debug("end session notification failed", "sessionID", h.session.SessionID, "error", err)
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func armTimer(t **time.Timer, d time.Duration) {
	stopTimer(t)
	*t = time.NewTimer(d)
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// ConfigFromMonitor maps the monitor settings onto a handle configuration.
func ConfigFromMonitor(m config.MonitorConfig, limiter *rate.Limiter) Config {
	return Config{
		NegotiationTimeout: m.NegotiationTimeout,
		TrackTimeout:       m.TrackTimeout,
		Reconnect:          m.Reconnect,
		StartLimiter:       limiter,
	}
}
