package peer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/domain"
)

const writerBuffer = 128

type outbound struct {
	msg   domain.SignalingMessage
	round int
}

type writeResult struct {
	msgType domain.SignalType
	round   int
	err     error
}

// signalWriter posts a handle's outbound messages to the backend one at a
// time and in order, so an offer always reaches the backend before the local
// candidates gathered for it.
type signalWriter struct {
	signaler  domain.Signaler
	sessionID string
	messages  chan outbound
	results   chan<- writeResult
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func newSignalWriter(parent context.Context, signaler domain.Signaler, sessionID string, results chan<- writeResult) *signalWriter {
	ctx, cancel := context.WithCancel(parent)
	return &signalWriter{
		signaler:  signaler,
		sessionID: sessionID,
		messages:  make(chan outbound, writerBuffer),
		results:   results,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (w *signalWriter) Start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *signalWriter) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *signalWriter) Send(o outbound) {
	select {
	case w.messages <- o:
	case <-w.ctx.Done():
	}
}

func (w *signalWriter) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case o := <-w.messages:
			w.write(o)
		}
	}
}

func (w *signalWriter) write(o outbound) {
	var err error
	switch o.msg.Type {
	case domain.SignalOffer:
		err = w.signaler.SendOffer(w.ctx, w.sessionID, *o.msg.SDP)
	case domain.SignalAnswer:
		err = w.signaler.SendAnswer(w.ctx, w.sessionID, *o.msg.SDP)
	case domain.SignalIceCandidate:
		if err := w.signaler.SendIceCandidate(w.ctx, w.sessionID, *o.msg.Candidate); err != nil && w.ctx.Err() == nil {
			slog.Warn("failed to send local ICE candidate", "sessionID", w.sessionID, "error", err)
		}
		return
	default:
		return
	}

	select {
	case w.results <- writeResult{msgType: o.msg.Type, round: o.round, err: err}:
	case <-w.ctx.Done():
	}
}
