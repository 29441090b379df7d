package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/api"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/metrics"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/monitor"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/sockets"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/utils"
)

// streamLoop pushes a fresh snapshot to one dashboard whenever the monitor
// changes. Bursts of changes collapse into one write.
type streamLoop struct {
	socket       sockets.Socket
	socketID     sockets.SocketID
	monitor      *monitor.Monitor
	pingInterval time.Duration

	changed     chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	pinger      utils.IntervalTimer
	unsubscribe func()
}

func newStreamLoop(socket sockets.Socket, socketID sockets.SocketID, m *monitor.Monitor, pingInterval time.Duration) *streamLoop {
	ctx, cancel := context.WithCancel(context.Background())
	return &streamLoop{
		socket:       socket,
		socketID:     socketID,
		monitor:      m,
		pingInterval: pingInterval,
		changed:      make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (l *streamLoop) Start() {
	l.unsubscribe = l.monitor.Subscribe(l.notify)
	l.wg.Add(1)
	go l.snapshotWriterLoop()
	if l.pingInterval > 0 {
		l.pinger = utils.SetIntervalTimer(l.pingInterval, l.ping)
	}
}

func (l *streamLoop) Stop() {
	l.unsubscribe()
	if l.pinger != nil {
		l.pinger.Stop()
	}
	l.cancel()
	l.wg.Wait()
}

func (l *streamLoop) notify() {
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

func (l *streamLoop) snapshotWriterLoop() {
	defer l.wg.Done()

	if !l.sendSnapshot() {
		return
	}
	for {
		select {
		case <-l.changed:
			if !l.sendSnapshot() {
				return
			}
		case <-l.monitor.Done():
			// The assessment was deleted; the dashboard has to reconnect.
			l.sendError("assessment " + l.monitor.AssessmentID() + " was removed")
			_ = l.socket.Close()
			return
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *streamLoop) sendSnapshot() bool {
	snapshot := l.monitor.Snapshot()
	return l.send(api.DashboardMessage{Event: api.DashboardMessageEventSnapshot, Snapshot: &snapshot})
}

func (l *streamLoop) ping() {
	l.send(api.DashboardMessage{
		Event: api.DashboardMessageEventPing,
		Ping:  &api.PingMessage{Timestamp: time.Now().Unix()},
	})
}

func (l *streamLoop) sendError(text string) {
	l.send(api.DashboardMessage{Event: api.DashboardMessageEventError, Error: &text})
}

// send closes the socket on failure so the read loop ends too.
func (l *streamLoop) send(msg api.DashboardMessage) bool {
	if l.ctx.Err() != nil {
		return false
	}
	if err := l.socket.WriteJSON(msg); err != nil {
		slog.Debug("failed to send message to dashboard", "socketID", l.socketID, "event", msg.Event, "error", err)
		_ = l.socket.Close()
		return false
	}
	metrics.WebSocketMessagesTotal.WithLabelValues("out").Inc()
	return true
}
