package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fasthttp/websocket"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/config"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/metrics"
	"github.com/valyala/fasthttp"
)

const subscriptionBuffer = 32

type signalBatch struct {
	Messages []domain.SignalingMessage `json:"messages"`
}

// Subscribe starts delivering inbound signaling messages of sessionID. The
// subscription survives backend failures by reconnecting with backoff and ends
// when ctx is done.
func (c *Client) Subscribe(ctx context.Context, sessionID string) (<-chan domain.SignalingMessage, error) {
	out := make(chan domain.SignalingMessage, subscriptionBuffer)
	s := &subscription{client: c, sessionID: sessionID, out: out}

	switch c.transport {
	case config.TransportPoll, "":
		go s.poll(ctx)
	case config.TransportWS:
		go s.stream(ctx)
	default:
		close(out)
		return nil, fmt.Errorf("unknown signaling transport %q", c.transport)
	}
	return out, nil
}

type subscription struct {
	client    *Client
	sessionID string
	out       chan domain.SignalingMessage
	// after is the highest sequence number delivered so far.
	after int64
}

// deliver drops duplicates and invalid messages; false means ctx is done.
func (s *subscription) deliver(ctx context.Context, m domain.SignalingMessage) bool {
	if m.Seq > 0 {
		if m.Seq <= s.after {
			return true
		}
		s.after = m.Seq
	}
	if m.SessionID == "" {
		m.SessionID = s.sessionID
	}
	if m.SessionID != s.sessionID || !m.Valid() {
		slog.Warn("dropping invalid signaling message", "sessionID", s.sessionID, "type", m.Type, "seq", m.Seq)
		return true
	}
	metrics.SignalingMessagesTotal.WithLabelValues(string(m.Type), "in").Inc()

	select {
	case s.out <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *subscription) poll(ctx context.Context) {
	defer close(s.out)

	c := s.client
	seq := c.retry.New()
	base := "/sessions/" + url.PathEscape(s.sessionID) + "/signals?after="

	for {
		var batch signalBatch
		err := c.doOnce(ctx, fasthttp.MethodGet, base+strconv.FormatInt(s.after, 10), nil, &batch)
		wait := c.pollInterval
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = max(wait, seq.NextBackOff())
			slog.Warn("polling signals failed", "sessionID", s.sessionID, "retryIn", wait, "error", err)
		} else {
			seq.Reset()
			for _, m := range batch.Messages {
				if !s.deliver(ctx, m) {
					return
				}
			}
		}

		if sleepCtx(ctx, wait) != nil {
			return
		}
	}
}

func (s *subscription) stream(ctx context.Context) {
	defer close(s.out)

	c := s.client
	seq := c.retry.New()
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	for ctx.Err() == nil {
		u := websocketURL(c.baseURL) + "/sessions/" + url.PathEscape(s.sessionID) + "/signals/ws?after=" + strconv.FormatInt(s.after, 10)
		conn, _, err := c.wsDialer.DialContext(ctx, u, header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := seq.NextBackOff()
			slog.Warn("signal stream dial failed", "sessionID", s.sessionID, "retryIn", wait, "error", err)
			if sleepCtx(ctx, wait) != nil {
				return
			}
			continue
		}
		seq.Reset()
		slog.Debug("signal stream connected", "sessionID", s.sessionID)

		if !s.read(ctx, conn) {
			return
		}
		if sleepCtx(ctx, seq.NextBackOff()) != nil {
			return
		}
	}
}

// read consumes frames until the connection breaks; false means ctx is done.
func (s *subscription) read(ctx context.Context, conn *websocket.Conn) bool {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		var m domain.SignalingMessage
		if err := conn.ReadJSON(&m); err != nil {
			if ctx.Err() != nil {
				return false
			}
			slog.Warn("signal stream interrupted", "sessionID", s.sessionID, "error", err)
			return true
		}
		if !s.deliver(ctx, m) {
			return false
		}
	}
}

func websocketURL(base string) string {
	if strings.HasPrefix(base, "http") {
		return "ws" + base[4:]
	}
	return base
}
