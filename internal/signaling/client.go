// Package signaling is the client side of the assessment backend: discovery of
// active candidate sessions and the per-session offer/answer/ICE exchange.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/config"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/metrics"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/utils"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
)

const (
	HeaderRequestID = "X-Request-ID"

	maxErrorBody = 256
)

// StatusError is a non-2xx backend response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend responded %d: %s", e.Code, e.Body)
}

type transportError struct {
	err error
}

func (e *transportError) Error() string { return "backend request failed: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// Client talks to the backend over HTTP. It is safe for concurrent use; calls
// for different sessions never wait on each other.
type Client struct {
	http         *fasthttp.Client
	wsDialer     *websocket.Dialer
	baseURL      string
	token        string
	timeout      time.Duration
	retry        utils.Backoff
	transport    string
	pollInterval time.Duration
}

var _ domain.SignalingClient = (*Client)(nil)

type Option func(*Client)

// WithDialer routes both REST and websocket connections through dial.
func WithDialer(dial func(addr string) (net.Conn, error)) Option {
	return func(c *Client) {
		c.http.Dial = dial
		c.wsDialer.NetDial = func(_, addr string) (net.Conn, error) {
			return dial(addr)
		}
	}
}

func NewClient(backend config.BackendConfig, sig config.SignalingConfig, opts ...Option) *Client {
	timeout := backend.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		http: &fasthttp.Client{
			Name:                "proctor",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
		wsDialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
		},
		baseURL:      backend.BaseURL,
		token:        backend.Token,
		timeout:      timeout,
		retry:        sig.Retry,
		transport:    sig.Transport,
		pollInterval: sig.PollInterval,
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.pollInterval <= 0 {
		c.pollInterval = time.Second
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ListActiveSessions(ctx context.Context, assessmentID string) ([]domain.CandidateSession, error) {
	var list sessionList
	path := "/assessments/" + url.PathEscape(assessmentID) + "/sessions/active"
	attempts, err := c.do(ctx, "list_sessions", "", fasthttp.MethodGet, path, nil, &list)
	if err != nil {
		return nil, &domain.DiscoveryError{AssessmentID: assessmentID, Attempts: attempts, Err: err}
	}
	return list, nil
}

type sdpBody struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

type iceBody struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

func (c *Client) SendOffer(ctx context.Context, sessionID string, offer webrtc.SessionDescription) error {
	return c.send(ctx, "offer", sessionID, "/offer", sdpBody{SDP: offer})
}

func (c *Client) SendAnswer(ctx context.Context, sessionID string, answer webrtc.SessionDescription) error {
	return c.send(ctx, "answer", sessionID, "/answer", sdpBody{SDP: answer})
}

func (c *Client) SendIceCandidate(ctx context.Context, sessionID string, candidate webrtc.ICECandidateInit) error {
	return c.send(ctx, "ice", sessionID, "/ice", iceBody{Candidate: candidate})
}

func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	return c.send(ctx, "end", sessionID, "/end", nil)
}

func (c *Client) send(ctx context.Context, op, sessionID, suffix string, body any) error {
	path := "/sessions/" + url.PathEscape(sessionID) + suffix
	attempts, err := c.do(ctx, op, sessionID, fasthttp.MethodPost, path, body, nil)
	if err != nil {
		return &domain.SignalingError{Op: op, SessionID: sessionID, Attempts: attempts, Err: err}
	}
	metrics.SignalingMessagesTotal.WithLabelValues(op, "out").Inc()
	return nil
}

// do runs one request with bounded exponential backoff and reports how many
// attempts were made.
func (c *Client) do(ctx context.Context, op, sessionID, method, path string, body, out any) (int, error) {
	seq := c.retry.New()
	attempts := 0
	var lastErr error

	for attempts < c.retry.MaxAttempts {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		attempts++

		start := time.Now()
		err := c.doOnce(ctx, method, path, body, out)
		metrics.SignalingRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.SignalingRequestsTotal.WithLabelValues(op, "ok").Inc()
			return attempts, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempts >= c.retry.MaxAttempts {
			break
		}
		metrics.SignalingRequestsTotal.WithLabelValues(op, "retry").Inc()

		delay := seq.NextBackOff()
		slog.Debug("retrying backend request", "op", op, "sessionID", sessionID, "attempt", attempts, "delay", delay, "error", err)
		if err := sleepCtx(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	metrics.SignalingRequestsTotal.WithLabelValues(op, "failed").Inc()
	return attempts, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	req.Header.Set(HeaderRequestID, uuid.NewString())
	if c.token != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+c.token)
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			release()
			return fmt.Errorf("encode request: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBodyRaw(data)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	// DoDeadline does not watch ctx, so the call runs on its own goroutine
	// which keeps req and resp until it returns.
	result := make(chan error, 1)
	go func() { result <- c.http.DoDeadline(req, resp, deadline) }()
	select {
	case err := <-result:
		defer release()
		if err != nil {
			return &transportError{err: err}
		}
	case <-ctx.Done():
		go func() {
			<-result
			release()
		}()
		return ctx.Err()
	}

	code := resp.StatusCode()
	if code < 200 || code >= 300 {
		respBody := resp.Body()
		if len(respBody) > maxErrorBody {
			respBody = respBody[:maxErrorBody]
		}
		return &StatusError{Code: code, Body: string(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
		}
	}
	return nil
}

// IsRetryable reports whether a failed backend call may succeed if repeated:
// transport failures, 5xx, 408, 429 and malformed payloads.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == fasthttp.StatusRequestTimeout || statusErr.Code == fasthttp.StatusTooManyRequests
	}
	var te *transportError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, domain.ErrMalformedPayload)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// sessionList accepts either a bare array or {"sessions": [...]} and rejects
// entries without ids or with an unknown status.
type sessionList []domain.CandidateSession

func (l *sessionList) UnmarshalJSON(data []byte) error {
	var sessions []domain.CandidateSession
	if err := json.Unmarshal(data, &sessions); err != nil {
		var wrapped struct {
			Sessions *[]domain.CandidateSession `json:"sessions"`
		}
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil || wrapped.Sessions == nil {
			return err
		}
		sessions = *wrapped.Sessions
	}
	for i, s := range sessions {
		if s.CandidateID == "" || s.SessionID == "" {
			return fmt.Errorf("session %d: missing candidateId or sessionId", i)
		}
		switch s.Status {
		case domain.SessionPending, domain.SessionLive, domain.SessionEnded:
		default:
			return fmt.Errorf("session %d: unknown status %q", i, s.Status)
		}
	}
	*l = sessions
	return nil
}
