// Package server is the dashboard's HTTP and websocket surface over the
// monitor hub.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/api"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/config"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/metrics"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/monitor"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/sockets"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes:
//   - /api/...: monitoring control for one assessment (admin IP + basic auth)
//   - /ws/assessments/:id/streams: snapshot push for a dashboard (same guard)
//   - /metrics and /healthz
type Server struct {
	app     *fiber.App
	hub     *monitor.Hub
	auth    *AuthHandler
	clients *sockets.SocketPool

	pingInterval atomic.Int64
	startedAt    time.Time
}

func NewServer(cfg config.AppConfig, app *fiber.App, hub *monitor.Hub) *Server {
	s := &Server{
		app:       app,
		hub:       hub,
		auth:      NewAuthHandler(cfg.Security),
		clients:   sockets.NewSocketPool(),
		startedAt: time.Now(),
	}
	s.pingInterval.Store(int64(cfg.Server.PingInterval))
	return s
}

// UpdateConfig applies reloaded security and ping settings. Open websockets
// keep their ping interval.
func (s *Server) UpdateConfig(cfg config.AppConfig) {
	s.auth.Update(cfg.Security)
	s.pingInterval.Store(int64(cfg.Server.PingInterval))
}

func (s *Server) SetupRoutes() {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"monitors": s.hub.Len(),
			"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
		})
	})
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	s.setupMonitorApi()
	s.setupStreamSockets()
}

// Close drops every dashboard connection. Monitors belong to the hub.
func (s *Server) Close() {
	s.clients.Close()
}

func (s *Server) setupStreamSockets() {
	ws := s.app.Group("/ws", s.auth.adminIPOnly, s.auth.basicAuth())
	ws.Use(func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	ws.Get("/assessments/:id/streams", websocket.New(func(c *websocket.Conn) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in dashboard socket", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		s.listenStreamSocket(c)
	}))
}

func (s *Server) listenStreamSocket(c *websocket.Conn) {
	assessmentID := c.Params("id")
	socketID := sockets.SocketID(c.NetConn().RemoteAddr().String())
	socket := sockets.NewSocket(c.Conn)
	s.clients.AddSocket(socketID, socket)

	m := s.hub.GetOrCreate(assessmentID)
	loop := newStreamLoop(socket, socketID, m, time.Duration(s.pingInterval.Load()))
	loop.Start()
	defer func() {
		s.clients.CloseSocket(socketID, socket)
		loop.Stop()
	}()
	slog.Info("dashboard connected", "socketID", socketID, "assessmentID", assessmentID)

	for {
		var message api.DashboardMessage
		if err := socket.ReadJSON(&message); err != nil {
			slog.Info("dashboard disconnected", "socketID", socketID, "assessmentID", assessmentID, "reason", err)
			return
		}
		metrics.WebSocketMessagesTotal.WithLabelValues("in").Inc()
		s.processDashboardMessage(loop, m, message)
	}
}

func (s *Server) processDashboardMessage(loop *streamLoop, m *monitor.Monitor, msg api.DashboardMessage) {
	switch msg.Event {
	case api.DashboardMessageEventPong:
		slog.Debug("pong from dashboard", "socketID", loop.socketID)
	case api.DashboardMessageEventRefresh:
		if msg.Refresh == nil || msg.Refresh.CandidateID == "" {
			loop.sendError("refresh without candidateId")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := m.RefreshCandidate(ctx, msg.Refresh.CandidateID); err != nil {
			slog.Warn("refresh from dashboard failed", "assessmentID", m.AssessmentID(), "candidateID", msg.Refresh.CandidateID, "error", err)
			loop.sendError(err.Error())
		}
	case api.DashboardMessageEventDismiss:
		m.DismissDiscoveryError()
	default:
		loop.sendError(fmt.Sprintf("unknown event %q", msg.Event))
	}
}
