package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/api"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/monitor"
)

const refreshTimeout = 10 * time.Second

func (s *Server) setupMonitorApi() {
	s.app.Route("/api", func(router fiber.Router) {
		router.Use(s.auth.adminIPOnly, s.auth.basicAuth())

		router.Get("/monitors", func(c *fiber.Ctx) error {
			return c.JSON(s.hub.List())
		})

		router.Get("/assessments/:id/streams", func(c *fiber.Ctx) error {
			m, ok := s.hub.Get(c.Params("id"))
			if !ok {
				return c.JSON(idleStatus(c.Params("id")))
			}
			return c.JSON(m.Snapshot())
		})

		router.Post("/assessments/:id/monitoring/start", func(c *fiber.Ctx) error {
			m := s.hub.GetOrCreate(c.Params("id"))
			if err := m.StartMonitoring(c.UserContext()); err != nil {
				return writeError(c, err)
			}
			return c.JSON(m.Snapshot())
		})

		router.Post("/assessments/:id/monitoring/pause", s.withMonitor(func(c *fiber.Ctx, m *monitor.Monitor) error {
			if err := m.PauseMonitoring(); err != nil {
				return writeError(c, err)
			}
			return c.JSON(m.Snapshot())
		}))

		router.Post("/assessments/:id/monitoring/stop", s.withMonitor(func(c *fiber.Ctx, m *monitor.Monitor) error {
			if err := m.StopMonitoring(); err != nil {
				return writeError(c, err)
			}
			return c.JSON(m.Snapshot())
		}))

		router.Post("/assessments/:id/candidates/:cid/refresh", s.withMonitor(func(c *fiber.Ctx, m *monitor.Monitor) error {
			ctx, cancel := context.WithTimeout(c.UserContext(), refreshTimeout)
			defer cancel()
			if err := m.RefreshCandidate(ctx, c.Params("cid")); err != nil {
				return writeError(c, err)
			}
			return c.SendStatus(fiber.StatusAccepted)
		}))

		router.Post("/assessments/:id/discovery-error/dismiss", s.withMonitor(func(c *fiber.Ctx, m *monitor.Monitor) error {
			return c.JSON(fiber.Map{"dismissed": m.DismissDiscoveryError()})
		}))

		router.Delete("/assessments/:id", func(c *fiber.Ctx) error {
			if !s.hub.Remove(c.Params("id")) {
				return writeError(c, domain.ErrMonitorNotRunning)
			}
			return c.SendStatus(fiber.StatusNoContent)
		})
	})
}

func (s *Server) withMonitor(fn func(c *fiber.Ctx, m *monitor.Monitor) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		m, ok := s.hub.Get(c.Params("id"))
		if !ok {
			return writeError(c, domain.ErrMonitorNotRunning)
		}
		return fn(c, m)
	}
}

func idleStatus(assessmentID string) api.MonitoringStatus {
	return api.MonitoringStatus{
		AssessmentID:     assessmentID,
		ActiveCandidates: []string{},
		CandidateStreams: []api.CandidateStream{},
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrCandidateNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrMonitorNotRunning), errors.Is(err, domain.ErrHandleClosed):
		return fiber.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func writeError(c *fiber.Ctx, err error) error {
	status := errorStatus(err)
	if status == fiber.StatusInternalServerError {
		slog.Error("dashboard request failed", "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(api.ErrorResponse{Error: err.Error()})
}
