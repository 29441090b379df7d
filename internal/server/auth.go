package server

import (
	"log/slog"
	"net/netip"
	"sync/atomic"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/api"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/config"
)

const adminUser = "admin"

// AuthHandler guards the dashboard routes. The security settings may be
// swapped at runtime by a config reload.
type AuthHandler struct {
	security atomic.Pointer[config.SecurityConfig]
}

func NewAuthHandler(cfg config.SecurityConfig) *AuthHandler {
	h := &AuthHandler{}
	h.security.Store(&cfg)
	return h
}

func (h *AuthHandler) Update(cfg config.SecurityConfig) {
	h.security.Store(&cfg)
}

// CheckCredential accepts anything when no admin credential is configured.
func (h *AuthHandler) CheckCredential(user, pass string) bool {
	cred := h.security.Load().AdminCredential
	return cred == nil || user == adminUser && pass == *cred
}

func (h *AuthHandler) IsAdminIP(rawIP string) bool {
	ip, err := netip.ParseAddr(rawIP)
	if err != nil {
		addrPort, perr := netip.ParseAddrPort(rawIP)
		if perr != nil {
			slog.Error("failed to parse IP address", "addr", rawIP, "error", err)
			return false
		}
		ip = addrPort.Addr()
	}
	ip = ip.Unmap()

	for _, n := range h.security.Load().AdminsNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (h *AuthHandler) adminIPOnly(c *fiber.Ctx) error {
	if !h.IsAdminIP(c.IP()) {
		slog.Warn("IP not in admin networks", "ip", c.IP(), "path", c.Path())
		return c.Status(fiber.StatusForbidden).JSON(api.ErrorResponse{Error: "Forbidden. IP address black listed"})
	}
	return c.Next()
}

func (h *AuthHandler) basicAuth() fiber.Handler {
	return basicauth.New(basicauth.Config{
		Realm:      "Forbidden",
		Authorizer: h.CheckCredential,
	})
}
