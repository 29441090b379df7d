package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/config"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/metrics"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/monitor"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/peer"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/server"
	"github.com/irdkwmnsb/webrtc-grabber/packages/proctor/internal/signaling"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configDir := flag.String("config", "conf", "directory with server/security/webrtc/backend/signaling/monitor config files")
	envFile := flag.String("env", ".env", "dotenv file, ignored when missing")
	flag.Parse()

	// existing environment variables win over the file
	_ = godotenv.Load(*envFile)
	setupLogger()
	metrics.StartTime.SetToCurrentTime()

	manager, err := config.NewManager(*configDir)
	if err != nil {
		slog.Error("failed to load config", "dir", *configDir, "error", err)
		os.Exit(1)
	}
	defer manager.Close()
	cfg := manager.Get()

	transports, err := peer.NewPionFactory(cfg.WebRTC, cfg.Server.PublicIP)
	if err != nil {
		slog.Error("failed to set up webrtc", "error", err)
		os.Exit(1)
	}
	client := signaling.NewClient(cfg.Backend, cfg.Signaling)
	hub := monitor.NewHub(monitor.Deps{
		Lister:     client,
		Signaler:   client,
		Transports: transports,
	}, monitor.SettingsFrom(cfg))
	defer hub.Close()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	srv := server.NewServer(cfg, app, hub)
	defer srv.Close()
	srv.SetupRoutes()

	// Backend and webrtc settings are read once; everything else follows reloads.
	manager.SetUpdateCallback(func(next *config.AppConfig) {
		hub.UpdateSettings(monitor.SettingsFrom(*next))
		srv.UpdateConfig(*next)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + strconv.Itoa(cfg.Server.Port)
		if cfg.Security.TLSCrtFile != nil && cfg.Security.TLSKeyFile != nil {
			slog.Info("running TLS http server", "addr", addr)
			errCh <- app.ListenTLS(addr, *cfg.Security.TLSCrtFile, *cfg.Security.TLSKeyFile)
			return
		}
		slog.Info("running http server", "addr", addr)
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server stopped", "error", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
}

func setupLogger() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("PROCTOR_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	})))
}
