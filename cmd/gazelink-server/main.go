package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/config"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/procnode"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/relay"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting gazelink-server",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"max_sessions", cfg.MaxSessions,
		"clock_sync_timeout", cfg.ClockSyncTimeout,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"procnode_url_set", cfg.ProcNodeURL != "",
		"procnode_host", safeURLHost(cfg.ProcNodeURL),
	)
	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt})

	m := metrics.New()
	sessionMgr := relay.NewSessionManager(relay.Config{MaxSessions: cfg.MaxSessions}, m, logger)

	procnode.NewFeedServer(procnode.FeedServerConfig{
		Forwarder:    sessionMgr,
		Metrics:      m,
		Logger:       logger,
		IdleTimeout:  cfg.SignalingWSIdleTimeout,
		PingInterval: cfg.SignalingWSPingInterval,
	}).RegisterRoutes(srv.Mux())

	sig := signaling.NewServer(signaling.Config{
		Sessions:             sessionMgr,
		Connector:            newConnector(cfg),
		ConnectorTimeout:     cfg.ProcNodeRequestTimeout,
		Origins:              srv.Origins(),
		ClockSyncTimeout:     cfg.ClockSyncTimeout,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		Metrics:              m,
		Logger:               logger,
	})
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m,
		metrics.Gauge{Name: "gazelink_sessions_active", Help: "Live signaling sessions.", Value: sessionMgr.ActiveSessions},
		metrics.Gauge{Name: "gazelink_rooms_active", Help: "Rooms with at least one member.", Value: sig.Rooms().Rooms},
	))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		sessionMgr.CloseAll()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by http.Server, so
	// signaling sessions are closed explicitly.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()
	sessionMgr.CloseAll()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// newConnector returns nil when no processing node is configured, so
// signaling answers proc offers with procnode_unavailable.
func newConnector(cfg config.Config) procnode.Connector {
	if cfg.ProcNodeURL == "" {
		return nil
	}
	return procnode.NewHTTPConnector(cfg.ProcNodeURL, cfg.ProcNodeRequestTimeout, nil)
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
