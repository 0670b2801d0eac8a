package main

import (
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSessions <= 0 {
		logger.Warn("startup security warning: MAX_SESSIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_sessions_unlimited_in_prod",
			"max_sessions", cfg.MaxSessions,
			"mode", cfg.Mode,
		)
	}

	if cfg.ProcNodeURL == "" {
		logger.Warn("startup warning: PROCNODE_URL is unset; proc offers will be refused",
			"warning_code", "procnode_url_unset",
			"mode", cfg.Mode,
		)
	} else if cfg.Mode == config.ModeProd && !procNodeURLIsPrivate(cfg.ProcNodeURL) {
		logger.Warn("startup security warning: PROCNODE_URL is plain http to a non-loopback host while --mode=prod (session descriptions cross the network unencrypted)",
			"warning_code", "procnode_url_insecure",
			"procnode_host", safeURLHost(cfg.ProcNodeURL),
			"mode", cfg.Mode,
		)
	}

	// Proc negotiation is held until the estimate resolves.
	if cfg.ClockSyncTimeout > 10*time.Second {
		logger.Warn("startup warning: CLOCK_SYNC_TIMEOUT is very large (delays proc negotiation for clients that never answer room:ping)",
			"warning_code", "clock_sync_timeout_large",
			"clock_sync_timeout", cfg.ClockSyncTimeout,
			"mode", cfg.Mode,
		)
	}
}

// procNodeURLIsPrivate reports whether raw is https or targets a loopback
// host.
func procNodeURLIsPrivate(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Scheme, "https") {
		return true
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
