// Command alertfeedd runs a headless alert feed session: it maintains
// the subscription (or polling fallback) for one scope and mirrors
// alert state into the configured snapshot cache.
//
// # Usage
//
//	alertfeedd --authority https://alerts.example.org --scope facility-7
//
// # Configuration
//
// Configuration can be provided via:
// - Command-line flags
// - Environment variables (ALERTFEED_*)
// - Config file (--config)
//
// # Examples
//
// Run with flags:
//
//	alertfeedd --authority https://alerts.example.org \
//	           --token tok_xxx \
//	           --scope facility-7
//
// Run with config file:
//
//	alertfeedd --config /etc/alertfeed/feed.yaml
//
// Run with environment variables:
//
//	ALERTFEED_AUTHORITY_URL=https://alerts.example.org \
//	ALERTFEED_SCOPE_ID=facility-7 \
//	alertfeedd
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ward-net/alertfeed"
	"github.com/ward-net/alertfeed/pkg/types"
)

func main() {
	var (
		configFile    = flag.String("config", "", "Path to config file")
		authority     = flag.String("authority", "", "Alert authority URL")
		token         = flag.String("token", "", "Authentication token")
		scope         = flag.String("scope", "", "Subscription scope id")
		redisURL      = flag.String("redis", "", "Redis URL for the snapshot cache (default: in-memory)")
		metricsListen = flag.String("metrics-listen", "", "Address for the Prometheus /metrics endpoint (disabled if empty)")
		debug         = flag.Bool("debug", false, "Enable debug logging")
		version       = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("alertfeedd %s\n", alertfeed.Version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg := alertfeed.DefaultConfig()
	if *configFile != "" {
		fileCfg, err := alertfeed.LoadConfig(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	cfg.ApplyEnvOverrides()

	if *authority != "" {
		cfg.Authority.URL = *authority
	}
	if *token != "" {
		cfg.Authority.Token = *token
	}
	if *scope != "" {
		cfg.ScopeID = *scope
	}
	if *redisURL != "" {
		cfg.Cache.RedisURL = *redisURL
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	session, err := alertfeed.NewSession(cfg, alertfeed.Options{
		OnEscalationDue: func(alertID string) {
			logger.Warn("alert escalation due", "alert_id", alertID)
		},
		OnNotification: func(ev types.Event, snap *types.AlertSnapshot) {
			logger.Info("alert event",
				"type", ev.Type, "alert_id", snap.AlertID,
				"status", snap.Status, "severity", snap.Severity)
		},
		OnError: func(err error) {
			logger.Error("deferred action failed", "error", err)
		},
	}, logger)
	if err != nil {
		logger.Error("failed to create session", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if *metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Info("metrics endpoint listening", "addr", *metricsListen)
			if err := http.ListenAndServe(*metricsListen, mux); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	logger.Info("starting alertfeedd",
		"scope", cfg.ScopeID,
		"authority", cfg.Authority.URL)

	if err := session.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("session exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
