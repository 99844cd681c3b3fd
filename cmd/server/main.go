// CareWatch - transaction risk monitoring for people living with dementia
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mbd888/carewatch/internal/config"
	"github.com/mbd888/carewatch/internal/logging"
	"github.com/mbd888/carewatch/internal/risk"
	"github.com/mbd888/carewatch/internal/server"
	"github.com/mbd888/carewatch/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting carewatch",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
	)

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTraces(flushCtx); err != nil {
			logger.Warn("trace exporter shutdown failed", "error", err)
		}
	}()

	opts := []server.Option{server.WithLogger(logger)}
	if cfg.RiskRulesFile != "" {
		rules, err := risk.LoadRules(cfg.RiskRulesFile)
		if err != nil {
			return err
		}
		logger.Info("risk rules loaded", "path", cfg.RiskRulesFile)
		opts = append(opts, server.WithRules(rules))
	}

	srv, err := server.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(ctx)
}
