package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ratelimiter/internal/app"
	"ratelimiter/internal/config"
	apperrors "ratelimiter/pkg/errors"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	configFile = flag.String("config", "", "config file path (defaults and environment only when empty)")
	logLevel   = flag.String("log-level", "", "log level, overrides log.level from the config")
)

func main() {
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.NewLoader(*configFile).Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	lvl, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Error("invalid log level", "error", err)
		os.Exit(1)
	}
	level.Set(lvl)

	server, err := app.NewBuilder(cfg, logger).WithVersion(version).Build()
	if err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeBadRequest) {
			logger.Error("invalid configuration", "error", err)
		} else {
			logger.Error("failed to create server", "error", err)
		}
		os.Exit(1)
	}

	if *configFile != "" {
		watcher, err := config.NewWatcher(*configFile, cfg, &config.WatcherConfig{
			DebounceDuration: config.DefaultWatcherConfig().DebounceDuration,
			OnChange:         config.ApplyLogLevel(level, logger),
		}, logger)
		if err != nil {
			logger.Warn("config watcher disabled", "error", err)
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting rate limiter", "version", version)
	if err := server.Run(ctx); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
