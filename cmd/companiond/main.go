package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-companion/internal/config"
	"github.com/loqalabs/loqa-companion/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("companiond", flag.ContinueOnError)
	configPath := fs.String("config", "companion.yaml", "Path to configuration file")
	logLevel := fs.String("log-level", "", "Override telemetry.log_level (debug, info, warn, error)")
	checkOnly := fs.Bool("check", false, "Validate the configuration and exit")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Println(version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config",
			slog.String("path", *configPath), slog.String("error", err.Error()))
		return 1
	}
	if *logLevel != "" {
		cfg.Telemetry.LogLevel = *logLevel
	}
	logger := newLogger(cfg.Telemetry.LogLevel)
	slog.SetDefault(logger)

	if *checkOnly {
		logger.Info("configuration ok", slog.String("path", *configPath), slog.String("runtime", cfg.RuntimeName))
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting companion", slog.String("version", version), slog.String("environment", cfg.Environment))
	if err := runtime.New(cfg, logger).Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// newLogger writes JSON to stdout; unknown levels fall back to info.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
