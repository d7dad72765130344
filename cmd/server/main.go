// txfeatures - real-time transaction feature engine
package main

import (
	"context"
	"os"

	"github.com/mbd888/txfeatures/internal/config"
	"github.com/mbd888/txfeatures/internal/logging"
	"github.com/mbd888/txfeatures/internal/metrics"
	"github.com/mbd888/txfeatures/internal/server"
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
	logger.Info("starting txfeatures",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	metrics.SetBuildInfo(Version, Commit)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"source", cfg.Source,
		"sink", cfg.Sink,
		"history_capacity", cfg.HistoryCapacity,
		"max_users", cfg.MaxUsers,
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
