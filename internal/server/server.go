// Package server assembles and runs the experience platform for the command.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/txn2/mcp-experience/pkg/platform"
)

// Version is set at build time.
var Version = "dev"

// Runner is the start/stop surface of a running server.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
}

// New creates the platform for cfg. The build version is reported on
// initialize unless the config names one.
func New(cfg *platform.Config, logger *slog.Logger) (*platform.Platform, error) {
	if cfg.Server.Version == "" || cfg.Server.Version == "dev" {
		cfg.Server.Version = Version
	}
	return platform.New(platform.WithConfig(cfg), platform.WithLogger(logger))
}

// Run starts r and blocks until ctx is cancelled or the server stops on its
// own, then stops r within shutdownTimeout.
func Run(ctx context.Context, r Runner, shutdownTimeout time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-r.Done():
		serveErr = r.Err()
		if serveErr != nil {
			logger.Error("server stopped", "error", serveErr)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	stopErr := r.Stop(stopCtx)
	if stopErr != nil {
		stopErr = fmt.Errorf("stopping server: %w", stopErr)
	}
	return errors.Join(serveErr, stopErr)
}
