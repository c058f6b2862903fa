// Package main provides the entry point for the mcp-experience server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	mcpserver "github.com/txn2/mcp-experience/internal/server"
	"github.com/txn2/mcp-experience/pkg/platform"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	showVersion bool
}

func parseFlags(args []string, stderr io.Writer) (serverOptions, error) {
	opts := serverOptions{}
	fs := flag.NewFlagSet("mcp-experience", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&opts.address, "address", "", "HTTP listen address (overrides config)")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

// loadConfig reads the config file when given, then applies environment and
// flag overrides in that order.
func loadConfig(opts serverOptions, lookup func(string) (string, bool)) (*platform.Config, error) {
	cfg := platform.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = platform.LoadConfig(opts.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	if opts.showVersion {
		_, _ = fmt.Fprintf(stdout, "mcp-experience version %s\n", mcpserver.Version)
		return nil
	}

	cfg, err := loadConfig(opts, os.LookupEnv)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := platform.NewLogger(cfg.Logging, stderr)
	if err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}

	p, err := mcpserver.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return mcpserver.Run(ctx, p, cfg.Server.ShutdownTimeout, logger)
}
