package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pario-ai/relay/pkg/app"
	"github.com/pario-ai/relay/pkg/config"
	"github.com/spf13/cobra"
)

var version = "dev"

const defaultConfig = "relay.yaml"

func main() {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Relay routes LLM requests across local, remote and restricted models",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newRouteCmd(),
		newModelsCmd(),
		newBudgetCmd(),
		newStatsCmd(),
		newAuditCmd(),
		newCacheCmd(),
		newMemoryCmd(),
		newMCPCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger writes to w so stdout stays free for command output and the
// MCP transport.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// openApp loads the config at path and builds the full application.
func openApp(ctx context.Context, path string) (*app.App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, logger)
}
