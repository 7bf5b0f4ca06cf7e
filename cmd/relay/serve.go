package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/pario-ai/relay/pkg/api"
	"github.com/pario-ai/relay/pkg/app"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		preload    []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()
			if listen != "" {
				a.Config.Listen = listen
			}

			if err := preloadModels(ctx, a, preload); err != nil {
				return err
			}

			err = api.New(a).ListenAndServe(ctx)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to config file")
	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	cmd.Flags().StringSliceVar(&preload, "preload", nil, "local or restricted models to load before serving")
	return cmd
}

// preloadModels loads names concurrently and fails on the first error.
func preloadModels(ctx context.Context, a *app.App, names []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			if err := a.LoadModel(ctx, name); err != nil {
				return fmt.Errorf("preload %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
