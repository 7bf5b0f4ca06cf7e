package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pario-ai/relay/pkg/mcp"
	"github.com/spf13/cobra"
)

func newMCPCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve relay tools to an MCP client over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			return mcp.FromApp(a, version).Run(ctx, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to config file")
	return cmd
}
