package main

import (
	"context"
	"fmt"

	cachepkg "github.com/pario-ai/relay/pkg/cache/sqlite"
	"github.com/pario-ai/relay/pkg/config"
	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the remote response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			stats, err := c.Stats(context.Background())
			if err != nil {
				return err
			}
			// Hit counters are per process, so only the entry count is meaningful here.
			fmt.Printf("Entries: %d\n", stats.Entries)
			return nil
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if err := c.Clear(context.Background(), expiredOnly); err != nil {
				return err
			}
			if expiredOnly {
				fmt.Println("Expired cache entries cleared.")
			} else {
				fmt.Println("All cache entries cleared.")
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "path to config file")
	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}

func openCache(configPath string) (*cachepkg.Cache, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cachepkg.New(cfg.DBPath, cfg.Cache.TTL)
}
