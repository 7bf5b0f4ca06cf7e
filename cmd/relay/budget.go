package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pario-ai/relay/pkg/budget"
	"github.com/pario-ai/relay/pkg/config"
	"github.com/pario-ai/relay/pkg/tracker"
	"github.com/spf13/cobra"
)

func newBudgetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show remote API spend in the current 24h window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			l := budget.NewLedger(cfg.Routing.MaxDailyAPIBudget)
			if err := l.Restore(context.Background(), tr); err != nil {
				return err
			}

			s := l.Status()
			fmt.Printf("Spent:     $%.4f\n", s.Spent)
			fmt.Printf("Cap:       $%.2f\n", s.Cap)
			fmt.Printf("Remaining: $%.4f\n", s.Remaining)
			fmt.Printf("Window:    %s -> %s\n",
				s.WindowStart.Local().Format(time.DateTime), s.ResetsAt.Local().Format(time.DateTime))
			if !l.UnderCap() {
				fmt.Println("Long prompts stay on local models until the window resets.")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to config file")
	return cmd
}
