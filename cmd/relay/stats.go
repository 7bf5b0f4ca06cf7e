package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pario-ai/relay/pkg/config"
	"github.com/pario-ai/relay/pkg/models"
	"github.com/pario-ai/relay/pkg/tracker"
	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var (
		configPath string
		provider   string
		userID     string
		since      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show usage statistics per provider and model",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := models.ParseProvider(provider)
			if err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			ctx := context.Background()

			// Per-user request history
			if userID != "" {
				recs, err := tr.QueryByUser(ctx, userID, time.Now().Add(-since))
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Println("No requests found for user.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tTASK\tPROVIDER\tMODEL\tTOKENS\tCOST\tLATENCY\tOUTCOME")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.6f\t%dms\t%s\n",
						r.CreatedAt.Local().Format(time.DateTime), r.Task, r.Provider, r.Model,
						r.Tokens, r.Cost, r.LatencyMs, r.Outcome)
				}
				return w.Flush()
			}

			summaries, err := tr.Summary(ctx, p)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No usage data found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODEL\tREQUESTS\tTOKENS\tCOST\tAVG LATENCY\tFAILURES")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.4f\t%.0fms\t%d\n",
					s.Provider, s.Model, s.RequestCount, s.TotalTokens, s.TotalCost, s.AvgLatencyMs, s.Failures)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to config file")
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	cmd.Flags().StringVar(&userID, "user", "", "list requests of one user")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back --user looks")
	return cmd
}
