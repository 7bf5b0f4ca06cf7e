package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/pario-ai/relay/pkg/audit"
	"github.com/pario-ai/relay/pkg/config"
	"github.com/pario-ai/relay/pkg/models"
	"github.com/spf13/cobra"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the prompt/response audit log",
	}

	cmd.AddCommand(
		newAuditSearchCmd(),
		newAuditShowCmd(),
		newAuditStatsCmd(),
		newAuditCleanupCmd(),
	)
	return cmd
}

func newAuditSearchCmd() *cobra.Command {
	var (
		configPath string
		model      string
		provider   string
		since      string
		userID     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := models.ParseProvider(provider)
			if err != nil {
				return err
			}
			opts := models.AuditQueryOpts{
				Model:    model,
				Provider: p,
				Limit:    limit,
			}
			if userID != "" {
				_, opts.UserPrefix = audit.HashUserID(userID)
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatAuditEntries(entries))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to config file")
	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	return cmd
}

func newAuditShowCmd() *cobra.Command {
	var (
		configPath string
		requestID  string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a single audit entry by request ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			if requestID == "" {
				return fmt.Errorf("--request-id is required")
			}

			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := l.Query(context.Background(), models.AuditQueryOpts{
				RequestID: requestID,
				Limit:     1,
			})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No entry found for that request ID.")
				return nil
			}

			e := entries[0]
			fmt.Printf("Request ID:  %s\n", e.RequestID)
			fmt.Printf("Time:        %s\n", e.CreatedAt.Local().Format(time.DateTime))
			fmt.Printf("User:        %s...\n", e.UserPrefix)
			fmt.Printf("Task:        %s\n", e.Task)
			fmt.Printf("Model:       %s (%s)\n", e.Model, e.Provider)
			fmt.Printf("Reason:      %s\n", e.Reason)
			fmt.Printf("Outcome:     %s\n", e.Outcome)
			if e.Error != "" {
				fmt.Printf("Error:       %s\n", e.Error)
			}
			fmt.Printf("Tokens:      %d\n", e.TokensUsed)
			fmt.Printf("Cost:        $%.6f\n", e.Cost)
			fmt.Printf("Latency:     %dms\n", e.LatencyMs)
			if e.Prompt != "" {
				fmt.Printf("\n--- Prompt ---\n%s\n", e.Prompt)
			}
			if e.Response != "" {
				fmt.Printf("\n--- Response ---\n%s\n", e.Response)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to config file")
	cmd.Flags().StringVar(&requestID, "request-id", "", "request ID to show")
	return cmd
}

func newAuditStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show audit entry counts per provider, model and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatAuditStats(stats))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to config file")
	return cmd
}

func newAuditCleanupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d audit entries.\n", n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to config file")
	return cmd
}

func openAuditLogger(configPath string) (*audit.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	l, err := audit.New(cfg.Audit, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-20s %-10s %-15s %8s %8s %-19s\n",
		"REQUEST ID", "MODEL", "PROVIDER", "OUTCOME", "LATENCY", "TOKENS", "TIME")
	b.WriteString(strings.Repeat("-", 124) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-36s %-20s %-10s %-15s %6dms %8d %-19s\n",
			e.RequestID, e.Model, e.Provider, e.Outcome,
			e.LatencyMs, e.TokensUsed,
			e.CreatedAt.Local().Format(time.DateTime))
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No audit stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-11s %-25s %-12s %8s\n", "PROVIDER", "MODEL", "DAY", "COUNT")
	b.WriteString(strings.Repeat("-", 60) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-11s %-25s %-12s %8d\n", s.Provider, s.Model, s.Day, s.Count)
	}
	return b.String()
}
