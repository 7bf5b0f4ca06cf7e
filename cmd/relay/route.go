package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pario-ai/relay/pkg/models"
	"github.com/spf13/cobra"
)

func newRouteCmd() *cobra.Command {
	var (
		configPath string
		task       string
		provider   string
		system     string
		userID     string
		images     []string
		audio      string
		maxTokens  int
		dryRun     bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "route [prompt]",
		Short: "Route a single request, or preview the decision with --dry-run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := models.ParseProvider(provider)
			if err != nil {
				return err
			}
			params := models.DefaultParams()
			if maxTokens > 0 {
				params.MaxTokens = maxTokens
			}
			req := models.RoutingRequest{
				GenerationRequest: models.GenerationRequest{
					Prompt:       strings.Join(args, " "),
					SystemPrompt: system,
					Params:       params,
					Images:       images,
					Audio:        audio,
				},
				Task:     models.TaskCategory(task),
				Provider: p,
				UserID:   userID,
			}

			ctx := context.Background()
			a, err := openApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			if dryRun {
				d, err := a.Router.Decide(req)
				if err != nil {
					return err
				}
				fmt.Printf("Model:    %s\nProvider: %s\nReason:   %s\n", d.Model, d.Provider, d.Reason)
				return nil
			}

			resp, err := a.Router.Route(ctx, req)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			if resp.Outcome != models.OutcomeOK {
				fmt.Fprintf(os.Stderr, "%s/%s %s: %s\n", resp.Provider, resp.ModelUsed, resp.Outcome, resp.Error)
				return nil
			}
			fmt.Println(resp.Text)
			fmt.Fprintf(os.Stderr, "[%s/%s, %d tokens, $%.6f, %dms]\n",
				resp.Provider, resp.ModelUsed, resp.TokensUsed, resp.Cost, resp.LatencyMs)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to config file")
	cmd.Flags().StringVarP(&task, "task", "t", "chat", "task category")
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "force a provider: local, remote or restricted")
	cmd.Flags().StringVar(&system, "system", "", "system prompt")
	cmd.Flags().StringVar(&userID, "user", "", "user id recorded with the request")
	cmd.Flags().StringSliceVar(&images, "image", nil, "image path for vision tasks (repeatable)")
	cmd.Flags().StringVar(&audio, "audio", "", "audio path for speech-to-text")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "maximum completion tokens")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the routing decision without generating")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full response as JSON")
	return cmd
}
