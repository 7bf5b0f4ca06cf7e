package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pario-ai/relay/pkg/backend"
	"github.com/pario-ai/relay/pkg/config"
	"github.com/pario-ai/relay/pkg/memory"
	"github.com/pario-ai/relay/pkg/models"
	"github.com/spf13/cobra"
)

func newMemoryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Search and inspect stored memories",
	}

	var (
		userID     string
		memoryType string
		limit      int
	)
	searchCmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Find memories similar to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openMemory(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			hits, err := st.Retrieve(context.Background(), strings.Join(args, " "),
				models.MemoryFilter{UserID: userID, Type: memoryType}, limit)
			if err != nil {
				return err
			}
			if len(hits) == 0 {
				fmt.Println("No memories found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SCORE\tTYPE\tCREATED\tCONTENT")
			for _, h := range hits {
				fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\n",
					h.Similarity, h.Type, h.CreatedAt.Local().Format(time.DateTime), strings.Join(strings.Fields(h.Content), " "))
			}
			return w.Flush()
		},
	}
	searchCmd.Flags().StringVar(&userID, "user", "", "only memories of this user")
	searchCmd.Flags().StringVar(&memoryType, "type", "", "only memories of this type")
	searchCmd.Flags().IntVar(&limit, "limit", memory.DefaultLimit, "max hits")

	var historyLimit int
	historyCmd := &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "Print the turns of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openMemory(configPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			turns, err := st.ConversationHistory(context.Background(), args[0], historyLimit)
			if err != nil {
				return err
			}
			if len(turns) == 0 {
				fmt.Println("No turns found for conversation.")
				return nil
			}
			for _, t := range turns {
				fmt.Printf("[%s] %s\n> %s\n< %s\n\n", t.CreatedAt.Local().Format(time.DateTime), t.Model, t.UserMessage, t.AIResponse)
			}
			return nil
		},
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "only the most recent turns (0 for all)")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "path to config file")
	cmd.AddCommand(searchCmd, historyCmd)
	return cmd
}

func openMemory(configPath string) (*memory.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if !cfg.Memory.Enabled {
		return nil, fmt.Errorf("memory is disabled in %s", configPath)
	}
	emb, err := memory.NewEmbedder(cfg.Memory, backend.NewOllama(cfg.Local.OllamaURL, &http.Client{Timeout: time.Minute}))
	if err != nil {
		return nil, err
	}
	path := cfg.Memory.DBPath
	if path == "" {
		path = cfg.DBPath
	}
	return memory.New(path, emb)
}
