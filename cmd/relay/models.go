package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/pario-ai/relay/pkg/app"
	"github.com/spf13/cobra"
)

func newModelsCmd() *cobra.Command {
	var (
		configPath string
		remote     bool
	)

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List configured models and the GPU memory budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			if remote {
				return printRemoteCatalog(ctx, a)
			}

			fmt.Printf("GPU memory: %s\n\n", gbBytes(a.VRAM.TotalGB()))

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tPROVIDER\tMODALITY\tVRAM\tLOADED\tFITS")
			for _, m := range a.Models() {
				vram := "-"
				if m.VRAMRequiredGB > 0 {
					vram = gbBytes(m.VRAMRequiredGB)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%t\n",
					m.Name, m.Provider, m.Modality, vram, m.Loaded, m.CanRun)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig, "path to config file")
	cmd.Flags().BoolVar(&remote, "remote", false, "list the remote provider's catalogue instead")
	return cmd
}

func printRemoteCatalog(ctx context.Context, a *app.App) error {
	catalog, err := a.Remote.ListModels(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tCONTEXT")
	for _, m := range catalog {
		ctxLen := "-"
		if m.ContextLength > 0 {
			ctxLen = humanize.Comma(int64(m.ContextLength))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.DisplayName, m.Type, ctxLen)
	}
	return w.Flush()
}

func gbBytes(gb float64) string {
	return humanize.IBytes(uint64(gb * (1 << 30)))
}
