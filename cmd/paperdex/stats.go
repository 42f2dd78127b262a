package main

import (
	"github.com/spf13/cobra"

	"github.com/hupe1980/paperdex/model"
)

type statsOutput struct {
	model.Stats
	EmbedderBackend   string `json:"embedder_backend"`
	EmbedderModel     string `json:"embedder_model"`
	CompletionBackend string `json:"completion_backend,omitempty"`
	CompletionModel   string `json:"completion_model,omitempty"`
	Reranker          bool   `json:"reranker"`
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the served artifact and configured backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := openStores(ctx, a.cfg.Storage, a.logger.Logger)
			if err != nil {
				return err
			}
			db, err := a.openDB(ctx, st, false)
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := db.Stats()
			if err != nil {
				return err
			}
			out := statsOutput{
				Stats:           stats,
				EmbedderBackend: a.cfg.Embedder.Backend,
				EmbedderModel:   a.cfg.Embedder.Model,
				Reranker:        a.cfg.Reranker.Enabled,
			}
			if a.cfg.Completion.Enabled {
				out.CompletionBackend = a.cfg.Completion.Backend
				out.CompletionModel = a.cfg.Completion.Model
			}
			if a.json {
				return a.printJSON(cmd, out)
			}

			cmd.Printf("Version:      %s\n", stats.Version)
			cmd.Printf("Mode:         %s\n", stats.Mode)
			cmd.Printf("Documents:    %d\n", stats.TotalIndexed)
			cmd.Printf("Dimension:    %d (%s)\n", stats.Dimensionality, stats.Metric)
			cmd.Printf("Index:        nlist=%d m=%d bits=%d\n", stats.NList, stats.M, stats.Bits)
			cmd.Printf("Built:        %s\n", stats.BuildTimestamp.Format("2006-01-02 15:04:05 MST"))
			cmd.Printf("Embedder:     %s (%s)\n", out.EmbedderModel, out.EmbedderBackend)
			if out.CompletionBackend != "" {
				cmd.Printf("Completion:   %s (%s)\n", out.CompletionModel, out.CompletionBackend)
			}
			cmd.Printf("Reranker:     %t\n", out.Reranker)
			return nil
		},
	}
}
