package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/paperdex"
	"github.com/hupe1980/paperdex/codec"
	"github.com/hupe1980/paperdex/internal/config"
	"github.com/hupe1980/paperdex/llm"
)

// app carries what every command needs after flags are parsed.
type app struct {
	cfgFile string
	verbose bool
	json    bool

	cfg    *config.Config
	logger *paperdex.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "paperdex",
		Short: "Retrieve passages from historical newspaper archives",
		Long: `paperdex builds a compressed IVF-PQ index over embedded newspaper shards
and retrieves cited passages from it under bounded memory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	root.SetOut(os.Stdout)
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "path to a TOML config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&a.json, "json", false, "output as JSON")

	root.AddCommand(
		newBuildCmd(a),
		newQueryCmd(a),
		newAskCmd(a),
		newStatsCmd(a),
		newInspectCmd(a),
		newVersionsCmd(a),
		newPromoteCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return err
	}
	if a.verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "json") {
		a.logger = paperdex.NewLogger(slog.NewJSONHandler(cmd.ErrOrStderr(), opts))
	} else {
		a.logger = paperdex.NewLogger(slog.NewTextHandler(cmd.ErrOrStderr(), opts))
	}
	return nil
}

// openDB opens the served artifact with the configured collaborators.
func (a *app) openDB(ctx context.Context, st *stores, withEmbedder bool) (*paperdex.DB, error) {
	opts := []paperdex.Option{
		paperdex.WithLogger(a.logger),
		paperdex.WithNProbe(a.cfg.Search.NProbe),
		paperdex.WithLinkBase(a.cfg.Search.LinkBase),
		paperdex.WithTextCache(a.cfg.Storage.CacheBytes),
		paperdex.WithTextConcurrency(a.cfg.Search.TextConcurrency),
	}
	if withEmbedder {
		embedder, err := llm.NewEmbedder(a.cfg.EmbedderConfig(a.logger.Logger))
		if err != nil {
			return nil, err
		}
		opts = append(opts, paperdex.WithEmbedder(embedder))
		if a.cfg.Reranker.Enabled {
			opts = append(opts, paperdex.WithReranker(&llm.EmbeddingReranker{Embedder: embedder}, a.cfg.Reranker.Depth))
		}
	}
	return paperdex.Open(ctx, st.layout, st.shards, opts...)
}

func (a *app) printJSON(cmd *cobra.Command, v any) error {
	data, err := codec.Pretty(codec.GoJSON{}, v)
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}

// exitCode maps error kinds to distinct process exit codes.
func exitCode(err error) int {
	switch paperdex.KindOf(err) {
	case paperdex.KindNone:
		return 0
	case paperdex.KindNotReady:
		return 3
	case paperdex.KindDimensionMismatch, paperdex.KindConfigMismatch:
		return 4
	case paperdex.KindCorruptArtifact:
		return 5
	case paperdex.KindBuildFailed, paperdex.KindIngest:
		return 6
	default:
		return 1
	}
}
