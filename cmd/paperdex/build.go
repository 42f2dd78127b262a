package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/paperdex"
	"github.com/hupe1980/paperdex/shard"
)

type buildFlags struct {
	mode            string
	shards          string
	out             string
	tolerateCorrupt bool
	maxShards       int
	sampleSize      int
	workers         int
	version         string
}

func newBuildCmd(a *app) *cobra.Command {
	var f buildFlags
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build and publish an index artifact",
		Long: `Builds an IVF-PQ artifact from <base>.npy/<base>.csv shard pairs and
publishes it as CURRENT. A quick-start build ingests 50 evenly spread shards;
a full build ingests all of them. A failed build publishes nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBuild(cmd, a, f)
		},
	}
	cmd.Flags().StringVarP(&f.mode, "mode", "m", "", "build mode: quick-start or full")
	cmd.Flags().StringVar(&f.shards, "shards", "", "shard directory or prefix")
	cmd.Flags().StringVar(&f.out, "out", "", "artifact root directory or prefix")
	cmd.Flags().BoolVar(&f.tolerateCorrupt, "tolerate-corrupt", false, "skip malformed shards instead of failing")
	cmd.Flags().IntVar(&f.maxShards, "max-shards", 0, "limit the number of shards ingested")
	cmd.Flags().IntVar(&f.sampleSize, "sample-size", 0, "training sample size")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "encoding workers")
	cmd.Flags().StringVar(&f.version, "version", "", "artifact version name (default: build time)")
	return cmd
}

func runBuild(cmd *cobra.Command, a *app, f buildFlags) error {
	ctx := cmd.Context()
	if f.mode != "" {
		a.cfg.Build.Mode = f.mode
	}
	if f.shards != "" {
		a.cfg.Storage.Shards = f.shards
	}
	if f.out != "" {
		a.cfg.Storage.Root = f.out
	}
	if f.tolerateCorrupt {
		a.cfg.Build.TolerateCorruptShards = true
	}
	if f.maxShards > 0 {
		a.cfg.Build.MaxShards = f.maxShards
	}
	if f.sampleSize > 0 {
		a.cfg.Build.SampleSize = f.sampleSize
	}
	if f.workers > 0 {
		a.cfg.Build.Workers = f.workers
	}

	bc, err := a.cfg.BuilderConfig()
	if err != nil {
		return err
	}
	bc.Version = f.version

	st, err := openStores(ctx, a.cfg.Storage, a.logger.Logger)
	if err != nil {
		return err
	}

	start := time.Now()
	m, err := paperdex.Build(ctx, st.layout, shard.Source{Embeddings: st.shards}, bc, paperdex.WithLogger(a.logger))
	if err != nil {
		return err
	}

	if a.json {
		return a.printJSON(cmd, m)
	}
	cmd.Printf("Published %s (%s)\n", m.Version, m.Mode)
	cmd.Printf("  Chunks:    %d\n", m.TotalIndexed)
	cmd.Printf("  Shards:    %d (%d skipped)\n", len(m.Shards), len(m.Skipped))
	cmd.Printf("  Index:     nlist=%d m=%d bits=%d dim=%d %s\n", m.NList, m.M, m.Bits, m.Dimension, m.Metric)
	cmd.Printf("  Elapsed:   %s\n", time.Since(start).Round(time.Millisecond))
	for _, s := range m.Skipped {
		cmd.Printf("  Skipped:   %s\n", s)
	}
	return nil
}
