package main

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/spf13/cobra"

	"github.com/hupe1980/paperdex/artifact"
	"github.com/hupe1980/paperdex/ivfpq"
)

const histogramBuckets = 8

type listBucket struct {
	Lo    int `json:"lo"`
	Hi    int `json:"hi"`
	Lists int `json:"lists"`
}

type listStats struct {
	Lists     int          `json:"lists"`
	Empty     int          `json:"empty"`
	Min       int          `json:"min"`
	Max       int          `json:"max"`
	Mean      float64      `json:"mean"`
	Histogram []listBucket `json:"histogram"`
}

type inspectOutput struct {
	Manifest *artifact.Manifest `json:"manifest"`
	Current  bool               `json:"current"`
	Lists    listStats          `json:"lists"`
	Verified bool               `json:"verified"`
}

func newInspectCmd(a *app) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "inspect [version]",
		Short: "Show an artifact's manifest and inverted list balance",
		Long: `Prints the manifest of an artifact (CURRENT by default) and a histogram of
its inverted list sizes. With --verify every file is checksummed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStores(ctx, a.cfg.Storage, a.logger.Logger)
			if err != nil {
				return err
			}
			current, err := st.layout.Current(ctx)
			if err != nil && !errors.Is(err, artifact.ErrNoCurrent) {
				return err
			}
			version := current
			if len(args) == 1 {
				version = args[0]
			}
			if version == "" {
				return artifact.ErrNoCurrent
			}

			m, err := st.layout.Manifest(ctx, version)
			if err != nil {
				return err
			}
			if verify {
				if err := st.layout.Verify(ctx, version, true); err != nil {
					return err
				}
			}
			idx, err := ivfpq.Open(ctx, st.layout.Store(), st.layout.Path(version, artifact.IndexFile))
			if err != nil {
				return err
			}
			sizes := idx.ListSizes()
			_ = idx.Close()

			out := inspectOutput{
				Manifest: m,
				Current:  version == current,
				Lists:    summarizeLists(sizes),
				Verified: verify,
			}
			if a.json {
				return a.printJSON(cmd, out)
			}
			printInspect(cmd, out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "verify file checksums")
	return cmd
}

func summarizeLists(sizes []int) listStats {
	s := listStats{Lists: len(sizes)}
	if len(sizes) == 0 {
		return s
	}
	s.Min, s.Max = slices.Min(sizes), slices.Max(sizes)
	total := 0
	for _, n := range sizes {
		total += n
		if n == 0 {
			s.Empty++
		}
	}
	s.Mean = float64(total) / float64(len(sizes))

	width := max(1, (s.Max-s.Min+histogramBuckets)/histogramBuckets)
	for lo := s.Min; lo <= s.Max; lo += width {
		s.Histogram = append(s.Histogram, listBucket{Lo: lo, Hi: lo + width - 1})
	}
	for _, n := range sizes {
		s.Histogram[(n-s.Min)/width].Lists++
	}
	return s
}

func printInspect(cmd *cobra.Command, out inspectOutput) {
	m := out.Manifest
	marker := ""
	if out.Current {
		marker = " (current)"
	}
	cmd.Printf("Version:      %s%s\n", m.Version, marker)
	cmd.Printf("Mode:         %s\n", m.Mode)
	cmd.Printf("Built:        %s\n", m.BuildTimestamp.Format("2006-01-02 15:04:05 MST"))
	cmd.Printf("Chunks:       %d\n", m.TotalIndexed)
	cmd.Printf("Dimension:    %d (%s)\n", m.Dimension, m.Metric)
	cmd.Printf("Index:        nlist=%d m=%d bits=%d nprobe=%d compression=%s\n", m.NList, m.M, m.Bits, m.NProbe, m.Compression)
	if m.EmbeddingModel != "" {
		cmd.Printf("Embedder:     %s\n", m.EmbeddingModel)
	}
	cmd.Printf("Shards:       %d (%d skipped)\n", len(m.Shards), len(m.Skipped))

	names := make([]string, 0, len(m.Files))
	for name := range m.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f := m.Files[name]
		cmd.Printf("File:         %-14s %10s  crc32c=%08x\n", name, formatBytes(f.Size), f.CRC32C)
	}
	if out.Verified {
		cmd.Println("Checksums:    ok")
	}

	l := out.Lists
	cmd.Printf("Lists:        %d (empty %d, min %d, max %d, mean %.1f)\n", l.Lists, l.Empty, l.Min, l.Max, l.Mean)
	peak := 0
	for _, b := range l.Histogram {
		peak = max(peak, b.Lists)
	}
	for _, b := range l.Histogram {
		bar := 0
		if peak > 0 {
			bar = b.Lists * 40 / peak
		}
		cmd.Printf("  %7d-%-7d %5d %s\n", b.Lo, b.Hi, b.Lists, bars(bar))
	}
}

func bars(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '#'
	}
	return string(b)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
