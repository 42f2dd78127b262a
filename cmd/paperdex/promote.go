package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/hupe1980/paperdex/artifact"
)

type versionInfo struct {
	Version string `json:"version"`
	Mode    string `json:"mode"`
	Chunks  uint64 `json:"chunks"`
	Current bool   `json:"current"`
}

func newVersionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "List published artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := openStores(ctx, a.cfg.Storage, a.logger.Logger)
			if err != nil {
				return err
			}
			current, err := st.layout.Current(ctx)
			if err != nil && !errors.Is(err, artifact.ErrNoCurrent) {
				return err
			}
			versions, err := st.layout.Versions(ctx)
			if err != nil {
				return err
			}

			infos := make([]versionInfo, 0, len(versions))
			for _, v := range versions {
				m, err := st.layout.Manifest(ctx, v)
				if err != nil {
					return err
				}
				infos = append(infos, versionInfo{Version: v, Mode: m.Mode.String(), Chunks: m.TotalIndexed, Current: v == current})
			}
			if a.json {
				return a.printJSON(cmd, infos)
			}
			if len(infos) == 0 {
				cmd.Println("No artifacts published.")
				return nil
			}
			for _, info := range infos {
				marker := " "
				if info.Current {
					marker = "*"
				}
				cmd.Printf("%s %s  %-11s %d chunks\n", marker, info.Version, info.Mode, info.Chunks)
			}
			return nil
		},
	}
}

func newPromoteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "promote [version]",
		Short: "Point CURRENT at a published artifact",
		Long: `Switches the served artifact without rebuilding, e.g. from a quick-start
build to a full one. Serving processes pick it up on their next reload.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStores(ctx, a.cfg.Storage, a.logger.Logger)
			if err != nil {
				return err
			}
			if err := st.layout.Promote(ctx, args[0]); err != nil {
				return err
			}
			if a.json {
				return a.printJSON(cmd, map[string]string{"current": args[0]})
			}
			cmd.Printf("CURRENT -> %s\n", args[0])
			return nil
		},
	}
}
