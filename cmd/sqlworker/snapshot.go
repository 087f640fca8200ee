package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/sqlworker/config"
	"github.com/tomyedwab/sqlworker/snapshot"
)

type snapshotOptions struct {
	*rootOptions
	JSON bool
}

func newSnapshotCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &snapshotOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect saved database images",
	}
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print JSON instead of a table")

	cmd.AddCommand(&cobra.Command{
		Use:   "list [name]",
		Short: "List snapshots, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return opts.withStore(cmd, func(store snapshot.Store) error {
				snaps, err := store.List(cmd.Context(), name)
				if err != nil {
					return err
				}
				return opts.printSnapshots(cmd.OutOrStdout(), snaps)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id> <file>",
		Short: "Write a snapshot's image to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(store snapshot.Store) error {
				snap, data, err := store.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := os.WriteFile(args[1], data, 0o644); err != nil {
					return fmt.Errorf("failed to write image: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", snap.ID, snap.Size)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(store snapshot.Store) error {
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	})

	return cmd
}

func (o *snapshotOptions) withStore(cmd *cobra.Command, fn func(snapshot.Store) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Snapshot.Backend == config.BackendNone {
		return fmt.Errorf("no snapshot backend configured (SQLWORKER_SNAPSHOT_BACKEND)")
	}

	logger := setupLogger(cfg.Log, cmd.ErrOrStderr())
	store, err := openStore(cmd.Context(), cfg.Snapshot, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func (o *snapshotOptions) printSnapshots(w io.Writer, snaps []snapshot.Snapshot) error {
	if o.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snaps)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSIZE\tCREATED")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ID, s.Name, s.Size, s.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
