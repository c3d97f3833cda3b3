package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/manash/gentrack/internal/extract"
	"github.com/manash/gentrack/internal/history"
	"github.com/manash/gentrack/pkg/models"
)

var (
	flagHistoryAccount string
	flagHistoryLimit   int
	flagHistoryJSON    bool
	flagHistoryDelete  bool
	flagExportRaw      bool
)

func newHistoryCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [imageId]",
		Short: "List tracked images or show one entry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, args, app)
		},
	}
	cmd.Flags().StringVarP(&flagHistoryAccount, "account", "a", "", "only entries of this account")
	cmd.Flags().IntVarP(&flagHistoryLimit, "limit", "n", 20, "maximum entries to list")
	cmd.Flags().BoolVar(&flagHistoryJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&flagHistoryDelete, "delete", false, "delete the named entry")
	return cmd
}

func runHistory(_ *cobra.Command, args []string, app *App) error {
	_, store, err := app.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	if len(args) == 1 {
		id := extract.UUID(args[0])
		if id == "" {
			return fmt.Errorf("invalid image id %q", args[0])
		}
		entry, err := store.GetByID(ctx, id)
		if errors.Is(err, history.ErrNotFound) {
			return fmt.Errorf("no history for %s", id)
		}
		if err != nil {
			return err
		}
		if flagHistoryDelete {
			if err := store.Delete(ctx, id); err != nil {
				return fmt.Errorf("failed to delete %s: %w", id, err)
			}
			fmt.Fprintf(app.Out, "Deleted %s (%d attempts)\n", id, len(entry.Attempts))
			return nil
		}
		return printJSON(app, entry)
	}
	if flagHistoryDelete {
		return fmt.Errorf("--delete needs an image id")
	}

	entries, err := store.List(ctx, history.ListOptions{
		AccountID: extract.UUID(flagHistoryAccount),
		Limit:     flagHistoryLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}
	if flagHistoryJSON {
		if entries == nil {
			entries = []*models.ImageEntry{}
		}
		return printJSON(app, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(app.Out, "No history yet.")
		return nil
	}

	tw := tabwriter.NewWriter(app.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IMAGE\tACCOUNT\tATTEMPTS\tOK\tFAILED\tLATEST\tUPDATED")
	for _, e := range entries {
		latest := "-"
		if len(e.Attempts) > 0 {
			latest = fmt.Sprintf("%s %d%%", e.Attempts[0].Status, e.Attempts[0].CurrentProgress)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			e.ImageID, shortID(e.AccountID), len(e.Attempts), e.SuccessCount, e.FailCount, latest,
			e.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func newExportCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <dir>",
		Short: "Write every entry as a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, args, app)
		},
	}
	cmd.Flags().BoolVar(&flagExportRaw, "raw", false, "keep raw stream tails and payload snapshots")
	return cmd
}

func runExport(_ *cobra.Command, args []string, app *App) error {
	_, store, err := app.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(context.Background(), history.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}
	paths, err := history.Export(args[0], entries, history.ExportOptions{IncludeRaw: flagExportRaw})
	if err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "Exported %d entries to %s\n", len(paths), args[0])
	return nil
}

func newPruneCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Evict the least recently updated entries beyond max_entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := app.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			removed, err := store.Prune(ctx, cfg.MaxEntries)
			if err != nil {
				return fmt.Errorf("prune failed: %w", err)
			}
			count, err := store.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Removed %d entries, %d remain\n", removed, count)
			return nil
		},
	}
}

func printJSON(app *App, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(app.Out, string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}
