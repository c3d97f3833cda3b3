package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/manash/gentrack/internal/extract"
	"github.com/manash/gentrack/internal/merge"
)

var flagMergeAccount string

func newMergeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge <file>",
		Short: "Merge a saved post listing into the history",
		Long: `Merge reads a post listing (JSON array, {"posts": [...]} or JSONL; use -
for stdin) and backfills the history with every video it names. Entries
that are already complete only receive missing video URLs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(cmd, args, app)
		},
	}
	cmd.Flags().StringVarP(&flagMergeAccount, "account", "a", "", "account for posts without a userId")
	return cmd
}

func runMerge(cmd *cobra.Command, args []string, app *App) error {
	var (
		posts []merge.Post
		err   error
	)
	if args[0] == "-" {
		posts, err = merge.Parse(app.In)
	} else {
		posts, err = merge.ParseFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read listing: %w", err)
	}

	cfg, store, err := app.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	engine := merge.NewEngine(merge.EngineOptions{
		Repository: store,
		Logger:     app.logger(cfg),
		AssetHost:  cfg.AssetHost,
	})
	res, err := engine.Merge(context.Background(), posts, merge.Options{AccountID: extract.UUID(flagMergeAccount)})
	if err != nil {
		return fmt.Errorf("merge failed: %w", err)
	}

	fmt.Fprintf(app.Out, "Posts: %d (skipped %d)\n", res.Posts, res.Skipped)
	fmt.Fprintf(app.Out, "Entries: %d created, %d updated, %d complete\n", res.EntriesCreated, res.EntriesUpdated, res.EntriesLocked)
	fmt.Fprintf(app.Out, "Attempts: %d created, %d updated\n", res.AttemptsCreated, res.AttemptsUpdated)
	fmt.Fprintf(app.Out, "Saved %d entries\n", len(res.Saved))
	return nil
}
