package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/manash/gentrack/internal/extract"
	"github.com/manash/gentrack/internal/history"
	"github.com/manash/gentrack/internal/stream"
	"github.com/manash/gentrack/pkg/models"
)

var (
	flagReplayImage   string
	flagReplayAccount string
	flagReplayPrompt  string
)

func newReplayCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <file>",
		Short: "Feed a recorded progress stream through the tracker",
		Long: `Replay records a new attempt for --image and runs a captured progress
stream (use - for stdin) through the stream processor, exactly as if it had
arrived through the proxy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, args, app)
		},
	}
	cmd.Flags().StringVarP(&flagReplayImage, "image", "i", "", "source image id (required)")
	cmd.Flags().StringVarP(&flagReplayAccount, "account", "a", "", "account id")
	cmd.Flags().StringVarP(&flagReplayPrompt, "prompt", "p", "", "prompt to record on the attempt")
	return cmd
}

func runReplay(_ *cobra.Command, args []string, app *App) error {
	imageID := extract.UUID(flagReplayImage)
	if imageID == "" {
		return fmt.Errorf("--image must be a UUID")
	}
	accountID := extract.UUID(flagReplayAccount)

	var in io.Reader = app.In
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open stream: %w", err)
		}
		defer f.Close()
		in = f
	}

	cfg, store, err := app.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	logger := app.logger(cfg)
	updater := history.NewUpdater(store, nil)

	processor := stream.NewProcessor(stream.Options{
		Updater:         updater,
		Logger:          logger,
		AssetHost:       cfg.AssetHost,
		InitialGuard:    cfg.InitialGuard,
		RawStreamBudget: cfg.Limits.RawStreamBudget,
	})

	attempt := models.NewAttempt(uuid.NewString(), flagReplayPrompt, time.Now())
	_, err = updater.Update(ctx, imageID, func() *models.ImageEntry {
		return models.NewImageEntry(imageID, accountID, attempt.StartedAt)
	}, func(e *models.ImageEntry) bool {
		if e.AccountID == "" {
			e.AccountID = accountID
		}
		e.PrependAttempt(attempt.Clone())
		e.Touch(attempt.StartedAt)
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}

	armed := &models.ArmedRequest{
		RequestID: uuid.NewString(),
		AccountID: accountID,
		ImageID:   imageID,
		AttemptID: attempt.ID,
		CreatedAt: attempt.StartedAt,
	}
	processor.Watch(armed, attempt)
	stats := processor.Consume(ctx, armed, in)

	entry, err := store.GetByID(ctx, imageID)
	if err != nil {
		return err
	}
	final := entry.FindAttempt(attempt.ID)
	if final == nil {
		return fmt.Errorf("attempt %s missing after replay", attempt.ID)
	}

	fmt.Fprintf(app.Out, "Attempt %s: %s at %d%%\n", final.ID, final.Status, final.CurrentProgress)
	fmt.Fprintf(app.Out, "Lines: %d, records: %d, malformed: %d\n", stats.Lines, stats.Records, stats.Malformed)
	if final.VideoURL != "" {
		fmt.Fprintf(app.Out, "Video: %s\n", final.VideoURL)
	}
	if final.Error != "" {
		fmt.Fprintf(app.Out, "Error: %s\n", final.Error)
	}
	return nil
}
