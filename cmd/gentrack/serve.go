package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/manash/gentrack/internal/tracker"
)

func newServeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tracking proxy and history API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, app)
		},
	}
}

func runServe(_ *cobra.Command, app *App) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := app.config()
	if err != nil {
		return err
	}
	logger := app.logger(cfg)

	creds, err := app.NewCredentials()
	if err != nil {
		logger.Warn("stored credentials unavailable", "error", err)
		creds = nil
	}

	tr, err := tracker.New(ctx, tracker.Options{
		Config:      cfg,
		Credentials: creds,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to start tracker: %w", err)
	}
	defer tr.Close()

	fmt.Fprintf(app.Out, "Proxying %s on http://%s\n", cfg.UpstreamURL, cfg.ListenAddr)
	fmt.Fprintf(app.Out, "History: %s\n", cfg.DBPath)
	return tr.ListenAndServe(ctx)
}
