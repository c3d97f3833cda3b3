package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/manash/gentrack/internal/config"
	"github.com/manash/gentrack/internal/history"
	"github.com/manash/gentrack/internal/keys"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	flagConfig  string
	flagVerbose bool
)

type App struct {
	Out            io.Writer
	Err            io.Writer
	In             io.Reader
	GetEnv         func(string) string
	LoadConfig     func(path string) (*config.Config, error)
	OpenStore      func(cfg *config.Config) (*history.Store, error)
	NewCredentials func() (*keys.Store, error)
}

func DefaultApp() *App {
	return &App{
		Out:        os.Stdout,
		Err:        os.Stderr,
		In:         os.Stdin,
		GetEnv:     os.Getenv,
		LoadConfig: config.Load,
		OpenStore: func(cfg *config.Config) (*history.Store, error) {
			return history.NewStoreWithPath(cfg.DBPath, cfg.HistoryOptions())
		},
		NewCredentials: keys.NewStore,
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	app := DefaultApp()
	rootCmd := newRootCmd(app)
	return rootCmd.Execute()
}

func newRootCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gentrack",
		Short: "Track video generations through a local proxy",
		Long: `gentrack sits between the browser and the generation service. It
correlates every video generation request with its source image, follows
the progress stream, retries moderated generations and keeps a history of
every attempt.

Examples:
  gentrack serve
  gentrack merge listing.json
  gentrack history
  gentrack history 0b6f4f1e-6c1d-4f7e-9a59-3a1b2c3d4e5f
  gentrack export ./backup`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging and request dumps")

	cmd.AddCommand(
		newServeCmd(app),
		newMergeCmd(app),
		newHistoryCmd(app),
		newExportCmd(app),
		newPruneCmd(app),
		newReplayCmd(app),
		newLoginCmd(app),
		newLogoutCmd(app),
	)
	return cmd
}

func (app *App) config() (*config.Config, error) {
	cfg, err := app.LoadConfig(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flagVerbose {
		cfg.Verbose = true
	}
	return cfg, nil
}

func (app *App) logger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg != nil && cfg.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(app.Err, &slog.HandlerOptions{Level: level}))
}

// openStore loads the config and opens the history database.
func (app *App) openStore() (*config.Config, *history.Store, error) {
	cfg, err := app.config()
	if err != nil {
		return nil, nil, err
	}
	store, err := app.OpenStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open history: %w", err)
	}
	return cfg, store, nil
}
