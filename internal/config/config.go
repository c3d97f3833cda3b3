// Package config loads runtime settings from an optional .env file, an
// optional YAML config file and GENTRACK_* environment variables, in
// increasing order of precedence. Command-line flags bound by the CLI win
// over all of them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/manash/gentrack/internal/history"
	"github.com/manash/gentrack/internal/retry"
	"github.com/manash/gentrack/internal/security"
	"github.com/manash/gentrack/pkg/models"
)

const EnvPrefix = "GENTRACK"

var (
	ErrListenAddrRequired = errors.New("listen_addr is required")
	ErrInvalidLimit       = errors.New("limit must be positive")
	ErrInvalidRetry       = errors.New("invalid retry setting")
)

type RedisConfig struct {
	Addr     string
	Password string
	Channel  string
}

type Config struct {
	ListenAddr            string
	UpstreamURL           string
	AllowInsecureUpstream bool
	AssetHost             string
	GenerationPath        string
	UploadPath            string
	DBPath                string
	MaxEntries            int
	Limits                models.Limits
	InitialGuard          time.Duration
	Retry                 retry.Config
	Redis                 RedisConfig
	Verbose               bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "127.0.0.1:8787")
	v.SetDefault("upstream_url", "https://grok.com")
	v.SetDefault("allow_insecure_upstream", false)
	v.SetDefault("asset_host", "assets.grok.com")
	v.SetDefault("generation_path", "/rest/app-chat/conversations/new")
	v.SetDefault("upload_path", "/rest/app-chat/upload-file")
	v.SetDefault("db_path", "")
	v.SetDefault("max_entries", 2000)
	v.SetDefault("max_attempts", models.DefaultMaxAttempts)
	v.SetDefault("max_progress_events", models.DefaultMaxProgressEvents)
	v.SetDefault("raw_stream_budget", models.DefaultRawStreamBudget)
	v.SetDefault("payload_snapshot_budget", models.DefaultPayloadSnapshotBudget)
	v.SetDefault("initial_guard", "60s")

	d := retry.DefaultConfig()
	v.SetDefault("retry.enabled", d.Enabled)
	v.SetDefault("retry.max_retries", d.MaxRetries)
	v.SetDefault("retry.base_delay", d.BaseDelay.String())
	v.SetDefault("retry.max_delay", d.MaxDelay.String())
	v.SetDefault("retry.multiplier", d.Multiplier)
	v.SetDefault("retry.progressive_softening", d.ProgressiveSoftening)
	v.SetDefault("retry.fallback_to_normal", d.FallbackToNormal)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.channel", "gentrack:events")
	v.SetDefault("verbose", false)
}

// NewViper returns a viper instance with defaults, environment binding and
// the given config file (if any) loaded. A missing .env file is not an
// error.
func NewViper(configFile string) (*viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

// Load is NewViper followed by FromViper.
func Load(configFile string) (*Config, error) {
	v, err := NewViper(configFile)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper builds and validates a Config.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ListenAddr:            strings.TrimSpace(v.GetString("listen_addr")),
		UpstreamURL:           strings.TrimSpace(v.GetString("upstream_url")),
		AllowInsecureUpstream: v.GetBool("allow_insecure_upstream"),
		AssetHost:             strings.TrimSpace(v.GetString("asset_host")),
		GenerationPath:        v.GetString("generation_path"),
		UploadPath:            v.GetString("upload_path"),
		DBPath:                v.GetString("db_path"),
		MaxEntries:            v.GetInt("max_entries"),
		Limits: models.Limits{
			MaxAttempts:           v.GetInt("max_attempts"),
			MaxProgressEvents:     v.GetInt("max_progress_events"),
			RawStreamBudget:       v.GetInt("raw_stream_budget"),
			PayloadSnapshotBudget: v.GetInt("payload_snapshot_budget"),
		},
		InitialGuard: v.GetDuration("initial_guard"),
		Retry: retry.Config{
			Enabled:              v.GetBool("retry.enabled"),
			MaxRetries:           v.GetInt("retry.max_retries"),
			BaseDelay:            v.GetDuration("retry.base_delay"),
			MaxDelay:             v.GetDuration("retry.max_delay"),
			Multiplier:           v.GetFloat64("retry.multiplier"),
			ProgressiveSoftening: v.GetBool("retry.progressive_softening"),
			FallbackToNormal:     v.GetBool("retry.fallback_to_normal"),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(v.GetString("redis.addr")),
			Password: v.GetString("redis.password"),
			Channel:  v.GetString("redis.channel"),
		},
		Verbose: v.GetBool("verbose"),
	}

	dbPath, err := resolveDBPath(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	cfg.DBPath = dbPath

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return ErrListenAddrRequired
	}
	if _, err := security.ValidateUpstreamURL(c.UpstreamURL, c.AllowInsecureUpstream); err != nil {
		return fmt.Errorf("upstream_url: %w", err)
	}

	limits := map[string]int{
		"max_entries":             c.MaxEntries,
		"max_attempts":            c.Limits.MaxAttempts,
		"max_progress_events":     c.Limits.MaxProgressEvents,
		"raw_stream_budget":       c.Limits.RawStreamBudget,
		"payload_snapshot_budget": c.Limits.PayloadSnapshotBudget,
	}
	for name, value := range limits {
		if value <= 0 {
			return fmt.Errorf("%s: %w", name, ErrInvalidLimit)
		}
	}
	if c.InitialGuard <= 0 {
		return fmt.Errorf("initial_guard: %w", ErrInvalidLimit)
	}

	switch {
	case c.Retry.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidRetry)
	case c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay:
		return fmt.Errorf("%w: need 0 < base_delay <= max_delay", ErrInvalidRetry)
	case c.Retry.Multiplier < 1:
		return fmt.Errorf("%w: multiplier must be at least 1", ErrInvalidRetry)
	}
	return nil
}

// HistoryOptions returns the store retention settings.
func (c *Config) HistoryOptions() history.Options {
	return history.Options{Limits: c.Limits, MaxEntries: c.MaxEntries}
}

func resolveDBPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	switch {
	case p == "":
		return history.DefaultDBPath()
	case p == ":memory:":
		return p, nil
	case p == "~" || strings.HasPrefix(p, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
	default:
		return p, nil
	}
}
