package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	TargetDir         string        `envconfig:"TARGET_DIR" required:"true"`
	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"24h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string        `envconfig:"DB_PATH" default:"downloads.db"`

	// DefaultSimultaneousDownloads seeds the global config record when the
	// database has none. Zero leaves the record absent.
	DefaultSimultaneousDownloads int `envconfig:"DEFAULT_SIMULTANEOUS_DOWNLOADS" default:"2"`

	Putio struct {
		BaseURL string `split_words:"true"`
	}

	Acquire struct {
		PollInterval time.Duration `split_words:"true" default:"5s"`
		Timeout      time.Duration `split_words:"true" default:"30m"`
	}

	Admin struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Restart struct {
		InitialInterval time.Duration `split_words:"true" default:"500ms"`
		MaxInterval     time.Duration `split_words:"true" default:"30s"`
		MaxRestarts     int           `split_words:"true" default:"10"`
		Window          time.Duration `split_words:"true" default:"5m"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"premium_downloader"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.DefaultSimultaneousDownloads < 0 {
		return nil, fmt.Errorf("DEFAULT_SIMULTANEOUS_DOWNLOADS must not be negative: %d", cfg.DefaultSimultaneousDownloads)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
