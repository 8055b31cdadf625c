package maildepot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
)

// DefaultInlineThreshold is the payload size above which attachments move
// from inline rows to file storage.
const DefaultInlineThreshold = 1 << 20 // 1 MiB

// DefaultMaxRetryAttempts is the outbox retry ceiling.
const DefaultMaxRetryAttempts = 3

// Config holds everything the engine recognizes at construction. Values are
// layered: built-in defaults, then an optional TOML file, then environment
// overrides.
type Config struct {
	// StoragePath is the SQLite database file.
	StoragePath string `toml:"storage_path" env:"MAILDEPOT_STORAGE_PATH"`

	// AttachmentsDir is the tiered-storage root. Empty means a
	// "maildepot/attachments" directory under the platform documents
	// location, falling back to a sibling of the database file.
	AttachmentsDir string `toml:"attachments_dir" env:"MAILDEPOT_ATTACHMENTS_DIR"`

	// InlineThreshold is the inline/file tiering cutoff in bytes.
	InlineThreshold int64 `toml:"inline_threshold" env:"MAILDEPOT_INLINE_THRESHOLD"`

	// Dedup enables content-addressed attachment deduplication.
	Dedup bool `toml:"dedup" env:"MAILDEPOT_DEDUP"`

	// MaxRetryAttempts caps outbox retries.
	MaxRetryAttempts int `toml:"max_retry_attempts" env:"MAILDEPOT_MAX_RETRY_ATTEMPTS"`

	// SentRetentionDays / FailedRetentionDays bound outbox pruning during
	// maintenance.
	SentRetentionDays   int `toml:"sent_retention_days" env:"MAILDEPOT_SENT_RETENTION_DAYS"`
	FailedRetentionDays int `toml:"failed_retention_days" env:"MAILDEPOT_FAILED_RETENTION_DAYS"`

	// MaintenanceSchedule is an optional cron expression for periodic
	// maintenance (e.g. "0 3 * * *"). Empty disables scheduling.
	MaintenanceSchedule string `toml:"maintenance_schedule" env:"MAILDEPOT_MAINTENANCE_SCHEDULE"`

	// Logging for the embedding application's logger construction.
	LogLevel  string `toml:"log_level" env:"MAILDEPOT_LOG_LEVEL"`
	LogFormat string `toml:"log_format" env:"MAILDEPOT_LOG_FORMAT"` // "text" or "json"
}

// DefaultConfig returns the built-in defaults for the given database path.
func DefaultConfig(storagePath string) Config {
	return Config{
		StoragePath:         storagePath,
		AttachmentsDir:      defaultAttachmentsDir(storagePath),
		InlineThreshold:     DefaultInlineThreshold,
		Dedup:               true,
		MaxRetryAttempts:    DefaultMaxRetryAttempts,
		SentRetentionDays:   7,
		FailedRetentionDays: 30,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// defaultAttachmentsDir prefers the platform documents location and falls
// back to a directory next to the database file.
func defaultAttachmentsDir(storagePath string) string {
	if home, err := os.UserHomeDir(); err == nil {
		docs := filepath.Join(home, "Documents")
		if info, err := os.Stat(docs); err == nil && info.IsDir() {
			return filepath.Join(docs, "maildepot", "attachments")
		}
	}
	return filepath.Join(filepath.Dir(storagePath), "attachments")
}

// LoadConfig reads configuration: defaults, then the TOML file at path (if
// it exists; an empty path skips the file), then environment variables. A
// .env file in the working directory is honored if present.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig("maildepot.db")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, fmt.Errorf("decode config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	cfg.StoragePath = expandPath(cfg.StoragePath)
	cfg.AttachmentsDir = expandPath(cfg.AttachmentsDir)
	cfg.normalize()
	return &cfg, nil
}

// normalize fills zero values with defaults so a hand-built Config behaves
// like a loaded one.
func (c *Config) normalize() {
	if c.AttachmentsDir == "" {
		c.AttachmentsDir = defaultAttachmentsDir(c.StoragePath)
	}
	if c.InlineThreshold <= 0 {
		c.InlineThreshold = DefaultInlineThreshold
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if c.SentRetentionDays <= 0 {
		c.SentRetentionDays = 7
	}
	if c.FailedRetentionDays <= 0 {
		c.FailedRetentionDays = 30
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// NewLogger builds a slog logger from the config's level and format, for the
// embedding application to install as its default.
func NewLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}
