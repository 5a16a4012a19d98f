// Package config loads daemon settings from the environment. Every knob
// carries an INBOXD_ prefixed variable and a sensible default, so a bare
// `inboxd` invocation works out of the box.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/inboxd/inboxd/internal/db"
)

// Config holds the daemon settings.
type Config struct {
	// DBPath is the SQLite database file. An empty value resolves to
	// inboxd.db under the user's home directory.
	DBPath string `env:"INBOXD_DB_PATH"`

	// NumWorkers is the number of concurrent job workers.
	NumWorkers int `env:"INBOXD_NUM_WORKERS" envDefault:"3"`

	// PollInterval is how often idle workers poll for new jobs.
	PollInterval time.Duration `env:"INBOXD_POLL_INTERVAL" envDefault:"1s"`

	// SyncWindowDays bounds how far back a full sync looks.
	SyncWindowDays int `env:"INBOXD_SYNC_WINDOW_DAYS" envDefault:"10"`

	// HistoryPageSize is the incremental sync page size.
	HistoryPageSize int `env:"INBOXD_HISTORY_PAGE_SIZE" envDefault:"100"`

	// RetentionDays is how long completed and failed jobs are kept.
	RetentionDays int `env:"INBOXD_RETENTION_DAYS" envDefault:"30"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"INBOXD_LOG_LEVEL" envDefault:"info"`

	// LogDir enables rotating file logs alongside stderr when set.
	LogDir string `env:"INBOXD_LOG_DIR"`

	// ClassifyCmd, DraftCmd and AgentCmd are the external commands the
	// triage handlers shell out to, as whitespace-separated command
	// lines. Empty disables the corresponding capability.
	ClassifyCmd string `env:"INBOXD_CLASSIFY_CMD"`
	DraftCmd    string `env:"INBOXD_DRAFT_CMD"`
	AgentCmd    string `env:"INBOXD_AGENT_CMD"`

	// AgentRules routes matching senders to agent jobs. Each entry
	// reads "name=sender-substring".
	AgentRules []string `env:"INBOXD_AGENT_RULES" envSeparator:","`
}

// SplitCommand turns a configured command line into argv form. It returns
// nil for an empty setting.
func SplitCommand(cmdLine string) []string {
	fields := strings.Fields(cmdLine)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// Load parses the environment and fills in defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.DBPath == "" {
		path, err := db.DefaultDBPath()
		if err != nil {
			return nil, err
		}
		cfg.DBPath = path
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if c.NumWorkers < 1 {
		return fmt.Errorf("num workers must be positive, got %d",
			c.NumWorkers)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s",
			c.PollInterval)
	}
	if c.SyncWindowDays < 1 {
		return fmt.Errorf("sync window must be at least one day, "+
			"got %d", c.SyncWindowDays)
	}
	if c.HistoryPageSize < 1 {
		return fmt.Errorf("history page size must be positive, "+
			"got %d", c.HistoryPageSize)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention must be at least one day, "+
			"got %d", c.RetentionDays)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps the configured log level to a slog.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
}
