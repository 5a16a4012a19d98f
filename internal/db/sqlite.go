package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	sqlite3mig "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBPath returns the default path for the inboxd database.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(home, ".inboxd", "inboxd.db"), nil
}

// SqliteConfig holds the options used when opening the backing SQLite
// database file.
type SqliteConfig struct {
	// DatabaseFileName is the full path of the database file.
	DatabaseFileName string

	// SkipMigrations skips applying schema migrations on open. Intended
	// for tests that manage the schema themselves.
	SkipMigrations bool

	// SkipMigrationDbBackup skips the pre-migration backup of the
	// database file.
	SkipMigrationDbBackup bool
}

// OpenSQLite opens a SQLite database connection with WAL mode enabled and
// appropriate pragmas for performance and reliability.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	// Ensure the directory exists.
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open the database with foreign keys and WAL mode enabled via URI.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer, multiple readers).
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Verify connection and apply additional pragmas.
	if err := configurePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	return db, nil
}

// configurePragmas sets additional SQLite pragmas for optimal performance.
func configurePragmas(db *sql.DB) error {
	pragmas := []string{
		// Synchronous mode: NORMAL provides good durability with better
		// performance than FULL.
		"PRAGMA synchronous = NORMAL",

		// Cache size: Negative value is in KiB, 64MB cache.
		"PRAGMA cache_size = -65536",

		// Memory-mapped I/O: 256MB for faster reads.
		"PRAGMA mmap_size = 268435456",

		// Temp store: Keep temporary tables in memory.
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// SqliteStore is a database store implementation that uses a sqlite backend.
type SqliteStore struct {
	cfg *SqliteConfig

	*Store
}

// NewSqliteStore opens the SQLite database at the configured path, applies
// any pending schema migrations, and returns the store wrapping it.
func NewSqliteStore(cfg *SqliteConfig, log *slog.Logger) (*SqliteStore, error) {
	db, err := OpenSQLite(cfg.DatabaseFileName)
	if err != nil {
		return nil, err
	}

	if !cfg.SkipMigrations {
		// Take a backup before touching the schema, unless disabled.
		if !cfg.SkipMigrationDbBackup {
			err := backupSqliteDatabase(
				db, cfg.DatabaseFileName, log,
			)
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to backup "+
					"database: %w", err)
			}
		}

		driver, err := sqlite3mig.WithInstance(
			db, &sqlite3mig.Config{},
		)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create migration "+
				"driver: %w", err)
		}

		err = applyMigrations(
			sqlSchemas, driver, "migrations", "inboxd", log,
		)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply "+
				"migrations: %w", err)
		}
	}

	return &SqliteStore{
		cfg:   cfg,
		Store: NewStore(db),
	}, nil
}

// NewTestSqliteStore opens a throwaway store rooted in the given directory
// with migrations applied. Intended for use from test helpers.
func NewTestSqliteStore(dir string, log *slog.Logger) (*SqliteStore, error) {
	return NewSqliteStore(&SqliteConfig{
		DatabaseFileName:      filepath.Join(dir, "inboxd.db"),
		SkipMigrationDbBackup: true,
	}, log)
}
