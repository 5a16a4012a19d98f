package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/httpfs"
)

// LatestMigrationVersion is the highest migration version shipped with
// this build. Opening a database that is already past this version fails
// instead of silently downgrading the schema.
//
// NOTE: This MUST be updated when a new migration is added.
const LatestMigrationVersion uint = 1

// ErrMigrationDowngrade is returned when the database schema is newer than
// the migrations this build knows about.
var ErrMigrationDowngrade = errors.New("database downgrade detected")

// migrationLogger adapts slog to the migrate.Logger interface.
type migrationLogger struct {
	log *slog.Logger
}

// Printf implements the migrate.Logger interface.
func (m *migrationLogger) Printf(format string, v ...any) {
	m.log.Info(fmt.Sprintf(strings.TrimRight(format, "\n"), v...))
}

// Verbose returns true when verbose logging is enabled.
func (m *migrationLogger) Verbose() bool {
	return true
}

// applyMigrations brings the schema up to the latest bundled migration.
// The migration files are read from the given file system under path.
// Dirty state (a previously interrupted migration) and schema versions
// newer than this build both abort with an error; neither is recoverable
// without manual intervention.
func applyMigrations(fsys fs.FS, driver database.Driver, path,
	dbName string, log *slog.Logger) error {

	source, err := httpfs.New(http.FS(fsys), path)
	if err != nil {
		return err
	}

	mig, err := migrate.NewWithInstance(
		"migrations", source, dbName, driver,
	)
	if err != nil {
		return err
	}

	version, dirty, err := mig.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("unable to determine current migration "+
			"version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in a dirty state at version "+
			"%v, manual intervention required", version)
	}

	// Down migrations may drop data, so a schema from a newer build is
	// never rolled back automatically.
	if version > LatestMigrationVersion {
		return fmt.Errorf("%w: db_version=%v, "+
			"latest_migration_version=%v", ErrMigrationDowngrade,
			version, LatestMigrationVersion)
	}

	log.InfoContext(context.Background(), "Applying schema migrations",
		"current_db_version", version,
		"latest_migration_version", LatestMigrationVersion)

	mig.Log = &migrationLogger{log}

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	newVersion, _, err := driver.Version()
	if err != nil {
		return fmt.Errorf("unable to get current db version: %w", err)
	}
	log.InfoContext(context.Background(), "Schema migrations applied",
		"current_db_version", newVersion)

	return nil
}

// backupSqliteDatabase writes a timestamped copy of the database next to
// the original file using VACUUM INTO, which produces a consistent
// snapshot even with WAL enabled.
func backupSqliteDatabase(srcDB *sql.DB, dbFullFilePath string,
	log *slog.Logger) error {

	if srcDB == nil {
		return fmt.Errorf("backup source database is nil")
	}

	backupPath := fmt.Sprintf(
		"%s.%d.backup", dbFullFilePath, time.Now().UnixNano(),
	)

	log.InfoContext(context.Background(), "Backing up database file",
		"source", dbFullFilePath, "backup", backupPath)

	_, err := srcDB.Exec("VACUUM INTO ?;", backupPath)
	return err
}
