package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/inboxd/inboxd/internal/db"
	"github.com/inboxd/inboxd/internal/queue"
	"github.com/inboxd/inboxd/internal/store"
)

// stores bundles the handles a subcommand needs.
type stores struct {
	storage store.Storage
	queue   *queue.QueueStore

	close func() error
}

// openStores opens the daemon database. Migrations are applied so the CLI
// works against a fresh database too.
func openStores() (*stores, error) {
	path := dbPath
	if path == "" {
		var err error
		path, err = db.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}

	sqliteStore, err := db.NewSqliteStore(&db.SqliteConfig{
		DatabaseFileName:      path,
		SkipMigrationDbBackup: true,
	}, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &stores{
		storage: store.NewSqliteStore(sqliteStore.Store),
		queue: queue.NewQueueStore(
			sqliteStore.Store, queue.DefaultQueueConfig(),
		),
		close: sqliteStore.Close,
	}, nil
}

// resolveOwner picks the owner the command operates on: the --owner flag
// when set, otherwise the sole active owner.
func resolveOwner(ctx context.Context, storage store.Storage) (store.Owner,
	error) {

	if ownerEmail != "" {
		owner, err := storage.GetOwnerByEmail(ctx, ownerEmail)
		if err != nil {
			return store.Owner{}, fmt.Errorf("owner %q not "+
				"found: %w", ownerEmail, err)
		}
		return owner, nil
	}

	owners, err := storage.ListActiveOwners(ctx)
	if err != nil {
		return store.Owner{}, err
	}

	switch len(owners) {
	case 0:
		return store.Owner{}, fmt.Errorf("no active owners")
	case 1:
		return owners[0], nil
	default:
		return store.Owner{}, fmt.Errorf("%d active owners, "+
			"use --owner to pick one", len(owners))
	}
}
