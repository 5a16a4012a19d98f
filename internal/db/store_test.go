package db

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

// testStore creates a temporary test database with migrations applied.
func testStore(t *testing.T) *SqliteStore {
	t.Helper()

	store, err := NewTestSqliteStore(t.TempDir(), slog.Default())
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func TestNewSqliteStore(t *testing.T) {
	store := testStore(t)

	require.NotNil(t, store.DB())

	// Migrations should have created the core tables.
	for _, table := range []string{
		"owners", "sync_state", "jobs", "emails", "email_events",
		"labels",
	} {
		var name string
		err := store.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' "+
				"AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "missing table %s", table)
	}
}

func TestWithTx_Commit(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(
			ctx, "INSERT INTO owners (email) VALUES (?)",
			"op@example.com",
		)
		return err
	})
	require.NoError(t, err)

	var count int
	err = store.DB().QueryRow(
		"SELECT COUNT(*) FROM owners WHERE email = ?",
		"op@example.com",
	).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestWithTx_Rollback(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(
			ctx, "INSERT INTO owners (email) VALUES (?)",
			"rollback@example.com",
		)
		if err != nil {
			return err
		}

		// Force rollback by returning an error.
		return sql.ErrNoRows
	})
	require.ErrorIs(t, err, sql.ErrNoRows)

	var count int
	err = store.DB().QueryRow(
		"SELECT COUNT(*) FROM owners WHERE email = ?",
		"rollback@example.com",
	).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestWithTxResult(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	id, err := WithTxResult(
		ctx, store.Store,
		func(ctx context.Context, tx *sql.Tx) (int64, error) {
			res, err := tx.ExecContext(
				ctx, "INSERT INTO owners (email) VALUES (?)",
				"result@example.com",
			)
			if err != nil {
				return 0, err
			}
			return res.LastInsertId()
		},
	)
	require.NoError(t, err)
	require.Greater(t, id, int64(0))
}

func TestWithTx_UniqueConstraintMapped(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	insert := func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(
			ctx, "INSERT INTO owners (email) VALUES (?)",
			"dup@example.com",
		)
		return err
	}

	require.NoError(t, store.WithTx(ctx, insert))

	err := store.WithTx(ctx, insert)
	require.Error(t, err)
	require.True(t, IsUniqueConstraintError(err))
}
