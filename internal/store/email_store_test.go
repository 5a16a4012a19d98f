package store

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/inboxd/inboxd/internal/db"
	"github.com/stretchr/testify/require"
)

// newTestStorage creates a sqlite-backed Storage in a temp directory,
// together with a registered owner.
func newTestStorage(t *testing.T) (Storage, Owner) {
	t.Helper()

	sqliteStore, err := db.NewTestSqliteStore(t.TempDir(), slog.Default())
	require.NoError(t, err)

	storage := NewSqliteStore(sqliteStore.Store)
	t.Cleanup(func() {
		require.NoError(t, storage.Close())
	})

	owner, err := storage.CreateOwner(
		context.Background(), "op@example.com", "Operator",
	)
	require.NoError(t, err)

	return storage, owner
}

func TestUpsertEmailInsertAndRefresh(t *testing.T) {
	storage, owner := newTestStorage(t)
	ctx := context.Background()

	email, err := storage.UpsertEmail(ctx, UpsertEmailParams{
		OwnerID:   owner.ID,
		ThreadID:  "thread-1",
		MessageID: "msg-1",
		Sender:    "alice@example.com",
		Subject:   "hello",
		LabelKey:  "to_respond",
		Status:    StatusPending,
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, email.Status)
	require.Equal(t, 1, email.MessageCount)
	require.Equal(t, 0, email.ReworkCount)

	// Upserting the same thread must refresh in place, not create a second
	// row.
	refreshed, err := storage.UpsertEmail(ctx, UpsertEmailParams{
		OwnerID:      owner.ID,
		ThreadID:     "thread-1",
		MessageID:    "msg-2",
		Sender:       "alice@example.com",
		Subject:      "hello again",
		LabelKey:     "to_respond",
		Status:       StatusWaiting,
		MessageCount: 3,
	})
	require.NoError(t, err)
	require.Equal(t, email.ID, refreshed.ID)
	require.Equal(t, "msg-2", refreshed.MessageID)
	require.Equal(t, StatusWaiting, refreshed.Status)
	require.Equal(t, 3, refreshed.MessageCount)
}

func TestSetEmailStatusStampsActedAt(t *testing.T) {
	storage, owner := newTestStorage(t)
	ctx := context.Background()

	_, err := storage.UpsertEmail(ctx, UpsertEmailParams{
		OwnerID:   owner.ID,
		ThreadID:  "thread-1",
		MessageID: "msg-1",
		Status:    StatusPending,
	})
	require.NoError(t, err)

	// A non-final status must not stamp acted_at.
	require.NoError(t, storage.SetEmailStatus(
		ctx, owner.ID, "thread-1", StatusDrafted,
	))
	email, err := storage.GetEmailByThread(ctx, owner.ID, "thread-1")
	require.NoError(t, err)
	require.Nil(t, email.ActedAt)

	// Archiving ends automation for the thread and stamps acted_at.
	require.NoError(t, storage.SetEmailStatus(
		ctx, owner.ID, "thread-1", StatusArchived,
	))
	email, err = storage.GetEmailByThread(ctx, owner.ID, "thread-1")
	require.NoError(t, err)
	require.Equal(t, StatusArchived, email.Status)
	require.NotNil(t, email.ActedAt)
}

func TestSetEmailStatusUnknownThread(t *testing.T) {
	storage, owner := newTestStorage(t)

	err := storage.SetEmailStatus(
		context.Background(), owner.ID, "no-such-thread", StatusDrafted,
	)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetAndClearEmailDraft(t *testing.T) {
	storage, owner := newTestStorage(t)
	ctx := context.Background()

	_, err := storage.UpsertEmail(ctx, UpsertEmailParams{
		OwnerID:   owner.ID,
		ThreadID:  "thread-1",
		MessageID: "msg-1",
		Status:    StatusPending,
	})
	require.NoError(t, err)

	require.NoError(t, storage.SetEmailDraft(
		ctx, owner.ID, "thread-1", "draft-9",
	))

	email, err := storage.GetEmailByThread(ctx, owner.ID, "thread-1")
	require.NoError(t, err)
	require.Equal(t, StatusDrafted, email.Status)
	require.NotNil(t, email.DraftID)
	require.Equal(t, "draft-9", *email.DraftID)
	require.NotNil(t, email.DraftedAt)

	require.NoError(t, storage.ClearEmailDraft(ctx, owner.ID, "thread-1"))

	email, err = storage.GetEmailByThread(ctx, owner.ID, "thread-1")
	require.NoError(t, err)
	require.Nil(t, email.DraftID)
	require.Equal(t, StatusDrafted, email.Status)
}

func TestIncrementReworkCount(t *testing.T) {
	storage, owner := newTestStorage(t)
	ctx := context.Background()

	_, err := storage.UpsertEmail(ctx, UpsertEmailParams{
		OwnerID:   owner.ID,
		ThreadID:  "thread-1",
		MessageID: "msg-1",
		Status:    StatusReworkRequested,
	})
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		require.NoError(t, storage.IncrementReworkCount(
			ctx, owner.ID, "thread-1",
		))

		email, err := storage.GetEmailByThread(
			ctx, owner.ID, "thread-1",
		)
		require.NoError(t, err)
		require.Equal(t, i, email.ReworkCount)
		require.Equal(t, StatusDrafted, email.Status)
	}
}

func TestAppendEventOrder(t *testing.T) {
	storage, owner := newTestStorage(t)
	ctx := context.Background()

	types := []string{"classified", "draft_created", "sent_detected"}
	for _, eventType := range types {
		_, err := storage.AppendEvent(ctx, AppendEventParams{
			OwnerID:   owner.ID,
			ThreadID:  "thread-1",
			EventType: eventType,
		})
		require.NoError(t, err)
	}

	events, err := storage.ListEventsByThread(ctx, owner.ID, "thread-1")
	require.NoError(t, err)
	require.Len(t, events, len(types))
	for i, event := range events {
		require.Equal(t, types[i], event.EventType)
	}
}

func TestSyncStateUpsert(t *testing.T) {
	storage, owner := newTestStorage(t)
	ctx := context.Background()

	_, err := storage.GetSyncState(ctx, owner.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, storage.UpsertSyncState(ctx, owner.ID, "12345"))

	state, err := storage.GetSyncState(ctx, owner.ID)
	require.NoError(t, err)
	require.Equal(t, "12345", state.LastHistoryID)
	require.False(t, state.NeverSynced())
	require.NotNil(t, state.LastSyncedAt)

	// A later upsert advances the watermark in place.
	require.NoError(t, storage.UpsertSyncState(ctx, owner.ID, "12400"))

	state, err = storage.GetSyncState(ctx, owner.ID)
	require.NoError(t, err)
	require.Equal(t, "12400", state.LastHistoryID)
}

func TestUpsertWatchExpiration(t *testing.T) {
	storage, owner := newTestStorage(t)
	ctx := context.Background()

	expiration := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, storage.UpsertWatchExpiration(
		ctx, owner.ID, expiration,
	))

	state, err := storage.GetSyncState(ctx, owner.ID)
	require.NoError(t, err)
	require.True(t, state.NeverSynced())
	require.NotNil(t, state.WatchExpiration)
	require.WithinDuration(t, expiration, *state.WatchExpiration, time.Second)
}

func TestLabelMapping(t *testing.T) {
	storage, owner := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.PutLabel(
		ctx, owner.ID, LabelKeyOutbox, "Label_10", "AI/Outbox",
	))
	require.NoError(t, storage.PutLabel(
		ctx, owner.ID, LabelKeyRework, "Label_11", "",
	))

	// Re-putting a key replaces the mapped id and name.
	require.NoError(t, storage.PutLabel(
		ctx, owner.ID, LabelKeyOutbox, "Label_12", "AI/Outbox v2",
	))

	mapping, err := storage.GetLabelMapping(ctx, owner.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		LabelKeyOutbox: "Label_12",
		LabelKeyRework: "Label_11",
	}, mapping)

	// Name lookup skips entries stored without one.
	names, err := storage.GetLabelNames(ctx, owner.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		LabelKeyOutbox: "AI/Outbox v2",
	}, names)
}

func TestWithTxRollbackDiscardsWrites(t *testing.T) {
	storage, owner := newTestStorage(t)
	ctx := context.Background()

	errBoom := context.DeadlineExceeded
	err := storage.WithTx(ctx, func(ctx context.Context,
		txStore Storage) error {

		_, err := txStore.UpsertEmail(ctx, UpsertEmailParams{
			OwnerID:   owner.ID,
			ThreadID:  "thread-tx",
			MessageID: "msg-1",
			Status:    StatusPending,
		})
		require.NoError(t, err)

		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	_, err = storage.GetEmailByThread(ctx, owner.ID, "thread-tx")
	require.ErrorIs(t, err, ErrNotFound)
}
