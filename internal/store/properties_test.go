package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestUpsertEmailSingleRowProperty verifies that any sequence of upserts for
// the same (owner, thread) pair always resolves to a single record carrying
// the most recent fields.
//
// PROPERTY: Upsert is idempotent on identity and last-write-wins on content.
func TestUpsertEmailSingleRowProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		mock := NewMockStore()
		ctx := context.Background()

		owner, err := mock.CreateOwner(ctx, "p@example.com", "")
		require.NoError(rt, err)

		threadID := rapid.StringMatching(`thread-[0-9]{1,3}`).
			Draw(rt, "thread_id")
		numUpserts := rapid.IntRange(1, 10).Draw(rt, "num_upserts")

		var (
			lastMessageID string
			firstID       int64
		)
		for i := 0; i < numUpserts; i++ {
			lastMessageID = rapid.StringMatching(`msg-[0-9]{1,4}`).
				Draw(rt, "message_id")

			email, err := mock.UpsertEmail(ctx, UpsertEmailParams{
				OwnerID:   owner.ID,
				ThreadID:  threadID,
				MessageID: lastMessageID,
				Status:    StatusPending,
			})
			require.NoError(rt, err)

			if i == 0 {
				firstID = email.ID
			}

			// Identity is stable across upserts.
			require.Equal(rt, firstID, email.ID)
		}

		email, err := mock.GetEmailByThread(ctx, owner.ID, threadID)
		require.NoError(rt, err)
		require.Equal(rt, lastMessageID, email.MessageID)
	})
}

// TestReworkCountProperty verifies that the rework counter equals exactly
// the number of increments applied.
//
// PROPERTY: rework_count is only ever moved by IncrementReworkCount.
func TestReworkCountProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		mock := NewMockStore()
		ctx := context.Background()

		owner, err := mock.CreateOwner(ctx, "p@example.com", "")
		require.NoError(rt, err)

		_, err = mock.UpsertEmail(ctx, UpsertEmailParams{
			OwnerID:   owner.ID,
			ThreadID:  "thread-1",
			MessageID: "msg-1",
			Status:    StatusPending,
		})
		require.NoError(rt, err)

		numIncrements := rapid.IntRange(0, 6).Draw(rt, "increments")
		for i := 0; i < numIncrements; i++ {
			// Interleave unrelated writes that must not move the
			// counter.
			if rapid.Bool().Draw(rt, "interleave") {
				err := mock.SetEmailStatus(
					ctx, owner.ID, "thread-1",
					StatusReworkRequested,
				)
				require.NoError(rt, err)
			}

			require.NoError(rt, mock.IncrementReworkCount(
				ctx, owner.ID, "thread-1",
			))
		}

		email, err := mock.GetEmailByThread(ctx, owner.ID, "thread-1")
		require.NoError(rt, err)
		require.Equal(rt, numIncrements, email.ReworkCount)
	})
}

// TestEventAppendOrderProperty verifies that the audit trail preserves
// append order per thread regardless of interleaving across threads.
//
// PROPERTY: ListEventsByThread returns events in the order they were
// appended.
func TestEventAppendOrderProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		mock := NewMockStore()
		ctx := context.Background()

		owner, err := mock.CreateOwner(ctx, "p@example.com", "")
		require.NoError(rt, err)

		numEvents := rapid.IntRange(1, 20).Draw(rt, "num_events")
		perThread := make(map[string][]string)

		for i := 0; i < numEvents; i++ {
			threadID := rapid.SampledFrom(
				[]string{"t-1", "t-2", "t-3"},
			).Draw(rt, "thread")
			eventType := rapid.SampledFrom([]string{
				"classified", "draft_created", "archived",
			}).Draw(rt, "event_type")

			_, err := mock.AppendEvent(ctx, AppendEventParams{
				OwnerID:   owner.ID,
				ThreadID:  threadID,
				EventType: eventType,
			})
			require.NoError(rt, err)

			perThread[threadID] = append(
				perThread[threadID], eventType,
			)
		}

		for threadID, want := range perThread {
			events, err := mock.ListEventsByThread(
				ctx, owner.ID, threadID,
			)
			require.NoError(rt, err)

			got := make([]string, len(events))
			for i, e := range events {
				got[i] = e.EventType
			}
			require.Equal(rt, want, got)
		}
	})
}
