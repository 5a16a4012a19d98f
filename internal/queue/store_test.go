package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/inboxd/inboxd/internal/db"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// newTestQueueStore creates a QueueStore on a fresh temp database with one
// registered owner, returning both.
func newTestQueueStore(t *testing.T, cfg QueueConfig) (*QueueStore, int64) {
	t.Helper()

	sqliteStore, err := db.NewTestSqliteStore(t.TempDir(), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, sqliteStore.Close())
	})

	res, err := sqliteStore.DB().Exec(
		"INSERT INTO owners (email) VALUES (?)", "op@example.com",
	)
	require.NoError(t, err)
	ownerID, err := res.LastInsertId()
	require.NoError(t, err)

	return NewQueueStore(sqliteStore.Store, cfg), ownerID
}

// enqueueClassify enqueues a classify job for the given thread.
func enqueueClassify(t require.TestingT, q *QueueStore, ownerID int64,
	threadID string) Job {

	job, err := q.Enqueue(context.Background(), EnqueueParams{
		OwnerID: ownerID,
		Type:    JobClassify,
		Payload: &ClassifyPayload{
			ThreadID:  threadID,
			MessageID: "msg-" + threadID,
		},
		ThreadID: fn.Some(threadID),
	})
	require.NoError(t, err)

	return job
}

func TestEnqueueAndClaimFIFO(t *testing.T) {
	q, ownerID := newTestQueueStore(t, DefaultQueueConfig())
	ctx := context.Background()

	var enqueued []int64
	for i := 0; i < 5; i++ {
		job := enqueueClassify(
			t, q, ownerID, fmt.Sprintf("thread-%d", i),
		)
		require.Equal(t, StatusPending, job.Status)
		require.Equal(t, 0, job.Attempts)
		enqueued = append(enqueued, job.ID)
	}

	// Claims must come back in enqueue order.
	for _, wantID := range enqueued {
		claimed, err := q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, claimed.IsSome())

		job := claimed.UnwrapOr(Job{})
		require.Equal(t, wantID, job.ID)
		require.Equal(t, StatusRunning, job.Status)
		require.True(t, job.StartedAt.IsSome())

		// Claiming must not consume an attempt.
		require.Equal(t, 0, job.Attempts)
	}

	// Queue drained.
	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, claimed.IsNone())
}

func TestClaimPayloadRoundTrip(t *testing.T) {
	q, ownerID := newTestQueueStore(t, DefaultQueueConfig())
	ctx := context.Background()

	enqueueClassify(t, q, ownerID, "thread-7")

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, claimed.IsSome())

	job := claimed.UnwrapOr(Job{})
	payload, err := UnmarshalPayload(job.Type, job.PayloadJSON)
	require.NoError(t, err)

	classify, ok := payload.(*ClassifyPayload)
	require.True(t, ok)
	require.Equal(t, "thread-7", classify.ThreadID)
	require.Equal(t, "msg-thread-7", classify.MessageID)
}

func TestCompleteIsTerminal(t *testing.T) {
	q, ownerID := newTestQueueStore(t, DefaultQueueConfig())
	ctx := context.Background()

	enqueueClassify(t, q, ownerID, "thread-1")

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	job := claimed.UnwrapOr(Job{})

	require.NoError(t, q.Complete(ctx, job.ID))

	// Terminal statuses never change.
	require.ErrorIs(t, q.Complete(ctx, job.ID), ErrJobNotRunning)
	require.ErrorIs(t, q.Retry(ctx, job.ID, "nope"), ErrJobNotRunning)
	require.ErrorIs(t, q.Fail(ctx, job.ID, "nope"), ErrJobNotRunning)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.True(t, got.FinishedAt.IsSome())
}

func TestRetryIncrementsAttemptsAndBacksOff(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.RetryBaseDelay = time.Hour
	q, ownerID := newTestQueueStore(t, cfg)
	ctx := context.Background()

	enqueueClassify(t, q, ownerID, "thread-1")

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	job := claimed.UnwrapOr(Job{})

	require.NoError(t, q.Retry(ctx, job.ID, "transient failure"))

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, "transient failure", got.LastError.UnwrapOr(""))
	require.True(t, got.NotBefore.IsSome())

	// The backoff keeps the job unclaimable for now.
	claimed, err = q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, claimed.IsNone())
}

func TestRetriedJobClaimableAfterBackoff(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.RetryBaseDelay = 0
	q, ownerID := newTestQueueStore(t, cfg)
	ctx := context.Background()

	enqueueClassify(t, q, ownerID, "thread-1")

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	job := claimed.UnwrapOr(Job{})

	require.NoError(t, q.Retry(ctx, job.ID, "transient failure"))

	// With a zero backoff the job is immediately claimable again.
	claimed, err = q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, claimed.IsSome())
	require.Equal(t, job.ID, claimed.UnwrapOr(Job{}).ID)
}

func TestExhaustedJobsAreNeverClaimed(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.RetryBaseDelay = 0
	q, ownerID := newTestQueueStore(t, cfg)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, EnqueueParams{
		OwnerID:     ownerID,
		Type:        JobClassify,
		MaxAttempts: 2,
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		claimed, err := q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, claimed.IsSome())
		require.NoError(t, q.Retry(ctx, job.ID, "still failing"))
	}

	// attempts == max_attempts: the claim query must skip the job.
	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, claimed.IsNone())

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.Attempts)
	require.Equal(t, StatusPending, got.Status)
}

func TestMaxPending(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.MaxPending = 3
	q, ownerID := newTestQueueStore(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		enqueueClassify(t, q, ownerID, fmt.Sprintf("thread-%d", i))
	}

	_, err := q.Enqueue(ctx, EnqueueParams{
		OwnerID: ownerID,
		Type:    JobClassify,
	})
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestHasPending(t *testing.T) {
	q, ownerID := newTestQueueStore(t, DefaultQueueConfig())
	ctx := context.Background()

	has, err := q.HasPending(ctx, ownerID, JobClassify, "thread-1")
	require.NoError(t, err)
	require.False(t, has)

	job := enqueueClassify(t, q, ownerID, "thread-1")

	has, err = q.HasPending(ctx, ownerID, JobClassify, "thread-1")
	require.NoError(t, err)
	require.True(t, has)

	// A different type or thread does not match.
	has, err = q.HasPending(ctx, ownerID, JobDraft, "thread-1")
	require.NoError(t, err)
	require.False(t, has)

	has, err = q.HasPending(ctx, ownerID, JobClassify, "thread-2")
	require.NoError(t, err)
	require.False(t, has)

	// A running job still counts as pending work for the thread.
	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, claimed.IsSome())

	has, err = q.HasPending(ctx, ownerID, JobClassify, "thread-1")
	require.NoError(t, err)
	require.True(t, has)

	// A completed job no longer counts.
	require.NoError(t, q.Complete(ctx, job.ID))

	has, err = q.HasPending(ctx, ownerID, JobClassify, "thread-1")
	require.NoError(t, err)
	require.False(t, has)
}

func TestHasPendingType(t *testing.T) {
	q, ownerID := newTestQueueStore(t, DefaultQueueConfig())
	ctx := context.Background()

	has, err := q.HasPendingType(ctx, ownerID, JobSync)
	require.NoError(t, err)
	require.False(t, has)

	// Thread-less jobs are invisible to the per-thread check but not
	// to the type-level one.
	_, err = q.Enqueue(ctx, EnqueueParams{
		OwnerID: ownerID,
		Type:    JobSync,
		Payload: &SyncPayload{},
	})
	require.NoError(t, err)

	has, err = q.HasPendingType(ctx, ownerID, JobSync)
	require.NoError(t, err)
	require.True(t, has)

	has, err = q.HasPending(ctx, ownerID, JobSync, "")
	require.NoError(t, err)
	require.False(t, has)

	has, err = q.HasPendingType(ctx, ownerID, JobClassify)
	require.NoError(t, err)
	require.False(t, has)
}

func TestCleanupOld(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.Retention = 0
	q, ownerID := newTestQueueStore(t, cfg)
	ctx := context.Background()

	done := enqueueClassify(t, q, ownerID, "thread-1")
	kept := enqueueClassify(t, q, ownerID, "thread-2")

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, done.ID, claimed.UnwrapOr(Job{}).ID)
	require.NoError(t, q.Complete(ctx, done.ID))

	// Zero retention: every terminal job is past the cutoff, pending
	// jobs untouched.
	removed, err := q.CleanupOld(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	_, err = q.GetJob(ctx, kept.ID)
	require.NoError(t, err)
}

func TestStats(t *testing.T) {
	q, ownerID := newTestQueueStore(t, DefaultQueueConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		enqueueClassify(t, q, ownerID, fmt.Sprintf("thread-%d", i))
	}

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, claimed.UnwrapOr(Job{}).ID))

	claimed, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, claimed.UnwrapOr(Job{}).ID, "boom"))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.PendingCount)
	require.Equal(t, int64(0), stats.RunningCount)
	require.Equal(t, int64(1), stats.CompletedCount)
	require.Equal(t, int64(1), stats.FailedCount)
	require.True(t, stats.OldestPending.IsSome())
}

func TestConcurrentClaimExclusivity(t *testing.T) {
	q, ownerID := newTestQueueStore(t, DefaultQueueConfig())
	ctx := context.Background()

	const numJobs = 20
	for i := 0; i < numJobs; i++ {
		enqueueClassify(t, q, ownerID, fmt.Sprintf("thread-%d", i))
	}

	// Hammer the queue from several goroutines and verify every job is
	// claimed exactly once.
	var (
		mu      sync.Mutex
		claimed = make(map[int64]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				opt, err := q.Claim(ctx)
				require.NoError(t, err)
				if opt.IsNone() {
					return
				}

				job := opt.UnwrapOr(Job{})
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()

				require.NoError(t, q.Complete(ctx, job.ID))
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, numJobs)
	for id, count := range claimed {
		require.Equal(t, 1, count, "job %d claimed %d times", id,
			count)
	}
}

// TestFIFOOrderingProperty verifies that jobs are always claimed in
// enqueue order, whatever mix of types is queued.
//
// PROPERTY: Claim returns pending jobs in ascending id order.
func TestFIFOOrderingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		q, ownerID := newTestQueueStore(t, DefaultQueueConfig())
		ctx := context.Background()

		numJobs := rapid.IntRange(1, 15).Draw(rt, "num_jobs")

		var want []int64
		for i := 0; i < numJobs; i++ {
			jobType := rapid.SampledFrom([]JobType{
				JobSync, JobClassify, JobDraft, JobCleanup,
			}).Draw(rt, "job_type")

			job, err := q.Enqueue(ctx, EnqueueParams{
				OwnerID: ownerID,
				Type:    jobType,
			})
			require.NoError(rt, err)
			want = append(want, job.ID)
		}

		var got []int64
		for {
			opt, err := q.Claim(ctx)
			require.NoError(rt, err)
			if opt.IsNone() {
				break
			}

			job := opt.UnwrapOr(Job{})
			got = append(got, job.ID)
			require.NoError(rt, q.Complete(ctx, job.ID))
		}

		require.Equal(rt, want, got)
	})
}

// TestAttemptsEqualRetriesProperty verifies that the attempt counter moves
// only on Retry.
//
// PROPERTY: after any interleaving of claims and retries, attempts equals
// exactly the number of Retry calls.
func TestAttemptsEqualRetriesProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := DefaultQueueConfig()
		cfg.RetryBaseDelay = 0
		q, ownerID := newTestQueueStore(t, cfg)
		ctx := context.Background()

		maxAttempts := rapid.IntRange(2, 5).Draw(rt, "max_attempts")
		job, err := q.Enqueue(ctx, EnqueueParams{
			OwnerID:     ownerID,
			Type:        JobSync,
			MaxAttempts: maxAttempts,
		})
		require.NoError(rt, err)

		numRetries := rapid.IntRange(0, maxAttempts-1).
			Draw(rt, "num_retries")
		for i := 0; i < numRetries; i++ {
			opt, err := q.Claim(ctx)
			require.NoError(rt, err)
			require.True(rt, opt.IsSome())

			require.NoError(rt, q.Retry(
				ctx, job.ID, "transient",
			))
		}

		got, err := q.GetJob(ctx, job.ID)
		require.NoError(rt, err)
		require.Equal(rt, numRetries, got.Attempts)
	})
}
