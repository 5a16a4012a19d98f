package queue

import (
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// JobType defines the kind of work a queued job represents.
type JobType string

const (
	// JobSync runs a sync pass for an owner.
	JobSync JobType = "sync"

	// JobClassify classifies a newly arrived thread.
	JobClassify JobType = "classify"

	// JobDraft generates a reply draft for a classified thread.
	JobDraft JobType = "draft"

	// JobRework regenerates a draft the operator rejected.
	JobRework JobType = "rework"

	// JobCleanup reacts to operator actions: archiving a done thread or
	// checking whether a draft was sent.
	JobCleanup JobType = "cleanup"

	// JobManualDraft drafts a reply from the operator's own
	// instructions.
	JobManualDraft JobType = "manual_draft"

	// JobAgentProcess hands a thread to a configured agent rule instead
	// of the normal classify path.
	JobAgentProcess JobType = "agent_process"
)

// JobStatus is the queue status of a job.
type JobStatus string

const (
	// StatusPending means the job is waiting to be claimed.
	StatusPending JobStatus = "pending"

	// StatusRunning means a worker has claimed the job.
	StatusRunning JobStatus = "running"

	// StatusCompleted means the job finished successfully. Terminal.
	StatusCompleted JobStatus = "completed"

	// StatusFailed means the job exhausted its attempts or hit a
	// permanent error. Terminal.
	StatusFailed JobStatus = "failed"
)

// Job is the domain type for one queued unit of work.
type Job struct {
	ID          int64
	OwnerID     int64
	Type        JobType
	PayloadJSON string

	// ThreadID is set for thread-scoped jobs and drives the advisory
	// dedup check.
	ThreadID fn.Option[string]

	Status      JobStatus
	Attempts    int
	MaxAttempts int
	LastError   fn.Option[string]

	// NotBefore delays the next claim of a retried job.
	NotBefore fn.Option[time.Time]

	CreatedAt  time.Time
	StartedAt  fn.Option[time.Time]
	FinishedAt fn.Option[time.Time]
}

// QueueStats holds aggregate counts for queued jobs.
type QueueStats struct {
	PendingCount   int64
	RunningCount   int64
	CompletedCount int64
	FailedCount    int64
	OldestPending  fn.Option[time.Time]
}

// QueueConfig holds configuration for the durable job queue.
type QueueConfig struct {
	// MaxPending is the maximum number of pending jobs allowed per
	// owner.
	MaxPending int

	// DefaultMaxAttempts is the attempt budget given to new jobs.
	DefaultMaxAttempts int

	// RetryBaseDelay is the backoff applied to the first retry. Each
	// further retry doubles it.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the retry backoff.
	RetryMaxDelay time.Duration

	// Retention is how long completed and failed jobs are kept before
	// cleanup deletes them.
	Retention time.Duration
}

// DefaultQueueConfig returns sensible defaults for the queue.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxPending:         500,
		DefaultMaxAttempts: 3,
		RetryBaseDelay:     30 * time.Second,
		RetryMaxDelay:      10 * time.Minute,
		Retention:          30 * 24 * time.Hour,
	}
}

// RetryDelay returns the backoff to apply before the given retry attempt is
// claimable again. The first retry waits RetryBaseDelay, doubling for each
// attempt after that, capped at RetryMaxDelay.
func (c QueueConfig) RetryDelay(attempts int) time.Duration {
	delay := c.RetryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= c.RetryMaxDelay {
			return c.RetryMaxDelay
		}
	}
	if delay > c.RetryMaxDelay {
		delay = c.RetryMaxDelay
	}

	return delay
}

var (
	// ErrQueueFull is returned when an owner has reached the maximum
	// pending job capacity.
	ErrQueueFull = errors.New("queue is full")

	// ErrJobNotRunning is returned when Complete, Retry or Fail target a
	// job that is not currently running. Terminal statuses never change.
	ErrJobNotRunning = errors.New("job is not running")
)
