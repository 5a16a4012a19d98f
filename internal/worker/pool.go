// Package worker runs the polling worker pool that drains the durable job
// queue. Workers claim jobs one at a time, dispatch them to the registered
// handler for the job type, and settle the outcome: complete, retry with
// backoff, or fail once the attempt budget is spent.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/inboxd/inboxd/internal/queue"
)

// DefaultPollInterval is how often an idle worker checks for new jobs.
const DefaultPollInterval = time.Second

// HandlerFunc processes one claimed job. A nil return completes the job; an
// error sends it through the retry policy.
type HandlerFunc func(ctx context.Context, job queue.Job) error

// Registry maps job types to their handlers. Registration happens at wiring
// time, before the pool starts; lookups afterwards are read-only.
type Registry struct {
	handlers map[queue.JobType]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[queue.JobType]HandlerFunc),
	}
}

// Register binds a handler to a job type, replacing any previous binding.
func (r *Registry) Register(jobType queue.JobType, fn HandlerFunc) {
	r.handlers[jobType] = fn
}

// Handler looks up the handler for a job type.
func (r *Registry) Handler(jobType queue.JobType) (HandlerFunc, bool) {
	fn, ok := r.handlers[jobType]
	return fn, ok
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	// NumWorkers is the number of concurrent worker goroutines.
	NumWorkers int

	// PollInterval is how often an idle worker polls the queue.
	PollInterval time.Duration
}

// Pool is a fixed-size set of worker goroutines polling the job queue.
type Pool struct {
	queue    *queue.QueueStore
	registry *Registry
	cfg      PoolConfig
	log      *slog.Logger

	wg   sync.WaitGroup
	quit chan struct{}

	cancel context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPool creates a worker pool.
func NewPool(queueStore *queue.QueueStore, registry *Registry,
	cfg PoolConfig, log *slog.Logger) *Pool {

	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	return &Pool{
		queue:    queueStore,
		registry: registry,
		cfg:      cfg,
		log:      log,
		quit:     make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel

		p.log.Info("Starting worker pool",
			"num_workers", p.cfg.NumWorkers,
			"poll_interval", p.cfg.PollInterval)

		for i := 0; i < p.cfg.NumWorkers; i++ {
			p.wg.Add(1)
			go p.workerLoop(ctx, i)
		}
	})
}

// Stop signals the workers and waits for in-flight jobs to settle.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()

		p.log.Info("Worker pool stopped")
	})
}

// workerLoop polls for jobs until the pool stops. After each claimed job
// the worker immediately claims again, so a backlog drains at full speed
// and the poll interval only governs idle wakeups.
func (p *Pool) workerLoop(ctx context.Context, id int) {
	defer p.wg.Done()

	log := p.log.With("worker_id", id)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for p.claimAndRun(ctx, log) {
			select {
			case <-p.quit:
				return
			default:
			}
		}

		select {
		case <-p.quit:
			return
		case <-ticker.C:
		}
	}
}

// claimAndRun claims at most one job and settles it. Returns true when a
// job was claimed, signalling the caller to poll again immediately.
func (p *Pool) claimAndRun(ctx context.Context, log *slog.Logger) bool {
	claimed, err := p.queue.Claim(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("Failed to claim job", "err", err)
		}
		return false
	}
	if claimed.IsNone() {
		return false
	}

	job := claimed.UnwrapOr(queue.Job{})
	p.runJob(ctx, log, job)

	return true
}

// runJob dispatches one claimed job and records the outcome.
func (p *Pool) runJob(ctx context.Context, log *slog.Logger,
	job queue.Job) {

	log = log.With("job_id", job.ID, "job_type", job.Type)

	// Outcomes are recorded even when shutdown cancels the handler
	// context mid-job, otherwise the job would replay as a zombie
	// running row.
	settleCtx := context.WithoutCancel(ctx)

	handler, ok := p.registry.Handler(job.Type)
	if !ok {
		// No retry can fix an unknown type.
		log.Error("No handler registered for job type")
		p.settle(settleCtx, log, job, fmt.Errorf(
			"no handler registered for job type %q", job.Type,
		), false)
		return
	}

	start := time.Now()
	err := p.dispatch(ctx, handler, job)
	if err == nil {
		if cerr := p.queue.Complete(settleCtx, job.ID); cerr != nil {
			log.Error("Failed to complete job", "err", cerr)
		}
		log.Debug("Job completed", "elapsed", time.Since(start))
		return
	}

	p.settle(settleCtx, log, job, err, true)
}

// dispatch runs the handler, converting panics into errors so one bad job
// cannot take a worker down.
func (p *Pool) dispatch(ctx context.Context, handler HandlerFunc,
	job queue.Job) (err error) {

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r,
				debug.Stack())
		}
	}()

	return handler(ctx, job)
}

// settle records a failed attempt: retry with backoff while the budget
// lasts, otherwise mark the job failed. With retryable=false the job fails
// immediately regardless of remaining attempts.
func (p *Pool) settle(ctx context.Context, log *slog.Logger, job queue.Job,
	jobErr error, retryable bool) {

	if retryable && job.Attempts+1 < job.MaxAttempts {
		log.Warn("Job failed, scheduling retry",
			"attempt", job.Attempts+1,
			"max_attempts", job.MaxAttempts,
			"err", jobErr)

		err := p.queue.Retry(ctx, job.ID, jobErr.Error())
		if err != nil {
			log.Error("Failed to schedule retry", "err", err)
		}
		return
	}

	log.Error("Job failed permanently",
		"attempts", job.Attempts+1, "err", jobErr)

	if err := p.queue.Fail(ctx, job.ID, jobErr.Error()); err != nil {
		log.Error("Failed to mark job failed", "err", err)
	}
}
