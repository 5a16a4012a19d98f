// Package scheduler runs the periodic background loops: fallback sync when
// no push notification arrived, a daily forced full sync, mailbox watch
// renewal, and queue retention cleanup. Each tick only enqueues jobs or
// performs bounded maintenance; the heavy lifting happens in the worker
// pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inboxd/inboxd/internal/mailbox"
	"github.com/inboxd/inboxd/internal/queue"
	"github.com/inboxd/inboxd/internal/store"
	"github.com/robfig/cron/v3"
)

const (
	// DefaultFallbackSyncEvery is how often owners are synced when no
	// push notification triggered a sync in the meantime.
	DefaultFallbackSyncEvery = 15 * time.Minute

	// DefaultFullSyncEvery is how often a forced full sync runs to
	// catch anything incremental sync missed.
	DefaultFullSyncEvery = 24 * time.Hour

	// DefaultMaintenanceEvery is how often watch renewal and queue
	// cleanup run.
	DefaultMaintenanceEvery = 24 * time.Hour

	// watchRenewalWindow renews a mailbox watch once it is within this
	// much of expiring.
	watchRenewalWindow = 24 * time.Hour
)

// Config tunes the schedule intervals.
type Config struct {
	FallbackSyncEvery time.Duration
	FullSyncEvery     time.Duration
	MaintenanceEvery  time.Duration
}

// DefaultConfig returns the stock schedule.
func DefaultConfig() Config {
	return Config{
		FallbackSyncEvery: DefaultFallbackSyncEvery,
		FullSyncEvery:     DefaultFullSyncEvery,
		MaintenanceEvery:  DefaultMaintenanceEvery,
	}
}

// Scheduler owns the cron instance driving the periodic loops.
type Scheduler struct {
	store   store.Storage
	queue   *queue.QueueStore
	clients mailbox.Factory
	cfg     Config
	log     *slog.Logger

	cron *cron.Cron
}

// New creates a scheduler. Start registers and starts the schedules.
func New(storage store.Storage, queueStore *queue.QueueStore,
	clients mailbox.Factory, cfg Config, log *slog.Logger) *Scheduler {

	return &Scheduler{
		store:   storage,
		queue:   queueStore,
		clients: clients,
		cfg:     cfg,
		log:     log,
		cron:    cron.New(),
	}
}

// Start registers the schedules and starts the cron loop.
func (s *Scheduler) Start() error {
	schedules := []struct {
		every time.Duration
		run   func(context.Context)
	}{
		{s.cfg.FallbackSyncEvery, s.enqueueSyncs(false)},
		{s.cfg.FullSyncEvery, s.enqueueSyncs(true)},
		{s.cfg.MaintenanceEvery, s.renewWatches},
		{s.cfg.MaintenanceEvery, s.cleanupQueue},
	}

	for _, schedule := range schedules {
		run := schedule.run
		spec := fmt.Sprintf("@every %s", schedule.every)

		_, err := s.cron.AddFunc(spec, func() {
			run(context.Background())
		})
		if err != nil {
			return fmt.Errorf("failed to register schedule "+
				"%q: %w", spec, err)
		}
	}

	s.cron.Start()

	s.log.Info("Scheduler started",
		"fallback_sync_every", s.cfg.FallbackSyncEvery,
		"full_sync_every", s.cfg.FullSyncEvery,
		"maintenance_every", s.cfg.MaintenanceEvery)

	return nil
}

// Stop stops the cron loop and waits for running ticks to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("Scheduler stopped")
}

// enqueueSyncs returns a tick function queueing one sync job per active
// owner, skipping owners that already have sync work in flight.
func (s *Scheduler) enqueueSyncs(forceFull bool) func(context.Context) {
	return func(ctx context.Context) {
		owners, err := s.store.ListActiveOwners(ctx)
		if err != nil {
			s.log.ErrorContext(ctx, "Failed to list owners for "+
				"scheduled sync", "err", err)
			return
		}

		for _, owner := range owners {
			err := s.EnqueueSync(ctx, owner.ID, forceFull)
			if err != nil {
				s.log.ErrorContext(ctx, "Failed to enqueue "+
					"scheduled sync",
					"owner_id", owner.ID, "err", err)
			}
		}
	}
}

// EnqueueSync queues a sync job for the owner unless one is already
// pending or running.
func (s *Scheduler) EnqueueSync(ctx context.Context, ownerID int64,
	forceFull bool) error {

	pending, err := s.queue.HasPendingType(ctx, ownerID, queue.JobSync)
	if err != nil {
		return err
	}
	if pending {
		return nil
	}

	_, err = s.queue.Enqueue(ctx, queue.EnqueueParams{
		OwnerID: ownerID,
		Type:    queue.JobSync,
		Payload: &queue.SyncPayload{ForceFull: forceFull},
	})
	return err
}

// renewWatches re-registers the mailbox push channel for owners whose
// watch is missing or about to expire.
func (s *Scheduler) renewWatches(ctx context.Context) {
	owners, err := s.store.ListActiveOwners(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to list owners for watch "+
			"renewal", "err", err)
		return
	}

	for _, owner := range owners {
		if err := s.RenewWatch(ctx, owner.ID); err != nil {
			s.log.ErrorContext(ctx, "Failed to renew mailbox "+
				"watch", "owner_id", owner.ID, "err", err)
		}
	}
}

// RenewWatch re-registers the push channel for one owner when the stored
// expiration is missing or inside the renewal window.
func (s *Scheduler) RenewWatch(ctx context.Context, ownerID int64) error {
	state, err := s.store.GetSyncState(ctx, ownerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if state.WatchExpiration != nil {
		remaining := time.Until(*state.WatchExpiration)
		if remaining > watchRenewalWindow {
			return nil
		}
	}

	client, err := s.clients.ForOwner(ctx, ownerID)
	if err != nil {
		return err
	}

	result, err := client.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch registration failed: %w", err)
	}

	err = s.store.UpsertWatchExpiration(ctx, ownerID, result.Expiration)
	if err != nil {
		return err
	}

	s.log.InfoContext(ctx, "Mailbox watch renewed",
		"owner_id", ownerID, "expires", result.Expiration)

	return nil
}

// cleanupQueue deletes completed and failed jobs past retention.
func (s *Scheduler) cleanupQueue(ctx context.Context) {
	deleted, err := s.queue.CleanupOld(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "Queue cleanup failed", "err", err)
		return
	}

	if deleted > 0 {
		s.log.InfoContext(ctx, "Queue cleanup complete",
			"jobs_deleted", deleted)
	}
}
