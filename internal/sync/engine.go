// Package sync turns mailbox change history into triage jobs. The engine
// walks history records since the stored watermark, maps the changes it
// recognizes onto queue jobs, and advances the watermark only after every
// job is enqueued. A watermark the provider refuses to replay falls back to
// a bounded full sync.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inboxd/inboxd/internal/mailbox"
	"github.com/inboxd/inboxd/internal/queue"
	"github.com/inboxd/inboxd/internal/store"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultWindowDays bounds how far back a full sync searches.
	DefaultWindowDays = 10

	// DefaultMaxFullSyncThreads caps the threads one full sync pass will
	// enqueue for classification.
	DefaultMaxFullSyncThreads = 50

	// DefaultHistoryPageSize is the history page size requested from the
	// provider.
	DefaultHistoryPageSize = 100
)

// Config tunes the sync engine.
type Config struct {
	// WindowDays is the full-sync lookback window.
	WindowDays int

	// MaxFullSyncThreads caps the threads enqueued per full sync pass.
	MaxFullSyncThreads int

	// HistoryPageSize is the history page size per ListHistory call.
	HistoryPageSize int
}

// DefaultConfig returns the stock engine tuning.
func DefaultConfig() Config {
	return Config{
		WindowDays:         DefaultWindowDays,
		MaxFullSyncThreads: DefaultMaxFullSyncThreads,
		HistoryPageSize:    DefaultHistoryPageSize,
	}
}

// AgentRule routes new messages from matching senders to an agent job
// instead of the classifier.
type AgentRule struct {
	// Name identifies the rule in job payloads and the audit trail.
	Name string

	// SenderContains matches case-insensitively against the message
	// From header.
	SenderContains string
}

// matches reports whether the rule applies to the message sender.
func (r AgentRule) matches(sender string) bool {
	return r.SenderContains != "" && strings.Contains(
		strings.ToLower(sender), strings.ToLower(r.SenderContains),
	)
}

// Result summarizes one sync pass.
type Result struct {
	// FullSync is true when the pass ran (or fell back to) a full sync.
	FullSync bool

	// NewMessages counts inbox arrivals seen in history.
	NewMessages int

	// LabelChanges counts recognized operator label transitions.
	LabelChanges int

	// Deletions counts message deletions seen in history.
	Deletions int

	// JobsQueued counts jobs actually enqueued (after dedup).
	JobsQueued int

	// Errors holds per-record failures that did not abort the pass.
	Errors []error
}

// Engine drives mailbox synchronization for owners.
type Engine struct {
	store   store.Storage
	queue   *queue.QueueStore
	clients mailbox.Factory
	rules   []AgentRule
	cfg     Config
	log     *slog.Logger
}

// NewEngine creates a sync engine.
func NewEngine(storage store.Storage, queueStore *queue.QueueStore,
	clients mailbox.Factory, rules []AgentRule, cfg Config,
	log *slog.Logger) *Engine {

	return &Engine{
		store:   storage,
		queue:   queueStore,
		clients: clients,
		rules:   rules,
		cfg:     cfg,
		log:     log,
	}
}

// jobKey dedupes jobs within one sync pass: at most one job per (type,
// thread). The dedup is advisory; a crash between enqueue and watermark
// persist replays the window, and handlers tolerate the duplicates.
type jobKey struct {
	jobType  queue.JobType
	threadID string
}

// syncPass carries the mutable state of one SyncOwner invocation.
type syncPass struct {
	ownerID int64
	client  mailbox.Client
	seen    fn.Set[jobKey]
	deleted fn.Set[string]
	result  Result
}

// SyncOwner synchronizes one owner's mailbox. With forceFull, or when no
// usable watermark exists, it runs a full sync; otherwise it consumes
// history since the watermark and falls back to a full sync when the
// provider reports the watermark expired.
//
// The watermark is persisted last. A crash before that point replays the
// same window on the next run, which is safe because job enqueueing is
// deduped against pending work and the handlers are idempotent.
func (e *Engine) SyncOwner(ctx context.Context, ownerID int64,
	forceFull bool) (*Result, error) {

	client, err := e.clients.ForOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mailbox client "+
			"for owner %d: %w", ownerID, err)
	}

	pass := &syncPass{
		ownerID: ownerID,
		client:  client,
		seen:    fn.NewSet[jobKey](),
		deleted: fn.NewSet[string](),
	}

	state, err := e.store.GetSyncState(ctx, ownerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if forceFull || errors.Is(err, store.ErrNotFound) ||
		state.NeverSynced() {

		return e.fullSync(ctx, pass)
	}

	page, err := client.ListHistory(
		ctx, state.LastHistoryID, e.cfg.HistoryPageSize,
	)
	if errors.Is(err, mailbox.ErrHistoryExpired) {
		// The provider aged our checkpoint out. This is the expected
		// recovery path, not a failure.
		e.log.InfoContext(ctx, "History watermark expired, falling "+
			"back to full sync",
			"owner_id", ownerID,
			"watermark", state.LastHistoryID)

		return e.fullSync(ctx, pass)
	}
	if err != nil {
		// Transient provider error: abort without touching the
		// watermark so the next scheduled run retries the window.
		return nil, fmt.Errorf("failed to list history for owner "+
			"%d: %w", ownerID, err)
	}

	mapping, err := e.store.GetLabelMapping(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	keysByID := invertMapping(mapping)

	for _, record := range page.Records {
		e.processRecord(ctx, pass, record, keysByID)
	}

	// Watermark last: everything above has been enqueued by now.
	if page.HistoryID != "" && page.HistoryID != state.LastHistoryID {
		err := e.store.UpsertSyncState(ctx, ownerID, page.HistoryID)
		if err != nil {
			return nil, fmt.Errorf("failed to persist watermark "+
				"for owner %d: %w", ownerID, err)
		}
	}

	e.log.InfoContext(ctx, "Incremental sync complete",
		"owner_id", ownerID,
		"records", len(page.Records),
		"jobs_queued", pass.result.JobsQueued,
		"errors", len(pass.result.Errors))

	return &pass.result, nil
}

// processRecord maps one history record onto queue jobs. Individual
// failures are collected on the pass, not returned: one bad record must not
// stall the rest of the window.
func (e *Engine) processRecord(ctx context.Context, pass *syncPass,
	record mailbox.HistoryRecord, keysByID map[string]string) {

	for _, msg := range record.MessagesAdded {
		if !msg.HasLabel(mailbox.LabelInbox) {
			continue
		}
		pass.result.NewMessages++

		e.enqueueForMessage(ctx, pass, msg)
	}

	for _, change := range record.LabelsAdded {
		for _, labelID := range change.LabelIDs {
			key, ok := keysByID[labelID]
			if !ok {
				// System-label churn outside our mapping is
				// noise.
				continue
			}
			pass.result.LabelChanges++

			e.enqueueForLabel(ctx, pass, change.Message, key)
		}
	}

	for _, ref := range record.MessagesDeleted {
		if pass.deleted.Contains(ref.ID) {
			continue
		}
		pass.deleted.Add(ref.ID)
		pass.result.Deletions++

		e.enqueue(ctx, pass, queue.JobCleanup, ref.ThreadID,
			&queue.CleanupPayload{
				ThreadID: ref.ThreadID,
				Action:   queue.CleanupActionCheckSent,
			})
	}
}

// enqueueForMessage queues triage work for a new inbox message: an agent
// job when a rule claims the sender, a classify job otherwise.
func (e *Engine) enqueueForMessage(ctx context.Context, pass *syncPass,
	msg mailbox.Message) {

	for _, rule := range e.rules {
		if rule.matches(msg.From) {
			e.enqueue(ctx, pass, queue.JobAgentProcess,
				msg.ThreadID, &queue.AgentProcessPayload{
					ThreadID:  msg.ThreadID,
					MessageID: msg.ID,
					RuleName:  rule.Name,
				})
			return
		}
	}

	e.enqueue(ctx, pass, queue.JobClassify, msg.ThreadID,
		&queue.ClassifyPayload{
			ThreadID:  msg.ThreadID,
			MessageID: msg.ID,
		})
}

// enqueueForLabel maps an operator label addition onto its job type. Labels
// outside the recognized transitions are ignored.
func (e *Engine) enqueueForLabel(ctx context.Context, pass *syncPass,
	msg mailbox.Message, labelKey string) {

	switch labelKey {
	case store.LabelKeyDone:
		e.enqueue(ctx, pass, queue.JobCleanup, msg.ThreadID,
			&queue.CleanupPayload{
				ThreadID: msg.ThreadID,
				Action:   queue.CleanupActionDone,
			})

	case store.LabelKeyRework:
		e.enqueue(ctx, pass, queue.JobRework, msg.ThreadID,
			&queue.ReworkPayload{
				ThreadID:  msg.ThreadID,
				MessageID: msg.ID,
			})

	case store.LabelKeyNeedsResponse:
		e.enqueue(ctx, pass, queue.JobManualDraft, msg.ThreadID,
			&queue.ManualDraftPayload{
				ThreadID:  msg.ThreadID,
				MessageID: msg.ID,
			})
	}
}

// enqueue queues one job for the pass, deduped within the pass and against
// work already pending for the thread.
func (e *Engine) enqueue(ctx context.Context, pass *syncPass,
	jobType queue.JobType, threadID string, payload any) {

	key := jobKey{jobType: jobType, threadID: threadID}
	if pass.seen.Contains(key) {
		return
	}
	pass.seen.Add(key)

	pending, err := e.queue.HasPending(
		ctx, pass.ownerID, jobType, threadID,
	)
	if err != nil {
		pass.result.Errors = append(pass.result.Errors, err)
		return
	}
	if pending {
		return
	}

	_, err = e.queue.Enqueue(ctx, queue.EnqueueParams{
		OwnerID:  pass.ownerID,
		Type:     jobType,
		Payload:  payload,
		ThreadID: fn.Some(threadID),
	})
	if err != nil {
		pass.result.Errors = append(pass.result.Errors,
			fmt.Errorf("failed to enqueue %s for thread %s: %w",
				jobType, threadID, err))
		return
	}

	pass.result.JobsQueued++
}

// fullSync rebuilds the triage backlog from a bounded inbox search and
// resets the watermark to the mailbox's current position. Threads already
// tracked or already queued for classification are skipped.
func (e *Engine) fullSync(ctx context.Context,
	pass *syncPass) (*Result, error) {

	pass.result.FullSync = true

	names, err := e.store.GetLabelNames(ctx, pass.ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load label names for owner "+
			"%d: %w", pass.ownerID, err)
	}

	refs, err := pass.client.Search(
		ctx, e.fullSyncQuery(names), e.cfg.MaxFullSyncThreads,
	)
	if err != nil {
		return nil, fmt.Errorf("full sync search failed for owner "+
			"%d: %w", pass.ownerID, err)
	}

	threads := fn.NewSet[string]()
	for _, ref := range refs {
		if threads.Contains(ref.ThreadID) {
			continue
		}
		if len(threads) >= e.cfg.MaxFullSyncThreads {
			break
		}
		threads.Add(ref.ThreadID)
		pass.result.NewMessages++

		_, err := e.store.GetEmailByThread(
			ctx, pass.ownerID, ref.ThreadID,
		)
		if err == nil {
			// Already tracked.
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			pass.result.Errors = append(pass.result.Errors, err)
			continue
		}

		e.enqueue(ctx, pass, queue.JobClassify, ref.ThreadID,
			&queue.ClassifyPayload{
				ThreadID:  ref.ThreadID,
				MessageID: ref.ID,
			})
	}

	// The search result IS the current state: the watermark jumps to
	// the mailbox's present position, skipping the unreplayable gap.
	profile, err := pass.client.GetProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile for owner "+
			"%d: %w", pass.ownerID, err)
	}

	err = e.store.UpsertSyncState(ctx, pass.ownerID, profile.HistoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to persist watermark for "+
			"owner %d: %w", pass.ownerID, err)
	}

	e.log.InfoContext(ctx, "Full sync complete",
		"owner_id", pass.ownerID,
		"threads", len(threads),
		"jobs_queued", pass.result.JobsQueued,
		"watermark", profile.HistoryID)

	return &pass.result, nil
}

// fullSyncQuery builds the provider search for untriaged recent inbox
// threads: anything already carrying an automation label has been seen.
// Label terms use the provider display names, quoted, since the search
// grammar knows nothing about label ids or our symbolic keys. Keys with no
// stored display name are skipped rather than guessed at.
func (e *Engine) fullSyncQuery(names map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "in:inbox newer_than:%dd", e.cfg.WindowDays)

	for _, key := range []string{
		store.LabelKeyNeedsResponse, store.LabelKeyOutbox,
		store.LabelKeyRework, store.LabelKeyDone,
		store.LabelKeyWaiting, store.LabelKeyActionRequired,
	} {
		if name := names[key]; name != "" {
			fmt.Fprintf(&b, " -label:%q", name)
		}
	}

	b.WriteString(" -in:trash -in:spam")
	return b.String()
}

// invertMapping flips a key→id label mapping into id→key.
func invertMapping(mapping map[string]string) map[string]string {
	byID := make(map[string]string, len(mapping))
	for key, id := range mapping {
		byID[id] = key
	}
	return byID
}
