package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/inboxd/inboxd/internal/mailbox"
	"github.com/inboxd/inboxd/internal/queue"
	"github.com/inboxd/inboxd/internal/store"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Manager is the imperative shell around the lifecycle state machine. It
// loads email records, runs the pure FSM, and executes the resulting outbox
// events: database writes first, inside one transaction, then mailbox
// mutations.
//
// A mailbox mutation that fails after the database commit is logged loudly
// and NOT rolled back. The database is the source of truth; labels in the
// mailbox may lag until the operator (or a later pass) touches the thread
// again.
type Manager struct {
	store   store.Storage
	queue   *queue.QueueStore
	clients mailbox.Factory
	log     *slog.Logger

	maxRework int
}

// NewManager creates a lifecycle manager.
func NewManager(storage store.Storage, queueStore *queue.QueueStore,
	clients mailbox.Factory, log *slog.Logger) *Manager {

	return &Manager{
		store:     storage,
		queue:     queueStore,
		clients:   clients,
		log:       log,
		maxRework: store.MaxReworkCount,
	}
}

// Apply runs one lifecycle event against the given email record and
// executes the resulting outbox events.
func (m *Manager) Apply(ctx context.Context, email store.Email,
	event Event) error {

	fsm, err := NewFSM(email, m.maxRework)
	if err != nil {
		return err
	}

	transition, err := fsm.ProcessEvent(event)
	if err != nil {
		return err
	}

	env := fsm.Env()

	// Split side effects: persistence happens transactionally first,
	// mailbox mutations follow, queue writes last (the queue store owns
	// its own connection handling).
	var (
		dbEvents       []OutboxEvent
		providerEvents []OutboxEvent
		reclassify     bool
	)
	for _, ev := range transition.OutboxEvents {
		switch ev.(type) {
		case SwapLabels, TrashDraft, StripAutomationLabels:
			providerEvents = append(providerEvents, ev)
		case EnqueueReclassify:
			reclassify = true
		default:
			dbEvents = append(dbEvents, ev)
		}
	}

	err = m.store.WithTx(ctx, func(ctx context.Context,
		txStore store.Storage) error {

		for _, ev := range dbEvents {
			if err := execDBEvent(ctx, txStore, env, ev); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("lifecycle transition to %s: %w",
			transition.NextState.Status(), err)
	}

	if len(providerEvents) > 0 {
		m.execProviderEvents(ctx, env, providerEvents)
	}

	if reclassify {
		if err := m.enqueueReclassify(ctx, env); err != nil {
			return err
		}
	}

	return nil
}

// ApplyByThread loads the email record for a thread and applies the event.
func (m *Manager) ApplyByThread(ctx context.Context, ownerID int64,
	threadID string, event Event) error {

	email, err := m.store.GetEmailByThread(ctx, ownerID, threadID)
	if err != nil {
		return err
	}

	return m.Apply(ctx, email, event)
}

// HandleDone archives a thread the operator marked done. Returns false when
// the thread is untracked or already archived.
func (m *Manager) HandleDone(ctx context.Context, ownerID int64,
	threadID string) (bool, error) {

	email, err := m.store.GetEmailByThread(ctx, ownerID, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if email.Status == store.StatusArchived {
		return false, nil
	}

	if err := m.Apply(ctx, email, DoneEvent{}); err != nil {
		return false, err
	}

	return true, nil
}

// HandleSentDetection checks whether the tracked draft of a thread is gone
// from the mailbox, and if so marks the email sent. Returns true when a
// send was detected.
func (m *Manager) HandleSentDetection(ctx context.Context, ownerID int64,
	threadID string) (bool, error) {

	email, err := m.store.GetEmailByThread(ctx, ownerID, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// A tracked draft can be sent from the outbox, or while a rework is
	// still owed. Either way the record must point at a draft.
	switch email.Status {
	case store.StatusDrafted, store.StatusReworkRequested:
	default:
		return false, nil
	}
	if email.DraftID == nil {
		return false, nil
	}

	client, err := m.clients.ForOwner(ctx, ownerID)
	if err != nil {
		return false, err
	}

	_, err = client.GetDraft(ctx, *email.DraftID)
	if err == nil {
		// Draft still exists: nothing was sent.
		return false, nil
	}
	if !errors.Is(err, mailbox.ErrDraftNotFound) {
		return false, fmt.Errorf("failed to check draft %s: %w",
			*email.DraftID, err)
	}

	if err := m.Apply(ctx, email, SentDetectedEvent{}); err != nil {
		return false, err
	}

	return true, nil
}

// HandleWaitingRetriage re-triages a waiting thread that received a reply.
// Returns true when the thread was woken up.
func (m *Manager) HandleWaitingRetriage(ctx context.Context, ownerID int64,
	threadID string) (bool, error) {

	email, err := m.store.GetEmailByThread(ctx, ownerID, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if email.Status != store.StatusWaiting {
		return false, nil
	}

	client, err := m.clients.ForOwner(ctx, ownerID)
	if err != nil {
		return false, err
	}

	thread, err := client.GetThread(ctx, threadID)
	if err != nil {
		return false, fmt.Errorf("failed to fetch thread %s: %w",
			threadID, err)
	}

	// Only an actual reply wakes the thread; label shuffles that touch
	// the thread without growing it do not.
	if len(thread.Messages) <= email.MessageCount {
		return false, nil
	}

	err = m.Apply(ctx, email, NewReplyEvent{
		MessageCount: len(thread.Messages),
	})
	if err != nil {
		return false, err
	}

	return true, nil
}

// execDBEvent executes one persistence outbox event inside the transition
// transaction.
func execDBEvent(ctx context.Context, txStore store.Storage,
	env *Environment, ev OutboxEvent) error {

	switch e := ev.(type) {
	case PersistStatus:
		return txStore.SetEmailStatus(
			ctx, env.OwnerID, env.ThreadID, e.Status,
		)

	case SetDraft:
		return txStore.SetEmailDraft(
			ctx, env.OwnerID, env.ThreadID, e.DraftID,
		)

	case IncrementRework:
		return txStore.IncrementReworkCount(
			ctx, env.OwnerID, env.ThreadID,
		)

	case SetReworkInstruction:
		return txStore.SetReworkInstruction(
			ctx, env.OwnerID, env.ThreadID, e.Instruction,
		)

	case SetMessageCount:
		return txStore.SetEmailMessageCount(
			ctx, env.OwnerID, env.ThreadID, e.Count,
		)

	case AppendAudit:
		_, err := txStore.AppendEvent(ctx, store.AppendEventParams{
			OwnerID:   env.OwnerID,
			ThreadID:  env.ThreadID,
			EventType: e.EventType,
			Detail:    e.Detail,
			LabelID:   e.LabelID,
			DraftID:   e.DraftID,
		})
		return err

	default:
		return fmt.Errorf("unexpected db outbox event: %T", ev)
	}
}

// execProviderEvents executes the mailbox-side outbox events. Failures are
// logged loudly and do not unwind the already-committed database writes.
func (m *Manager) execProviderEvents(ctx context.Context, env *Environment,
	events []OutboxEvent) {

	client, err := m.clients.ForOwner(ctx, env.OwnerID)
	if err != nil {
		m.log.ErrorContext(ctx,
			"Mailbox unavailable, labels now diverge from db",
			"owner_id", env.OwnerID,
			"thread_id", env.ThreadID,
			"error", err,
		)
		return
	}

	mapping, err := m.store.GetLabelMapping(ctx, env.OwnerID)
	if err != nil {
		m.log.ErrorContext(ctx,
			"Label mapping unavailable, skipping label mutations",
			"owner_id", env.OwnerID,
			"thread_id", env.ThreadID,
			"error", err,
		)
		return
	}

	for _, ev := range events {
		if err := m.execProviderEvent(
			ctx, client, mapping, env, ev,
		); err != nil {
			m.log.ErrorContext(ctx,
				"Mailbox mutation failed after commit, "+
					"labels now diverge from db",
				"owner_id", env.OwnerID,
				"thread_id", env.ThreadID,
				"event", fmt.Sprintf("%T", ev),
				"error", err,
			)
		}
	}
}

// execProviderEvent executes one mailbox-side outbox event.
func (m *Manager) execProviderEvent(ctx context.Context,
	client mailbox.Client, mapping map[string]string, env *Environment,
	ev OutboxEvent) error {

	switch e := ev.(type) {
	case SwapLabels:
		var add, remove []string
		if e.AddKey != "" {
			id, ok := mapping[e.AddKey]
			if !ok {
				return fmt.Errorf("label key %q unmapped",
					e.AddKey)
			}
			add = append(add, id)
		}
		if e.RemoveKey != "" {
			// An unmapped remove key is harmless: there is
			// nothing to take off.
			if id, ok := mapping[e.RemoveKey]; ok {
				remove = append(remove, id)
			}
		}

		if len(add) == 0 && len(remove) == 0 {
			return nil
		}

		return client.ModifyLabels(ctx, env.MessageID, add, remove)

	case TrashDraft:
		if e.DraftID == "" {
			return nil
		}

		if err := client.TrashDraft(ctx, e.DraftID); err != nil {
			return err
		}

		// Audit the removal so the thread's trail explains where the
		// old draft went.
		_, err := m.store.AppendEvent(ctx, store.AppendEventParams{
			OwnerID:   env.OwnerID,
			ThreadID:  env.ThreadID,
			EventType: "draft_trashed",
			DraftID:   e.DraftID,
		})
		return err

	case StripAutomationLabels:
		// The done label stays on the thread as the operator's visible
		// record of why it left the inbox, and the hidden notes label
		// never belongs to the thread in the first place.
		remove := []string{mailbox.LabelInbox}
		for key, id := range mapping {
			if key == store.LabelKeyDone ||
				key == store.LabelKeyNotes {

				continue
			}
			remove = append(remove, id)
		}

		return client.BatchModifyLabels(
			ctx, env.ThreadID, nil, remove,
		)

	default:
		return fmt.Errorf("unexpected provider outbox event: %T", ev)
	}
}

// enqueueReclassify queues a fresh classification of the thread, deduped
// against classify work already queued for it.
func (m *Manager) enqueueReclassify(ctx context.Context,
	env *Environment) error {

	pending, err := m.queue.HasPending(
		ctx, env.OwnerID, queue.JobClassify, env.ThreadID,
	)
	if err != nil {
		return err
	}
	if pending {
		return nil
	}

	_, err = m.queue.Enqueue(ctx, queue.EnqueueParams{
		OwnerID: env.OwnerID,
		Type:    queue.JobClassify,
		Payload: &queue.ClassifyPayload{
			ThreadID:  env.ThreadID,
			MessageID: env.MessageID,
		},
		ThreadID: fn.Some(env.ThreadID),
	})
	return err
}
