package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/inboxd/inboxd/internal/lifecycle"
	"github.com/inboxd/inboxd/internal/mailbox"
	"github.com/inboxd/inboxd/internal/queue"
	"github.com/inboxd/inboxd/internal/store"
	syncengine "github.com/inboxd/inboxd/internal/sync"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Handlers holds the job handlers and their collaborators. One instance
// serves all workers; every method is safe for concurrent use.
type Handlers struct {
	store      store.Storage
	queue      *queue.QueueStore
	clients    mailbox.Factory
	manager    *lifecycle.Manager
	engine     *syncengine.Engine
	classifier Classifier
	drafter    DraftGenerator
	agent      AgentRunner
	log        *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(storage store.Storage, queueStore *queue.QueueStore,
	clients mailbox.Factory, manager *lifecycle.Manager,
	engine *syncengine.Engine, classifier Classifier,
	drafter DraftGenerator, agent AgentRunner,
	log *slog.Logger) *Handlers {

	return &Handlers{
		store:      storage,
		queue:      queueStore,
		clients:    clients,
		manager:    manager,
		engine:     engine,
		classifier: classifier,
		drafter:    drafter,
		agent:      agent,
		log:        log,
	}
}

// HandleSync runs one sync pass for the job's owner.
func (h *Handlers) HandleSync(ctx context.Context, job queue.Job) error {
	payload, err := unmarshalAs[*queue.SyncPayload](job)
	if err != nil {
		return err
	}

	result, err := h.engine.SyncOwner(ctx, job.OwnerID, payload.ForceFull)
	if err != nil {
		return err
	}

	for _, recordErr := range result.Errors {
		h.log.WarnContext(ctx, "Sync pass record error",
			"owner_id", job.OwnerID, "err", recordErr)
	}

	return nil
}

// HandleClassify triages one thread: classify the message, record the
// email, apply the bucket label, and queue drafting when a reply is called
// for. Replays are tolerated: an already-tracked thread is either
// re-triaged (pending), woken up (waiting), or left alone.
func (h *Handlers) HandleClassify(ctx context.Context,
	job queue.Job) error {

	payload, err := unmarshalAs[*queue.ClassifyPayload](job)
	if err != nil {
		return err
	}

	email, err := h.store.GetEmailByThread(
		ctx, job.OwnerID, payload.ThreadID,
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Fresh thread, classify below.

	case err != nil:
		return err

	case email.Status == store.StatusWaiting:
		_, err := h.manager.HandleWaitingRetriage(
			ctx, job.OwnerID, payload.ThreadID,
		)
		return err

	case email.Status != store.StatusPending:
		// Already past triage; nothing for this job to add.
		return nil
	}

	client, err := h.clients.ForOwner(ctx, job.OwnerID)
	if err != nil {
		return err
	}

	msg, err := client.GetMessage(ctx, payload.MessageID)
	if err != nil {
		return fmt.Errorf("failed to fetch message %s: %w",
			payload.MessageID, err)
	}

	thread, err := client.GetThread(ctx, payload.ThreadID)
	if err != nil {
		return fmt.Errorf("failed to fetch thread %s: %w",
			payload.ThreadID, err)
	}

	classification, err := h.classifier.Classify(ctx, msg)
	if err != nil {
		return fmt.Errorf("classification failed for thread %s: %w",
			payload.ThreadID, err)
	}

	mapping, err := h.store.GetLabelMapping(ctx, job.OwnerID)
	if err != nil {
		return err
	}

	err = h.store.WithTx(ctx, func(ctx context.Context,
		txStore store.Storage) error {

		_, err := txStore.UpsertEmail(ctx, store.UpsertEmailParams{
			OwnerID:      job.OwnerID,
			ThreadID:     payload.ThreadID,
			MessageID:    msg.ID,
			Sender:       msg.From,
			Subject:      msg.Subject,
			LabelKey:     classification.LabelKey,
			Status:       classification.Status(),
			MessageCount: len(thread.Messages),
		})
		if err != nil {
			return err
		}

		_, err = txStore.AppendEvent(ctx, store.AppendEventParams{
			OwnerID:   job.OwnerID,
			ThreadID:  payload.ThreadID,
			EventType: "classified",
			Detail:    classification.LabelKey,
			LabelID:   mapping[classification.LabelKey],
		})
		return err
	})
	if err != nil {
		return err
	}

	// The bucket label is a downstream effect of the stored
	// classification; a failure here diverges labels, not state.
	if labelID, ok := mapping[classification.LabelKey]; ok {
		err := client.ModifyLabels(
			ctx, msg.ID, []string{labelID}, nil,
		)
		if err != nil {
			h.log.ErrorContext(ctx, "Failed to apply triage "+
				"label after commit",
				"thread_id", payload.ThreadID,
				"label_key", classification.LabelKey,
				"err", err)
		}
	}

	if !classification.NeedsResponse() {
		return nil
	}

	return h.enqueueFollowUp(ctx, job.OwnerID, queue.JobDraft,
		payload.ThreadID, &queue.DraftPayload{
			ThreadID:  payload.ThreadID,
			MessageID: msg.ID,
		})
}

// HandleDraft generates the reply draft for a pending email.
func (h *Handlers) HandleDraft(ctx context.Context, job queue.Job) error {
	payload, err := unmarshalAs[*queue.DraftPayload](job)
	if err != nil {
		return err
	}

	email, err := h.store.GetEmailByThread(
		ctx, job.OwnerID, payload.ThreadID,
	)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("draft job for untracked thread %s",
			payload.ThreadID)
	}
	if err != nil {
		return err
	}

	// Only a pending email takes a draft; a replayed or stale job is a
	// no-op.
	if email.Status != store.StatusPending {
		return nil
	}

	client, err := h.clients.ForOwner(ctx, job.OwnerID)
	if err != nil {
		return err
	}

	draft, err := h.generateDraft(ctx, client, email, "")
	if err != nil {
		return err
	}

	return h.manager.Apply(ctx, email, lifecycle.DraftCreatedEvent{
		DraftID: draft.ID,
	})
}

// HandleRework replaces a rejected draft following the operator's
// instruction, or skips the thread when the rework budget is spent.
func (h *Handlers) HandleRework(ctx context.Context, job queue.Job) error {
	payload, err := unmarshalAs[*queue.ReworkPayload](job)
	if err != nil {
		return err
	}

	email, err := h.store.GetEmailByThread(
		ctx, job.OwnerID, payload.ThreadID,
	)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("rework job for untracked thread %s",
			payload.ThreadID)
	}
	if err != nil {
		return err
	}

	client, err := h.clients.ForOwner(ctx, job.OwnerID)
	if err != nil {
		return err
	}

	switch email.Status {
	case store.StatusDrafted:
		if email.ReworkCount >= store.MaxReworkCount {
			return h.manager.Apply(
				ctx, email, lifecycle.ReworkLimitEvent{},
			)
		}

		instruction, err := h.readInstruction(
			ctx, client, payload.ThreadID,
		)
		if err != nil {
			return err
		}

		err = h.manager.Apply(ctx, email,
			lifecycle.ReworkRequestedEvent{
				Instruction: instruction,
			})
		if err != nil {
			return err
		}

		// Reload: the transition above moved the email to
		// rework_requested and stored the instruction.
		email, err = h.store.GetEmailByThread(
			ctx, job.OwnerID, payload.ThreadID,
		)
		if err != nil {
			return err
		}
		return h.redraft(ctx, client, email)

	case store.StatusReworkRequested:
		// A previous attempt recorded the request but died before
		// the new draft landed. Resume from the stored instruction.
		return h.redraft(ctx, client, email)

	default:
		// The operator's label arrived for a thread that moved on.
		return nil
	}
}

// redraft regenerates the draft for an email in rework_requested and
// applies the rework transition.
func (h *Handlers) redraft(ctx context.Context, client mailbox.Client,
	email store.Email) error {

	if email.DraftID == nil {
		return fmt.Errorf("email %s in rework without a draft id",
			email.ThreadID)
	}
	oldDraftID := *email.DraftID

	var previousBody string
	oldDraft, err := client.GetDraft(ctx, oldDraftID)
	switch {
	case err == nil:
		previousBody = DraftBelowMarker(oldDraft.Message.Body)
	case errors.Is(err, mailbox.ErrDraftNotFound):
		// The operator already discarded it; rework from scratch.
	default:
		return err
	}

	thread, err := client.GetThread(ctx, email.ThreadID)
	if err != nil {
		return fmt.Errorf("failed to fetch thread %s: %w",
			email.ThreadID, err)
	}

	body, err := h.drafter.Rework(
		ctx, thread, previousBody, email.LastReworkInstruction,
	)
	if err != nil {
		return fmt.Errorf("rework generation failed for thread "+
			"%s: %w", email.ThreadID, err)
	}

	newDraft, err := h.createDraft(ctx, client, email, thread, body)
	if err != nil {
		return err
	}

	return h.manager.Apply(ctx, email, lifecycle.ReworkDraftedEvent{
		OldDraftID: oldDraftID,
		NewDraftID: newDraft.ID,
	})
}

// HandleCleanup reacts to the operator closing a thread (done) or a draft
// disappearing (check_sent).
func (h *Handlers) HandleCleanup(ctx context.Context, job queue.Job) error {
	payload, err := unmarshalAs[*queue.CleanupPayload](job)
	if err != nil {
		return err
	}

	switch payload.Action {
	case queue.CleanupActionDone:
		_, err := h.manager.HandleDone(
			ctx, job.OwnerID, payload.ThreadID,
		)
		return err

	case queue.CleanupActionCheckSent:
		_, err := h.manager.HandleSentDetection(
			ctx, job.OwnerID, payload.ThreadID,
		)
		return err

	default:
		return fmt.Errorf("unknown cleanup action: %q",
			payload.Action)
	}
}

// HandleManualDraft drafts a reply for a thread the operator labeled by
// hand, honoring any instruction written above the marker in the thread's
// draft.
func (h *Handlers) HandleManualDraft(ctx context.Context,
	job queue.Job) error {

	payload, err := unmarshalAs[*queue.ManualDraftPayload](job)
	if err != nil {
		return err
	}

	client, err := h.clients.ForOwner(ctx, job.OwnerID)
	if err != nil {
		return err
	}

	msg, err := client.GetMessage(ctx, payload.MessageID)
	if err != nil {
		return fmt.Errorf("failed to fetch message %s: %w",
			payload.MessageID, err)
	}

	email, err := h.store.GetEmailByThread(
		ctx, job.OwnerID, payload.ThreadID,
	)
	if errors.Is(err, store.ErrNotFound) {
		email, err = h.store.UpsertEmail(ctx,
			store.UpsertEmailParams{
				OwnerID:   job.OwnerID,
				ThreadID:  payload.ThreadID,
				MessageID: msg.ID,
				Sender:    msg.From,
				Subject:   msg.Subject,
				LabelKey:  store.LabelKeyNeedsResponse,
				Status:    store.StatusPending,
			})
	}
	if err != nil {
		return err
	}

	if email.Status != store.StatusPending {
		return nil
	}

	instruction, err := h.readInstruction(ctx, client, payload.ThreadID)
	if err != nil {
		return err
	}

	draft, err := h.generateDraft(ctx, client, email, instruction)
	if err != nil {
		return err
	}

	return h.manager.Apply(ctx, email, lifecycle.DraftCreatedEvent{
		DraftID: draft.ID,
	})
}

// HandleAgentProcess runs the configured agent over a matched message and
// records the outcome.
func (h *Handlers) HandleAgentProcess(ctx context.Context,
	job queue.Job) error {

	payload, err := unmarshalAs[*queue.AgentProcessPayload](job)
	if err != nil {
		return err
	}

	client, err := h.clients.ForOwner(ctx, job.OwnerID)
	if err != nil {
		return err
	}

	msg, err := client.GetMessage(ctx, payload.MessageID)
	if err != nil {
		return fmt.Errorf("failed to fetch message %s: %w",
			payload.MessageID, err)
	}

	outcome, err := h.agent.Run(ctx, payload.RuleName, msg)
	if err != nil {
		return fmt.Errorf("agent %s failed on thread %s: %w",
			payload.RuleName, payload.ThreadID, err)
	}

	err = h.store.WithTx(ctx, func(ctx context.Context,
		txStore store.Storage) error {

		_, err := txStore.UpsertEmail(ctx, store.UpsertEmailParams{
			OwnerID:      job.OwnerID,
			ThreadID:     payload.ThreadID,
			MessageID:    msg.ID,
			Sender:       msg.From,
			Subject:      msg.Subject,
			Status:       store.StatusSkipped,
			MessageCount: 1,
		})
		if err != nil {
			return err
		}

		_, err = txStore.AppendEvent(ctx, store.AppendEventParams{
			OwnerID:   job.OwnerID,
			ThreadID:  payload.ThreadID,
			EventType: "agent_processed",
			Detail: fmt.Sprintf("%s: %s", payload.RuleName,
				outcome.Summary),
		})
		return err
	})
	if err != nil {
		return err
	}

	if outcome.Archive {
		err := client.ModifyLabels(ctx, msg.ID, nil,
			[]string{mailbox.LabelInbox})
		if err != nil {
			h.log.ErrorContext(ctx, "Failed to archive agent-"+
				"processed message after commit",
				"thread_id", payload.ThreadID, "err", err)
		}
	}

	return nil
}

// generateDraft produces and stores a fresh reply draft for the email.
// Stale drafts on the thread are trashed first so the operator only ever
// sees one.
func (h *Handlers) generateDraft(ctx context.Context,
	client mailbox.Client, email store.Email,
	instruction string) (mailbox.Draft, error) {

	thread, err := client.GetThread(ctx, email.ThreadID)
	if err != nil {
		return mailbox.Draft{}, fmt.Errorf("failed to fetch thread "+
			"%s: %w", email.ThreadID, err)
	}

	body, err := h.drafter.Generate(ctx, thread, instruction)
	if err != nil {
		return mailbox.Draft{}, fmt.Errorf("draft generation "+
			"failed for thread %s: %w", email.ThreadID, err)
	}

	if err := client.TrashThreadDrafts(ctx, email.ThreadID); err != nil {
		return mailbox.Draft{}, fmt.Errorf("failed to trash stale "+
			"drafts on thread %s: %w", email.ThreadID, err)
	}

	return h.createDraft(ctx, client, email, thread, body)
}

// createDraft stores a reply draft addressed at the thread's latest
// sender.
func (h *Handlers) createDraft(ctx context.Context, client mailbox.Client,
	email store.Email, thread mailbox.Thread,
	body string) (mailbox.Draft, error) {

	to := email.Sender
	if len(thread.Messages) > 0 {
		to = thread.Messages[len(thread.Messages)-1].From
	}

	draft, err := client.CreateDraft(
		ctx, email.ThreadID, to, replySubject(email.Subject), body,
	)
	if err != nil {
		return mailbox.Draft{}, fmt.Errorf("failed to create draft "+
			"on thread %s: %w", email.ThreadID, err)
	}

	return draft, nil
}

// readInstruction pulls the operator instruction, if any, from the text
// above the marker in the thread's current draft.
func (h *Handlers) readInstruction(ctx context.Context,
	client mailbox.Client, threadID string) (string, error) {

	draftOpt, err := client.GetThreadDraft(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch thread draft for "+
			"%s: %w", threadID, err)
	}

	var instruction string
	draftOpt.WhenSome(func(d mailbox.Draft) {
		instruction = ExtractInstruction(d.Message.Body)
	})

	return instruction, nil
}

// enqueueFollowUp queues the next job for a thread unless equivalent work
// is already pending.
func (h *Handlers) enqueueFollowUp(ctx context.Context, ownerID int64,
	jobType queue.JobType, threadID string, payload any) error {

	pending, err := h.queue.HasPending(ctx, ownerID, jobType, threadID)
	if err != nil {
		return err
	}
	if pending {
		return nil
	}

	_, err = h.queue.Enqueue(ctx, queue.EnqueueParams{
		OwnerID:  ownerID,
		Type:     jobType,
		Payload:  payload,
		ThreadID: fn.Some(threadID),
	})
	return err
}

// unmarshalAs decodes a job payload into its concrete type.
func unmarshalAs[T any](job queue.Job) (T, error) {
	var zero T

	payload, err := queue.UnmarshalPayload(job.Type, job.PayloadJSON)
	if err != nil {
		return zero, err
	}

	typed, ok := payload.(T)
	if !ok {
		return zero, fmt.Errorf("job %d: unexpected payload type %T",
			job.ID, payload)
	}

	return typed, nil
}
