package lifecycle

import "github.com/inboxd/inboxd/internal/store"

// OutboxEvent is the sealed interface for side effects requested by a state
// transition. The pure state machine only describes the effects; the
// Manager executes them, database writes before provider mutations.
type OutboxEvent interface {
	// isOutboxEvent seals the interface to prevent external
	// implementations.
	isOutboxEvent()
}

// PersistStatus updates the stored lifecycle status of the email.
type PersistStatus struct {
	Status store.EmailStatus
}

func (PersistStatus) isOutboxEvent() {}

// AppendAudit writes the transition's audit trail entry. Every transition
// emits exactly one of these.
type AppendAudit struct {
	EventType string
	Detail    string
	LabelID   string
	DraftID   string
}

func (AppendAudit) isOutboxEvent() {}

// SetDraft records the new draft id on the email, moving it to drafted.
type SetDraft struct {
	DraftID string
}

func (SetDraft) isOutboxEvent() {}

// IncrementRework bumps the email's rework counter.
type IncrementRework struct{}

func (IncrementRework) isOutboxEvent() {}

// SetReworkInstruction records the operator note attached to a rework
// request.
type SetReworkInstruction struct {
	Instruction string
}

func (SetReworkInstruction) isOutboxEvent() {}

// SetMessageCount refreshes the stored thread length.
type SetMessageCount struct {
	Count int
}

func (SetMessageCount) isOutboxEvent() {}

// SwapLabels removes one workflow label and adds another on the triaged
// message. Either key may be empty. Keys are resolved to provider label ids
// at execution time.
type SwapLabels struct {
	RemoveKey string
	AddKey    string
}

func (SwapLabels) isOutboxEvent() {}

// TrashDraft discards a superseded draft from the mailbox and audits the
// removal.
type TrashDraft struct {
	DraftID string
}

func (TrashDraft) isOutboxEvent() {}

// StripAutomationLabels removes every automation-owned label, plus the
// inbox label, from the whole thread. Used when archiving.
type StripAutomationLabels struct{}

func (StripAutomationLabels) isOutboxEvent() {}

// EnqueueReclassify queues a fresh classification of the thread. Used when
// a waiting thread receives a reply.
type EnqueueReclassify struct{}

func (EnqueueReclassify) isOutboxEvent() {}
