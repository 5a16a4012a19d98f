package lifecycle

// Event is the sealed interface for all lifecycle inputs. Events describe
// something that already happened (a draft was created, the operator
// applied a label, a tracked draft disappeared); the state machine decides
// what follows from it.
type Event interface {
	// isLifecycleEvent seals the interface to prevent external
	// implementations.
	isLifecycleEvent()
}

// DraftCreatedEvent fires when a reply draft was stored for a pending
// email.
type DraftCreatedEvent struct {
	DraftID string
}

func (DraftCreatedEvent) isLifecycleEvent() {}

// ReworkRequestedEvent fires when the operator applied the rework label to
// a drafted email.
type ReworkRequestedEvent struct {
	// Instruction is the operator note describing what to change.
	Instruction string
}

func (ReworkRequestedEvent) isLifecycleEvent() {}

// ReworkDraftedEvent fires when a replacement draft was generated for an
// email in rework.
type ReworkDraftedEvent struct {
	OldDraftID string
	NewDraftID string
}

func (ReworkDraftedEvent) isLifecycleEvent() {}

// ReworkLimitEvent fires when a rework was requested but the email already
// used up its rework budget.
type ReworkLimitEvent struct{}

func (ReworkLimitEvent) isLifecycleEvent() {}

// SentDetectedEvent fires when a tracked draft no longer exists in the
// mailbox, meaning the operator sent (or discarded) it.
type SentDetectedEvent struct{}

func (SentDetectedEvent) isLifecycleEvent() {}

// DoneEvent fires when the operator applied the done label to a thread.
type DoneEvent struct{}

func (DoneEvent) isLifecycleEvent() {}

// NewReplyEvent fires when a waiting thread grew beyond the message count
// recorded at triage time.
type NewReplyEvent struct {
	MessageCount int
}

func (NewReplyEvent) isLifecycleEvent() {}
