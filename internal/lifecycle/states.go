package lifecycle

import (
	"fmt"

	"github.com/inboxd/inboxd/internal/store"
)

// EmailState is the sealed interface for all email lifecycle states. Each
// state handles incoming events and returns transitions carrying the next
// state plus the outbox events describing the required side effects.
// ProcessEvent is pure: it never touches the database or the mailbox.
type EmailState interface {
	// ProcessEvent handles an incoming event and returns the next state
	// along with any outbox events to emit.
	ProcessEvent(event Event, env *Environment) (*Transition, error)

	// IsTerminal returns true if this is a terminal state that accepts
	// no further events.
	IsTerminal() bool

	// Status returns the store status this state corresponds to.
	Status() store.EmailStatus

	// isEmailState seals the interface to prevent external
	// implementations.
	isEmailState()
}

// Transition represents the result of processing an event, containing the
// next state and the side effects to execute.
type Transition struct {
	NextState    EmailState
	OutboxEvents []OutboxEvent
}

// Environment provides the per-email context state transitions depend on.
type Environment struct {
	OwnerID   int64
	ThreadID  string
	MessageID string

	// DraftID is the currently tracked draft, if any.
	DraftID string

	// ReworkCount is the rework rounds already spent on this email.
	ReworkCount int

	// MaxRework is the rework budget. Once ReworkCount reaches it, the
	// next rework request skips the thread instead.
	MaxRework int

	// MessageCount is the thread length recorded at triage time.
	MessageCount int
}

// Ensure all state types implement EmailState.
var (
	_ EmailState = (*StatePending)(nil)
	_ EmailState = (*StateDrafted)(nil)
	_ EmailState = (*StateReworkRequested)(nil)
	_ EmailState = (*StateSent)(nil)
	_ EmailState = (*StateSkipped)(nil)
	_ EmailState = (*StateArchived)(nil)
	_ EmailState = (*StateWaiting)(nil)
)

// archiveTransition is the shared done-label handling: the operator ending
// automation for a thread is legal from every non-terminal state.
func archiveTransition() *Transition {
	return &Transition{
		NextState: &StateArchived{},
		OutboxEvents: []OutboxEvent{
			PersistStatus{Status: store.StatusArchived},
			AppendAudit{EventType: "archived"},
			StripAutomationLabels{},
		},
	}
}

// StatePending is the initial state after classification: the email is
// recorded but no draft exists yet.
type StatePending struct{}

func (*StatePending) isEmailState()             {}
func (*StatePending) IsTerminal() bool          { return false }
func (*StatePending) Status() store.EmailStatus { return store.StatusPending }

// ProcessEvent handles events in the pending state.
func (s *StatePending) ProcessEvent(event Event,
	env *Environment) (*Transition, error) {

	switch e := event.(type) {
	case DraftCreatedEvent:
		return &Transition{
			NextState: &StateDrafted{},
			OutboxEvents: []OutboxEvent{
				SetDraft{DraftID: e.DraftID},
				AppendAudit{
					EventType: "draft_created",
					DraftID:   e.DraftID,
				},
				SwapLabels{
					RemoveKey: store.LabelKeyNeedsResponse,
					AddKey:    store.LabelKeyOutbox,
				},
			},
		}, nil

	case DoneEvent:
		return archiveTransition(), nil

	default:
		return nil, fmt.Errorf("pending: unexpected event: %T", event)
	}
}

// StateDrafted means a reply draft is sitting in the outbox awaiting the
// operator.
type StateDrafted struct{}

func (*StateDrafted) isEmailState()             {}
func (*StateDrafted) IsTerminal() bool          { return false }
func (*StateDrafted) Status() store.EmailStatus { return store.StatusDrafted }

// ProcessEvent handles events in the drafted state.
func (s *StateDrafted) ProcessEvent(event Event,
	env *Environment) (*Transition, error) {

	switch e := event.(type) {
	case ReworkRequestedEvent:
		return &Transition{
			NextState: &StateReworkRequested{},
			OutboxEvents: []OutboxEvent{
				PersistStatus{
					Status: store.StatusReworkRequested,
				},
				SetReworkInstruction{
					Instruction: e.Instruction,
				},
				AppendAudit{
					EventType: "rework_requested",
					Detail:    e.Instruction,
					DraftID:   env.DraftID,
				},
			},
		}, nil

	case ReworkLimitEvent:
		// The budget was already spent before this request: the
		// thread goes straight back to the operator and the stale
		// draft stays put.
		return &Transition{
			NextState: &StateSkipped{},
			OutboxEvents: []OutboxEvent{
				PersistStatus{Status: store.StatusSkipped},
				AppendAudit{
					EventType: "rework_limit_reached",
					Detail: fmt.Sprintf(
						"rework count %d",
						env.ReworkCount,
					),
				},
				SwapLabels{
					RemoveKey: store.LabelKeyRework,
					AddKey:    store.LabelKeyActionRequired,
				},
				SwapLabels{
					RemoveKey: store.LabelKeyOutbox,
				},
			},
		}, nil

	case SentDetectedEvent:
		return &Transition{
			NextState: &StateSent{},
			OutboxEvents: []OutboxEvent{
				PersistStatus{Status: store.StatusSent},
				AppendAudit{
					EventType: "sent_detected",
					DraftID:   env.DraftID,
				},
				SwapLabels{
					RemoveKey: store.LabelKeyOutbox,
				},
			},
		}, nil

	case DoneEvent:
		return archiveTransition(), nil

	default:
		return nil, fmt.Errorf("drafted: unexpected event: %T", event)
	}
}

// StateReworkRequested means the operator rejected the current draft and a
// replacement is owed.
type StateReworkRequested struct{}

func (*StateReworkRequested) isEmailState()    {}
func (*StateReworkRequested) IsTerminal() bool { return false }
func (*StateReworkRequested) Status() store.EmailStatus {
	return store.StatusReworkRequested
}

// ProcessEvent handles events in the rework_requested state.
func (s *StateReworkRequested) ProcessEvent(event Event,
	env *Environment) (*Transition, error) {

	switch e := event.(type) {
	case ReworkDraftedEvent:
		// If this rework round exhausts the budget, the thread goes
		// back to the operator instead of the outbox.
		nextLabel := store.LabelKeyOutbox
		if env.ReworkCount+1 >= env.MaxRework {
			nextLabel = store.LabelKeyActionRequired
		}

		return &Transition{
			NextState: &StateDrafted{},
			OutboxEvents: []OutboxEvent{
				TrashDraft{DraftID: e.OldDraftID},
				IncrementRework{},
				SetDraft{DraftID: e.NewDraftID},
				AppendAudit{
					EventType: "draft_reworked",
					DraftID:   e.NewDraftID,
				},
				SwapLabels{
					RemoveKey: store.LabelKeyRework,
					AddKey:    nextLabel,
				},
			},
		}, nil

	case ReworkLimitEvent:
		return &Transition{
			NextState: &StateSkipped{},
			OutboxEvents: []OutboxEvent{
				PersistStatus{Status: store.StatusSkipped},
				AppendAudit{
					EventType: "rework_limit_reached",
					Detail: fmt.Sprintf(
						"rework count %d",
						env.ReworkCount,
					),
				},
				SwapLabels{
					RemoveKey: store.LabelKeyRework,
					AddKey:    store.LabelKeyActionRequired,
				},
			},
		}, nil

	case SentDetectedEvent:
		// The operator sent the old draft instead of waiting for the
		// rework. The pending rework is moot, so its label comes off
		// along with the outbox marker.
		return &Transition{
			NextState: &StateSent{},
			OutboxEvents: []OutboxEvent{
				PersistStatus{Status: store.StatusSent},
				AppendAudit{
					EventType: "sent_detected",
					DraftID:   env.DraftID,
				},
				SwapLabels{
					RemoveKey: store.LabelKeyOutbox,
				},
				SwapLabels{
					RemoveKey: store.LabelKeyRework,
				},
			},
		}, nil

	case DoneEvent:
		return archiveTransition(), nil

	default:
		return nil, fmt.Errorf("rework_requested: unexpected "+
			"event: %T", event)
	}
}

// StateSent means the operator sent the drafted reply. Automation is done
// with the thread unless the operator marks it done.
type StateSent struct{}

func (*StateSent) isEmailState()             {}
func (*StateSent) IsTerminal() bool          { return false }
func (*StateSent) Status() store.EmailStatus { return store.StatusSent }

// ProcessEvent handles events in the sent state.
func (s *StateSent) ProcessEvent(event Event,
	env *Environment) (*Transition, error) {

	switch event.(type) {
	case DoneEvent:
		return archiveTransition(), nil

	default:
		return nil, fmt.Errorf("sent: unexpected event: %T", event)
	}
}

// StateSkipped means automation gave up on the thread.
type StateSkipped struct{}

func (*StateSkipped) isEmailState()             {}
func (*StateSkipped) IsTerminal() bool          { return false }
func (*StateSkipped) Status() store.EmailStatus { return store.StatusSkipped }

// ProcessEvent handles events in the skipped state.
func (s *StateSkipped) ProcessEvent(event Event,
	env *Environment) (*Transition, error) {

	switch event.(type) {
	case DoneEvent:
		return archiveTransition(), nil

	default:
		return nil, fmt.Errorf("skipped: unexpected event: %T", event)
	}
}

// StateArchived is the terminal state: the operator closed the thread.
type StateArchived struct{}

func (*StateArchived) isEmailState()             {}
func (*StateArchived) IsTerminal() bool          { return true }
func (*StateArchived) Status() store.EmailStatus { return store.StatusArchived }

// ProcessEvent handles events in the archived state. A repeated done is
// absorbed so replayed cleanup jobs stay idempotent; everything else is
// rejected.
func (s *StateArchived) ProcessEvent(event Event,
	env *Environment) (*Transition, error) {

	switch event.(type) {
	case DoneEvent:
		return &Transition{NextState: s}, nil

	default:
		return nil, fmt.Errorf("archived: unexpected event: %T", event)
	}
}

// StateWaiting means the thread is parked until the counterparty replies.
type StateWaiting struct{}

func (*StateWaiting) isEmailState()             {}
func (*StateWaiting) IsTerminal() bool          { return false }
func (*StateWaiting) Status() store.EmailStatus { return store.StatusWaiting }

// ProcessEvent handles events in the waiting state.
func (s *StateWaiting) ProcessEvent(event Event,
	env *Environment) (*Transition, error) {

	switch e := event.(type) {
	case NewReplyEvent:
		return &Transition{
			NextState: &StatePending{},
			OutboxEvents: []OutboxEvent{
				PersistStatus{Status: store.StatusPending},
				SetMessageCount{Count: e.MessageCount},
				AppendAudit{
					EventType: "waiting_retriaged",
					Detail: fmt.Sprintf(
						"thread grew to %d messages",
						e.MessageCount,
					),
				},
				SwapLabels{
					RemoveKey: store.LabelKeyWaiting,
				},
				EnqueueReclassify{},
			},
		}, nil

	case DoneEvent:
		return archiveTransition(), nil

	default:
		return nil, fmt.Errorf("waiting: unexpected event: %T", event)
	}
}

// StateFromStatus reconstructs the state value for a stored status.
func StateFromStatus(status store.EmailStatus) (EmailState, error) {
	switch status {
	case store.StatusPending:
		return &StatePending{}, nil
	case store.StatusDrafted:
		return &StateDrafted{}, nil
	case store.StatusReworkRequested:
		return &StateReworkRequested{}, nil
	case store.StatusSent:
		return &StateSent{}, nil
	case store.StatusSkipped:
		return &StateSkipped{}, nil
	case store.StatusArchived:
		return &StateArchived{}, nil
	case store.StatusWaiting:
		return &StateWaiting{}, nil
	default:
		return nil, fmt.Errorf("unknown email status: %q", status)
	}
}
