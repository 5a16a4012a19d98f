package lifecycle

import (
	"github.com/inboxd/inboxd/internal/store"
)

// FSM couples an email's current lifecycle state with the environment its
// transitions depend on. The FSM itself is pure; side effects requested by
// transitions are returned as outbox events for the Manager to execute.
type FSM struct {
	env   *Environment
	state EmailState
}

// NewFSM reconstructs the state machine for a stored email record.
func NewFSM(email store.Email, maxRework int) (*FSM, error) {
	state, err := StateFromStatus(email.Status)
	if err != nil {
		return nil, err
	}

	var draftID string
	if email.DraftID != nil {
		draftID = *email.DraftID
	}

	return &FSM{
		env: &Environment{
			OwnerID:      email.OwnerID,
			ThreadID:     email.ThreadID,
			MessageID:    email.MessageID,
			DraftID:      draftID,
			ReworkCount:  email.ReworkCount,
			MaxRework:    maxRework,
			MessageCount: email.MessageCount,
		},
		state: state,
	}, nil
}

// State returns the current state.
func (f *FSM) State() EmailState {
	return f.state
}

// Env returns the transition environment.
func (f *FSM) Env() *Environment {
	return f.env
}

// ProcessEvent delegates to the current state and advances the machine to
// the transition's next state.
func (f *FSM) ProcessEvent(event Event) (*Transition, error) {
	transition, err := f.state.ProcessEvent(event, f.env)
	if err != nil {
		return nil, err
	}

	f.state = transition.NextState

	return transition, nil
}
