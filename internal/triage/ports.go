// Package triage implements the job handlers that move emails through the
// lifecycle. The intelligence lives behind narrow ports (classification,
// draft generation, agent runs); the handlers own the orchestration:
// loading state, calling the collaborator, applying lifecycle transitions,
// and queueing follow-up work.
package triage

import (
	"context"

	"github.com/inboxd/inboxd/internal/mailbox"
	"github.com/inboxd/inboxd/internal/store"
)

// Classification is the outcome of classifying one message.
type Classification struct {
	// LabelKey is the triage bucket the message fell into, one of the
	// symbolic label keys.
	LabelKey string
}

// Status maps the triage bucket onto the lifecycle status the email record
// starts in.
func (c Classification) Status() store.EmailStatus {
	switch c.LabelKey {
	case store.LabelKeyNeedsResponse:
		return store.StatusPending
	case store.LabelKeyWaiting:
		return store.StatusWaiting
	default:
		return store.StatusSkipped
	}
}

// NeedsResponse reports whether the classification calls for a reply draft.
func (c Classification) NeedsResponse() bool {
	return c.LabelKey == store.LabelKeyNeedsResponse
}

// Classifier sorts an incoming message into a triage bucket. The
// implementation (rule matching, LLM calls) lives outside this module.
type Classifier interface {
	Classify(ctx context.Context,
		msg mailbox.Message) (Classification, error)
}

// DraftGenerator produces reply text for a thread. The implementation (the
// prompt construction and model call) lives outside this module.
type DraftGenerator interface {
	// Generate writes a fresh reply for the thread. Instruction may be
	// empty; when set it carries operator guidance.
	Generate(ctx context.Context, thread mailbox.Thread,
		instruction string) (string, error)

	// Rework rewrites a previous draft following the operator's
	// instruction.
	Rework(ctx context.Context, thread mailbox.Thread, previousBody,
		instruction string) (string, error)
}

// AgentOutcome is the result of an agent run over a message.
type AgentOutcome struct {
	// Summary describes what the agent did, recorded in the audit
	// trail.
	Summary string

	// Archive requests that the message leave the inbox.
	Archive bool
}

// AgentRunner executes a configured agent over a matched message. The
// tool-calling loop lives outside this module.
type AgentRunner interface {
	Run(ctx context.Context, ruleName string,
		msg mailbox.Message) (AgentOutcome, error)
}
