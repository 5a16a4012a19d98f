package lifecycle

import (
	"testing"

	"github.com/inboxd/inboxd/internal/store"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// newTestFSM builds an FSM for an email in the given status.
func newTestFSM(t *testing.T, status store.EmailStatus,
	reworkCount int) *FSM {

	t.Helper()

	draftID := "draft-1"
	fsm, err := NewFSM(store.Email{
		OwnerID:      1,
		ThreadID:     "thread-1",
		MessageID:    "msg-1",
		Status:       status,
		DraftID:      &draftID,
		ReworkCount:  reworkCount,
		MessageCount: 1,
	}, store.MaxReworkCount)
	require.NoError(t, err)

	return fsm
}

// auditEvents filters the AppendAudit entries out of an outbox.
func auditEvents(events []OutboxEvent) []AppendAudit {
	var audits []AppendAudit
	for _, ev := range events {
		if audit, ok := ev.(AppendAudit); ok {
			audits = append(audits, audit)
		}
	}
	return audits
}

func TestPendingDraftCreated(t *testing.T) {
	fsm := newTestFSM(t, store.StatusPending, 0)

	transition, err := fsm.ProcessEvent(DraftCreatedEvent{
		DraftID: "draft-9",
	})
	require.NoError(t, err)
	require.IsType(t, &StateDrafted{}, transition.NextState)

	audits := auditEvents(transition.OutboxEvents)
	require.Len(t, audits, 1)
	require.Equal(t, "draft_created", audits[0].EventType)
	require.Equal(t, "draft-9", audits[0].DraftID)

	require.Contains(t, transition.OutboxEvents, SetDraft{
		DraftID: "draft-9",
	})
	require.Contains(t, transition.OutboxEvents, SwapLabels{
		RemoveKey: store.LabelKeyNeedsResponse,
		AddKey:    store.LabelKeyOutbox,
	})
}

func TestDraftedReworkRequested(t *testing.T) {
	fsm := newTestFSM(t, store.StatusDrafted, 0)

	transition, err := fsm.ProcessEvent(ReworkRequestedEvent{})
	require.NoError(t, err)
	require.IsType(t, &StateReworkRequested{}, transition.NextState)

	require.Contains(t, transition.OutboxEvents, PersistStatus{
		Status: store.StatusReworkRequested,
	})

	audits := auditEvents(transition.OutboxEvents)
	require.Len(t, audits, 1)
	require.Equal(t, "rework_requested", audits[0].EventType)
}

func TestDraftedReworkRequestedStoresInstruction(t *testing.T) {
	fsm := newTestFSM(t, store.StatusDrafted, 0)

	transition, err := fsm.ProcessEvent(ReworkRequestedEvent{
		Instruction: "make it shorter",
	})
	require.NoError(t, err)
	require.IsType(t, &StateReworkRequested{}, transition.NextState)

	require.Contains(t, transition.OutboxEvents, SetReworkInstruction{
		Instruction: "make it shorter",
	})

	audits := auditEvents(transition.OutboxEvents)
	require.Len(t, audits, 1)
	require.Equal(t, "make it shorter", audits[0].Detail)
}

func TestDraftedReworkBudgetSpent(t *testing.T) {
	fsm := newTestFSM(t, store.StatusDrafted, store.MaxReworkCount)

	transition, err := fsm.ProcessEvent(ReworkLimitEvent{})
	require.NoError(t, err)
	require.IsType(t, &StateSkipped{}, transition.NextState)

	require.Contains(t, transition.OutboxEvents, PersistStatus{
		Status: store.StatusSkipped,
	})
	require.Contains(t, transition.OutboxEvents, SwapLabels{
		RemoveKey: store.LabelKeyRework,
		AddKey:    store.LabelKeyActionRequired,
	})
	require.Contains(t, transition.OutboxEvents, SwapLabels{
		RemoveKey: store.LabelKeyOutbox,
	})

	audits := auditEvents(transition.OutboxEvents)
	require.Len(t, audits, 1)
	require.Equal(t, "rework_limit_reached", audits[0].EventType)
}

func TestDraftedSentDetected(t *testing.T) {
	fsm := newTestFSM(t, store.StatusDrafted, 0)

	transition, err := fsm.ProcessEvent(SentDetectedEvent{})
	require.NoError(t, err)
	require.IsType(t, &StateSent{}, transition.NextState)

	require.Contains(t, transition.OutboxEvents, PersistStatus{
		Status: store.StatusSent,
	})
	require.Contains(t, transition.OutboxEvents, SwapLabels{
		RemoveKey: store.LabelKeyOutbox,
	})

	audits := auditEvents(transition.OutboxEvents)
	require.Len(t, audits, 1)
	require.Equal(t, "sent_detected", audits[0].EventType)
}

func TestReworkRequestedSentDetected(t *testing.T) {
	fsm := newTestFSM(t, store.StatusReworkRequested, 1)

	transition, err := fsm.ProcessEvent(SentDetectedEvent{})
	require.NoError(t, err)
	require.IsType(t, &StateSent{}, transition.NextState)

	require.Contains(t, transition.OutboxEvents, PersistStatus{
		Status: store.StatusSent,
	})
	require.Contains(t, transition.OutboxEvents, SwapLabels{
		RemoveKey: store.LabelKeyOutbox,
	})
	require.Contains(t, transition.OutboxEvents, SwapLabels{
		RemoveKey: store.LabelKeyRework,
	})

	audits := auditEvents(transition.OutboxEvents)
	require.Len(t, audits, 1)
	require.Equal(t, "sent_detected", audits[0].EventType)
	require.Equal(t, "draft-1", audits[0].DraftID)
}

func TestReworkDraftedBelowCap(t *testing.T) {
	fsm := newTestFSM(t, store.StatusReworkRequested, 0)

	transition, err := fsm.ProcessEvent(ReworkDraftedEvent{
		OldDraftID: "draft-1",
		NewDraftID: "draft-2",
	})
	require.NoError(t, err)
	require.IsType(t, &StateDrafted{}, transition.NextState)

	require.Contains(t, transition.OutboxEvents, TrashDraft{
		DraftID: "draft-1",
	})
	require.Contains(t, transition.OutboxEvents, IncrementRework{})
	require.Contains(t, transition.OutboxEvents, SetDraft{
		DraftID: "draft-2",
	})

	// Below the cap the fresh draft goes back to the outbox.
	require.Contains(t, transition.OutboxEvents, SwapLabels{
		RemoveKey: store.LabelKeyRework,
		AddKey:    store.LabelKeyOutbox,
	})
}

func TestReworkDraftedReachingCap(t *testing.T) {
	// Two rounds spent: this rework is the last one in the budget.
	fsm := newTestFSM(t, store.StatusReworkRequested,
		store.MaxReworkCount-1)

	transition, err := fsm.ProcessEvent(ReworkDraftedEvent{
		OldDraftID: "draft-1",
		NewDraftID: "draft-2",
	})
	require.NoError(t, err)
	require.IsType(t, &StateDrafted{}, transition.NextState)

	// The final round hands the thread back to the operator.
	require.Contains(t, transition.OutboxEvents, SwapLabels{
		RemoveKey: store.LabelKeyRework,
		AddKey:    store.LabelKeyActionRequired,
	})
}

func TestReworkLimitHit(t *testing.T) {
	fsm := newTestFSM(t, store.StatusReworkRequested, store.MaxReworkCount)

	transition, err := fsm.ProcessEvent(ReworkLimitEvent{})
	require.NoError(t, err)
	require.IsType(t, &StateSkipped{}, transition.NextState)

	require.Contains(t, transition.OutboxEvents, PersistStatus{
		Status: store.StatusSkipped,
	})
	require.Contains(t, transition.OutboxEvents, SwapLabels{
		RemoveKey: store.LabelKeyRework,
		AddKey:    store.LabelKeyActionRequired,
	})

	audits := auditEvents(transition.OutboxEvents)
	require.Len(t, audits, 1)
	require.Equal(t, "rework_limit_reached", audits[0].EventType)
}

func TestWaitingNewReply(t *testing.T) {
	fsm := newTestFSM(t, store.StatusWaiting, 0)

	transition, err := fsm.ProcessEvent(NewReplyEvent{MessageCount: 3})
	require.NoError(t, err)
	require.IsType(t, &StatePending{}, transition.NextState)

	require.Contains(t, transition.OutboxEvents, PersistStatus{
		Status: store.StatusPending,
	})
	require.Contains(t, transition.OutboxEvents, SetMessageCount{Count: 3})
	require.Contains(t, transition.OutboxEvents, SwapLabels{
		RemoveKey: store.LabelKeyWaiting,
	})
	require.Contains(t, transition.OutboxEvents, EnqueueReclassify{})
}

func TestDoneArchivesFromEveryNonTerminalState(t *testing.T) {
	statuses := []store.EmailStatus{
		store.StatusPending, store.StatusDrafted,
		store.StatusReworkRequested, store.StatusSent,
		store.StatusSkipped, store.StatusWaiting,
	}

	for _, status := range statuses {
		fsm := newTestFSM(t, status, 0)

		transition, err := fsm.ProcessEvent(DoneEvent{})
		require.NoError(t, err, "status %s", status)
		require.IsType(t, &StateArchived{}, transition.NextState)

		require.Contains(t, transition.OutboxEvents, PersistStatus{
			Status: store.StatusArchived,
		})
		require.Contains(t, transition.OutboxEvents,
			StripAutomationLabels{})

		audits := auditEvents(transition.OutboxEvents)
		require.Len(t, audits, 1)
		require.Equal(t, "archived", audits[0].EventType)
	}
}

func TestArchivedAbsorbsRepeatedDone(t *testing.T) {
	fsm := newTestFSM(t, store.StatusArchived, 0)

	transition, err := fsm.ProcessEvent(DoneEvent{})
	require.NoError(t, err)
	require.IsType(t, &StateArchived{}, transition.NextState)

	// No side effects: replayed cleanup jobs are idempotent.
	require.Empty(t, transition.OutboxEvents)
}

func TestInvalidEventsRejected(t *testing.T) {
	cases := []struct {
		status store.EmailStatus
		event  Event
	}{
		{store.StatusPending, SentDetectedEvent{}},
		{store.StatusPending, ReworkRequestedEvent{}},
		{store.StatusDrafted, DraftCreatedEvent{DraftID: "d"}},
		{store.StatusSent, SentDetectedEvent{}},
		{store.StatusSkipped, ReworkDraftedEvent{}},
		{store.StatusArchived, NewReplyEvent{MessageCount: 2}},
		{store.StatusWaiting, DraftCreatedEvent{DraftID: "d"}},
	}

	for _, tc := range cases {
		fsm := newTestFSM(t, tc.status, 0)

		_, err := fsm.ProcessEvent(tc.event)
		require.Error(t, err, "status %s event %T", tc.status,
			tc.event)
	}
}

// TestSingleAuditPerTransitionProperty verifies that every state-changing
// transition emits exactly one audit entry.
//
// PROPERTY: a transition that moves the machine to a different state
// carries exactly one AppendAudit outbox event.
func TestSingleAuditPerTransitionProperty(t *testing.T) {
	allEvents := []Event{
		DraftCreatedEvent{DraftID: "draft-n"},
		ReworkRequestedEvent{},
		ReworkDraftedEvent{OldDraftID: "draft-o", NewDraftID: "draft-n"},
		ReworkLimitEvent{},
		SentDetectedEvent{},
		DoneEvent{},
		NewReplyEvent{MessageCount: 2},
	}

	rapid.Check(t, func(rt *rapid.T) {
		status := rapid.SampledFrom([]store.EmailStatus{
			store.StatusPending, store.StatusDrafted,
			store.StatusReworkRequested, store.StatusSent,
			store.StatusSkipped, store.StatusArchived,
			store.StatusWaiting,
		}).Draw(rt, "status")
		reworkCount := rapid.IntRange(0, store.MaxReworkCount).
			Draw(rt, "rework_count")

		fsm := newTestFSM(t, status, reworkCount)
		before := fsm.State()

		event := rapid.SampledFrom(allEvents).Draw(rt, "event")

		transition, err := fsm.ProcessEvent(event)
		if err != nil {
			// Rejected events leave no trace.
			return
		}

		audits := auditEvents(transition.OutboxEvents)
		if transition.NextState.Status() != before.Status() {
			require.Len(rt, audits, 1)
		} else {
			require.Empty(rt, audits)
		}
	})
}
