package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")
)

// EmailStatus is the lifecycle status of a triaged email thread.
type EmailStatus string

const (
	// StatusPending means the email has been classified and is awaiting a
	// draft (or needs no draft at all).
	StatusPending EmailStatus = "pending"

	// StatusDrafted means a reply draft exists in the mailbox.
	StatusDrafted EmailStatus = "drafted"

	// StatusReworkRequested means the operator asked for the draft to be
	// regenerated.
	StatusReworkRequested EmailStatus = "rework_requested"

	// StatusSent means the drafted reply was sent by the operator.
	StatusSent EmailStatus = "sent"

	// StatusSkipped means automation gave up on the thread, e.g. after
	// hitting the rework cap.
	StatusSkipped EmailStatus = "skipped"

	// StatusArchived means the operator marked the thread done.
	StatusArchived EmailStatus = "archived"

	// StatusWaiting means the thread is parked until a reply arrives.
	StatusWaiting EmailStatus = "waiting"
)

// MaxReworkCount is the number of rework rounds allowed per email before
// automation gives up and skips the thread.
const MaxReworkCount = 3

// Workflow label keys. These are symbolic names resolved to provider label
// ids through the labels table.
const (
	// LabelKeyNeedsResponse marks threads the classifier (or the
	// operator) decided deserve a drafted reply.
	LabelKeyNeedsResponse = "needs_response"

	// LabelKeyOutbox marks threads that have a draft waiting for operator
	// review.
	LabelKeyOutbox = "outbox"

	// LabelKeyRework is applied by the operator to request a new draft.
	LabelKeyRework = "rework"

	// LabelKeyDone is applied by the operator to archive a thread.
	LabelKeyDone = "done"

	// LabelKeyWaiting marks threads parked until the counterparty
	// replies.
	LabelKeyWaiting = "waiting"

	// LabelKeyActionRequired marks threads automation handed back to the
	// operator.
	LabelKeyActionRequired = "action_required"

	// LabelKeyNotes is the hidden label on the operator's instruction
	// drafts used for manual draft requests.
	LabelKeyNotes = "notes"
)

// Owner is a mailbox account managed by the daemon.
type Owner struct {
	ID          int64
	Email       string
	DisplayName string
	Active      bool
	CreatedAt   time.Time
}

// SyncState tracks the history watermark for an owner. A LastHistoryID of
// "0" means the owner has never completed a sync.
type SyncState struct {
	OwnerID         int64
	LastHistoryID   string
	LastSyncedAt    *time.Time
	WatchExpiration *time.Time
	UpdatedAt       time.Time
}

// NeverSynced reports whether the owner still needs an initial full sync.
func (s SyncState) NeverSynced() bool {
	return s.LastHistoryID == "" || s.LastHistoryID == "0"
}

// Email is the triage record for a single mailbox thread.
type Email struct {
	ID           int64
	OwnerID      int64
	ThreadID     string
	MessageID    string
	Sender       string
	Subject      string
	LabelKey     string
	Status       EmailStatus
	DraftID     *string
	ReworkCount int

	// LastReworkInstruction is the operator note attached to the most
	// recent rework request.
	LastReworkInstruction string

	MessageCount int
	CreatedAt    time.Time
	DraftedAt    *time.Time
	ActedAt      *time.Time
}

// EmailEvent is one row of the append-only audit trail.
type EmailEvent struct {
	ID        int64
	OwnerID   int64
	ThreadID  string
	EventType string
	Detail    string
	LabelID   string
	DraftID   string
	CreatedAt time.Time
}

// UpsertEmailParams holds the fields written when a thread is first
// classified. On conflict with an existing (owner, thread) row the message
// id, sender, subject, label key, status and message count are refreshed.
type UpsertEmailParams struct {
	OwnerID      int64
	ThreadID     string
	MessageID    string
	Sender       string
	Subject      string
	LabelKey     string
	Status       EmailStatus
	MessageCount int
}

// AppendEventParams holds the fields of one audit trail entry.
type AppendEventParams struct {
	OwnerID   int64
	ThreadID  string
	EventType string
	Detail    string
	LabelID   string
	DraftID   string
}

// OwnerStore manages mailbox owner accounts.
type OwnerStore interface {
	// CreateOwner registers a new mailbox account.
	CreateOwner(ctx context.Context, email, displayName string) (Owner,
		error)

	// GetOwner retrieves an owner by id.
	GetOwner(ctx context.Context, id int64) (Owner, error)

	// GetOwnerByEmail retrieves an owner by mailbox address.
	GetOwnerByEmail(ctx context.Context, email string) (Owner, error)

	// ListActiveOwners returns all owners with the active flag set.
	ListActiveOwners(ctx context.Context) ([]Owner, error)

	// SetOwnerActive flips the active flag for an owner.
	SetOwnerActive(ctx context.Context, id int64, active bool) error
}

// SyncStateStore manages per-owner sync watermarks.
type SyncStateStore interface {
	// GetSyncState returns the sync state for an owner, or ErrNotFound if
	// the owner has never synced.
	GetSyncState(ctx context.Context, ownerID int64) (SyncState, error)

	// UpsertSyncState advances the history watermark and stamps
	// last_synced_at. This is the LAST write of a sync pass.
	UpsertSyncState(ctx context.Context, ownerID int64,
		historyID string) error

	// UpsertWatchExpiration records when the current mailbox push watch
	// expires.
	UpsertWatchExpiration(ctx context.Context, ownerID int64,
		expiration time.Time) error
}

// EmailStore manages triage records.
type EmailStore interface {
	// UpsertEmail inserts or refreshes the triage record for a thread.
	UpsertEmail(ctx context.Context, params UpsertEmailParams) (Email,
		error)

	// GetEmailByThread retrieves the triage record for a thread, or
	// ErrNotFound.
	GetEmailByThread(ctx context.Context, ownerID int64,
		threadID string) (Email, error)

	// SetEmailStatus updates the lifecycle status. Terminal-act statuses
	// (sent, skipped, archived) also stamp acted_at.
	SetEmailStatus(ctx context.Context, ownerID int64, threadID string,
		status EmailStatus) error

	// SetEmailDraft records a created draft: draft id, status drafted and
	// drafted_at.
	SetEmailDraft(ctx context.Context, ownerID int64, threadID,
		draftID string) error

	// ClearEmailDraft drops the stored draft id without touching status.
	ClearEmailDraft(ctx context.Context, ownerID int64,
		threadID string) error

	// IncrementReworkCount bumps the rework counter and moves the email
	// back to drafted.
	IncrementReworkCount(ctx context.Context, ownerID int64,
		threadID string) error

	// SetReworkInstruction records the operator note attached to a
	// rework request.
	SetReworkInstruction(ctx context.Context, ownerID int64, threadID,
		instruction string) error

	// SetEmailMessageCount records the thread length observed at triage
	// time, used for waiting re-triage detection.
	SetEmailMessageCount(ctx context.Context, ownerID int64,
		threadID string, count int) error

	// ListEmailsByStatus returns triage records in the given status,
	// newest first.
	ListEmailsByStatus(ctx context.Context, ownerID int64,
		status EmailStatus, limit int) ([]Email, error)
}

// EventStore manages the append-only audit trail.
type EventStore interface {
	// AppendEvent writes one audit entry.
	AppendEvent(ctx context.Context, params AppendEventParams) (EmailEvent,
		error)

	// ListEventsByThread returns the audit trail of a thread in append
	// order.
	ListEventsByThread(ctx context.Context, ownerID int64,
		threadID string) ([]EmailEvent, error)
}

// LabelStore manages the symbolic label key to provider label mapping. Each
// key resolves to a provider label id (for modify calls) and a display name
// (for search queries).
type LabelStore interface {
	// PutLabel stores or replaces one key to id/name mapping.
	PutLabel(ctx context.Context, ownerID int64, key, labelID,
		name string) error

	// GetLabelMapping returns the full key to id mapping for an owner.
	GetLabelMapping(ctx context.Context, ownerID int64) (map[string]string,
		error)

	// GetLabelNames returns the key to display name mapping for an
	// owner. Keys stored without a name are omitted.
	GetLabelNames(ctx context.Context, ownerID int64) (map[string]string,
		error)
}

// Storage is the combined store interface used by the daemon's services.
type Storage interface {
	OwnerStore
	SyncStateStore
	EmailStore
	EventStore
	LabelStore

	// WithTx executes the given function within a single database
	// transaction. The store passed to the callback is bound to that
	// transaction.
	WithTx(ctx context.Context,
		fn func(ctx context.Context, store Storage) error) error

	// Close releases the underlying database resources.
	Close() error
}

// nullableTime converts a sql.NullTime to a *time.Time.
func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// nullableString converts a sql.NullString to a *string.
func nullableString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
