// Package mailbox defines the provider-facing mail interface consumed by
// the sync engine, the lifecycle manager and the job handlers. The daemon
// never talks to a mail provider directly; it goes through a Client so the
// transport can be swapped out and faked in tests.
package mailbox

import (
	"context"
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrHistoryExpired is returned by ListHistory when the start
	// watermark is too old for the provider to replay. The caller must
	// fall back to a full sync. This is a signal, not a failure.
	ErrHistoryExpired = errors.New("mailbox: history id expired")

	// ErrDraftNotFound is returned when a draft id no longer resolves,
	// which usually means the operator sent or discarded it.
	ErrDraftNotFound = errors.New("mailbox: draft not found")
)

// Provider-defined system label ids.
const (
	// LabelInbox is the provider's inbox label.
	LabelInbox = "INBOX"

	// LabelUnread is the provider's unread label.
	LabelUnread = "UNREAD"
)

// Profile describes the mailbox account and its current history watermark.
type Profile struct {
	EmailAddress string
	HistoryID    string
}

// MessageRef identifies a message within its thread.
type MessageRef struct {
	ID       string
	ThreadID string
}

// Message is a fully fetched mail message.
type Message struct {
	ID           string
	ThreadID     string
	From         string
	To           string
	Subject      string
	Snippet      string
	Body         string
	LabelIDs     []string
	InternalDate time.Time
}

// HasLabel reports whether the message carries the given label id.
func (m Message) HasLabel(labelID string) bool {
	for _, id := range m.LabelIDs {
		if id == labelID {
			return true
		}
	}
	return false
}

// Thread is a fetched conversation.
type Thread struct {
	ID       string
	Messages []Message
}

// Draft is a stored reply draft.
type Draft struct {
	ID      string
	Message Message
}

// LabelChange records labels being added to or removed from a message.
type LabelChange struct {
	Message  Message
	LabelIDs []string
}

// HistoryRecord is one entry of the provider's change log.
type HistoryRecord struct {
	ID              string
	MessagesAdded   []Message
	LabelsAdded     []LabelChange
	LabelsRemoved   []LabelChange
	MessagesDeleted []MessageRef
}

// HistoryPage is the result of a ListHistory call. HistoryID is the
// mailbox's current watermark, valid even when Records is empty.
type HistoryPage struct {
	Records   []HistoryRecord
	HistoryID string
}

// WatchResult describes a registered push notification channel.
type WatchResult struct {
	HistoryID  string
	Expiration time.Time
}

// Client is the set of mailbox operations the daemon depends on. All
// methods operate on a single owner's mailbox.
type Client interface {
	// GetProfile returns the account address and current history
	// watermark.
	GetProfile(ctx context.Context) (Profile, error)

	// ListHistory returns change records recorded after the given
	// watermark, oldest first. Returns ErrHistoryExpired when the
	// watermark is too old to replay.
	ListHistory(ctx context.Context, startHistoryID string,
		maxResults int) (HistoryPage, error)

	// Watch registers (or renews) the push notification channel for the
	// mailbox.
	Watch(ctx context.Context) (WatchResult, error)

	// Search returns message refs matching the provider query, newest
	// first.
	Search(ctx context.Context, query string,
		maxResults int) ([]MessageRef, error)

	// GetMessage fetches one message in full.
	GetMessage(ctx context.Context, id string) (Message, error)

	// GetThread fetches one conversation in full.
	GetThread(ctx context.Context, id string) (Thread, error)

	// ModifyLabels adds and removes labels on one message.
	ModifyLabels(ctx context.Context, messageID string, add,
		remove []string) error

	// BatchModifyLabels adds and removes labels across all messages of a
	// thread.
	BatchModifyLabels(ctx context.Context, threadID string, add,
		remove []string) error

	// CreateDraft stores a reply draft on the given thread.
	CreateDraft(ctx context.Context, threadID, to, subject,
		body string) (Draft, error)

	// GetDraft fetches a draft by id, or ErrDraftNotFound.
	GetDraft(ctx context.Context, draftID string) (Draft, error)

	// GetThreadDraft returns the newest draft attached to a thread, if
	// any.
	GetThreadDraft(ctx context.Context,
		threadID string) (fn.Option[Draft], error)

	// TrashDraft discards one draft.
	TrashDraft(ctx context.Context, draftID string) error

	// TrashThreadDrafts discards every draft attached to a thread.
	TrashThreadDrafts(ctx context.Context, threadID string) error
}

// Factory resolves the client for an owner's mailbox. Implementations hold
// the per-owner credentials.
type Factory interface {
	ForOwner(ctx context.Context, ownerID int64) (Client, error)
}

// ErrNoTransport is returned by UnconfiguredFactory. Jobs that hit it fail
// with a clear message instead of a nil pointer.
var ErrNoTransport = errors.New("mailbox: no transport configured")

// UnconfiguredFactory is the Factory the daemon falls back to when no mail
// transport has been linked in. Every resolution fails with ErrNoTransport.
type UnconfiguredFactory struct{}

// ForOwner implements Factory.
func (UnconfiguredFactory) ForOwner(ctx context.Context,
	ownerID int64) (Client, error) {

	return nil, ErrNoTransport
}
