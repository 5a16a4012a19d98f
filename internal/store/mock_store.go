package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockStore is an in-memory implementation of the Storage interface for
// testing.
type MockStore struct {
	mu sync.Mutex

	owners     map[int64]Owner
	syncStates map[int64]SyncState
	emails     map[string]Email
	events     []EmailEvent
	labels     map[string]mockLabel

	nextOwnerID int64
	nextEmailID int64
	nextEventID int64
}

// A compile time check to ensure MockStore implements Storage.
var _ Storage = (*MockStore)(nil)

// NewMockStore creates a new empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{
		owners:      make(map[int64]Owner),
		syncStates:  make(map[int64]SyncState),
		emails:      make(map[string]Email),
		labels:      make(map[string]mockLabel),
		nextOwnerID: 1,
		nextEmailID: 1,
		nextEventID: 1,
	}
}

// emailKey builds the map key for the unique (owner, thread) pair.
func emailKey(ownerID int64, threadID string) string {
	return fmt.Sprintf("%d/%s", ownerID, threadID)
}

// labelKey builds the map key for the (owner, label key) pair.
func labelKey(ownerID int64, key string) string {
	return fmt.Sprintf("%d/%s", ownerID, key)
}

// mockLabel holds the provider side of one label mapping entry.
type mockLabel struct {
	id   string
	name string
}

// WithTx runs the callback against the same store. The mock has no real
// transactions; its single mutex already serializes access.
func (m *MockStore) WithTx(ctx context.Context,
	fn func(ctx context.Context, store Storage) error) error {

	return fn(ctx, m)
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// CreateOwner registers a new mailbox account.
func (m *MockStore) CreateOwner(ctx context.Context, email,
	displayName string) (Owner, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.owners {
		if o.Email == email {
			return Owner{}, fmt.Errorf("owner %s already exists",
				email)
		}
	}

	owner := Owner{
		ID:          m.nextOwnerID,
		Email:       email,
		DisplayName: displayName,
		Active:      true,
		CreatedAt:   time.Now(),
	}
	m.owners[owner.ID] = owner
	m.nextOwnerID++

	return owner, nil
}

// GetOwner retrieves an owner by id.
func (m *MockStore) GetOwner(ctx context.Context, id int64) (Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner, ok := m.owners[id]
	if !ok {
		return Owner{}, ErrNotFound
	}
	return owner, nil
}

// GetOwnerByEmail retrieves an owner by mailbox address.
func (m *MockStore) GetOwnerByEmail(ctx context.Context,
	email string) (Owner, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.owners {
		if o.Email == email {
			return o, nil
		}
	}
	return Owner{}, ErrNotFound
}

// ListActiveOwners returns all owners with the active flag set.
func (m *MockStore) ListActiveOwners(ctx context.Context) ([]Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var owners []Owner
	for id := int64(1); id < m.nextOwnerID; id++ {
		if o, ok := m.owners[id]; ok && o.Active {
			owners = append(owners, o)
		}
	}
	return owners, nil
}

// SetOwnerActive flips the active flag for an owner.
func (m *MockStore) SetOwnerActive(ctx context.Context, id int64,
	active bool) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	owner, ok := m.owners[id]
	if !ok {
		return ErrNotFound
	}
	owner.Active = active
	m.owners[id] = owner
	return nil
}

// GetSyncState returns the sync state for an owner.
func (m *MockStore) GetSyncState(ctx context.Context,
	ownerID int64) (SyncState, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.syncStates[ownerID]
	if !ok {
		return SyncState{}, ErrNotFound
	}
	return state, nil
}

// UpsertSyncState advances the history watermark.
func (m *MockStore) UpsertSyncState(ctx context.Context, ownerID int64,
	historyID string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	state := m.syncStates[ownerID]
	state.OwnerID = ownerID
	state.LastHistoryID = historyID
	state.LastSyncedAt = &now
	state.UpdatedAt = now
	m.syncStates[ownerID] = state
	return nil
}

// UpsertWatchExpiration records when the current mailbox push watch expires.
func (m *MockStore) UpsertWatchExpiration(ctx context.Context,
	ownerID int64, expiration time.Time) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.syncStates[ownerID]
	state.OwnerID = ownerID
	if state.LastHistoryID == "" {
		state.LastHistoryID = "0"
	}
	state.WatchExpiration = &expiration
	state.UpdatedAt = time.Now()
	m.syncStates[ownerID] = state
	return nil
}

// UpsertEmail inserts or refreshes the triage record for a thread.
func (m *MockStore) UpsertEmail(ctx context.Context,
	params UpsertEmailParams) (Email, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	messageCount := params.MessageCount
	if messageCount == 0 {
		messageCount = 1
	}

	key := emailKey(params.OwnerID, params.ThreadID)
	email, ok := m.emails[key]
	if !ok {
		email = Email{
			ID:        m.nextEmailID,
			OwnerID:   params.OwnerID,
			ThreadID:  params.ThreadID,
			CreatedAt: time.Now(),
		}
		m.nextEmailID++
	}

	email.MessageID = params.MessageID
	email.Sender = params.Sender
	email.Subject = params.Subject
	email.LabelKey = params.LabelKey
	email.Status = params.Status
	email.MessageCount = messageCount
	m.emails[key] = email

	return email, nil
}

// GetEmailByThread retrieves the triage record for a thread.
func (m *MockStore) GetEmailByThread(ctx context.Context, ownerID int64,
	threadID string) (Email, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	email, ok := m.emails[emailKey(ownerID, threadID)]
	if !ok {
		return Email{}, ErrNotFound
	}
	return email, nil
}

// SetEmailStatus updates the lifecycle status.
func (m *MockStore) SetEmailStatus(ctx context.Context, ownerID int64,
	threadID string, status EmailStatus) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	key := emailKey(ownerID, threadID)
	email, ok := m.emails[key]
	if !ok {
		return ErrNotFound
	}

	email.Status = status
	if status == StatusSent || status == StatusSkipped ||
		status == StatusArchived {

		now := time.Now()
		email.ActedAt = &now
	}
	m.emails[key] = email
	return nil
}

// SetEmailDraft records a created draft.
func (m *MockStore) SetEmailDraft(ctx context.Context, ownerID int64,
	threadID, draftID string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	key := emailKey(ownerID, threadID)
	email, ok := m.emails[key]
	if !ok {
		return ErrNotFound
	}

	now := time.Now()
	email.DraftID = &draftID
	email.Status = StatusDrafted
	email.DraftedAt = &now
	m.emails[key] = email
	return nil
}

// ClearEmailDraft drops the stored draft id.
func (m *MockStore) ClearEmailDraft(ctx context.Context, ownerID int64,
	threadID string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	key := emailKey(ownerID, threadID)
	email, ok := m.emails[key]
	if !ok {
		return ErrNotFound
	}

	email.DraftID = nil
	m.emails[key] = email
	return nil
}

// IncrementReworkCount bumps the rework counter and moves the email back to
// drafted.
func (m *MockStore) IncrementReworkCount(ctx context.Context, ownerID int64,
	threadID string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	key := emailKey(ownerID, threadID)
	email, ok := m.emails[key]
	if !ok {
		return ErrNotFound
	}

	email.ReworkCount++
	email.Status = StatusDrafted
	m.emails[key] = email
	return nil
}

// SetReworkInstruction records the operator note attached to a rework
// request.
func (m *MockStore) SetReworkInstruction(ctx context.Context, ownerID int64,
	threadID, instruction string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	key := emailKey(ownerID, threadID)
	email, ok := m.emails[key]
	if !ok {
		return ErrNotFound
	}

	email.LastReworkInstruction = instruction
	m.emails[key] = email
	return nil
}

// SetEmailMessageCount records the thread length observed at triage time.
func (m *MockStore) SetEmailMessageCount(ctx context.Context, ownerID int64,
	threadID string, count int) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	key := emailKey(ownerID, threadID)
	email, ok := m.emails[key]
	if !ok {
		return ErrNotFound
	}

	email.MessageCount = count
	m.emails[key] = email
	return nil
}

// ListEmailsByStatus returns triage records in the given status, newest
// first.
func (m *MockStore) ListEmailsByStatus(ctx context.Context, ownerID int64,
	status EmailStatus, limit int) ([]Email, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	var emails []Email
	for id := m.nextEmailID - 1; id >= 1 && len(emails) < limit; id-- {
		for _, e := range m.emails {
			if e.ID == id && e.OwnerID == ownerID &&
				e.Status == status {

				emails = append(emails, e)
			}
		}
	}
	return emails, nil
}

// AppendEvent writes one audit entry.
func (m *MockStore) AppendEvent(ctx context.Context,
	params AppendEventParams) (EmailEvent, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	event := EmailEvent{
		ID:        m.nextEventID,
		OwnerID:   params.OwnerID,
		ThreadID:  params.ThreadID,
		EventType: params.EventType,
		Detail:    params.Detail,
		LabelID:   params.LabelID,
		DraftID:   params.DraftID,
		CreatedAt: time.Now(),
	}
	m.nextEventID++
	m.events = append(m.events, event)

	return event, nil
}

// ListEventsByThread returns the audit trail of a thread in append order.
func (m *MockStore) ListEventsByThread(ctx context.Context, ownerID int64,
	threadID string) ([]EmailEvent, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	var events []EmailEvent
	for _, e := range m.events {
		if e.OwnerID == ownerID && e.ThreadID == threadID {
			events = append(events, e)
		}
	}
	return events, nil
}

// Events returns a copy of every audit entry written, for test assertions.
func (m *MockStore) Events() []EmailEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := make([]EmailEvent, len(m.events))
	copy(events, m.events)
	return events
}

// PutLabel stores or replaces one key to id/name mapping.
func (m *MockStore) PutLabel(ctx context.Context, ownerID int64, key,
	labelID, name string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.labels[labelKey(ownerID, key)] = mockLabel{id: labelID, name: name}
	return nil
}

// GetLabelMapping returns the full key to id mapping for an owner.
func (m *MockStore) GetLabelMapping(ctx context.Context,
	ownerID int64) (map[string]string, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := fmt.Sprintf("%d/", ownerID)
	mapping := make(map[string]string)
	for k, v := range m.labels {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			mapping[k[len(prefix):]] = v.id
		}
	}
	return mapping, nil
}

// GetLabelNames returns the key to display name mapping for an owner.
func (m *MockStore) GetLabelNames(ctx context.Context,
	ownerID int64) (map[string]string, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := fmt.Sprintf("%d/", ownerID)
	names := make(map[string]string)
	for k, v := range m.labels {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix &&
			v.name != "" {

			names[k[len(prefix):]] = v.name
		}
	}
	return names, nil
}
