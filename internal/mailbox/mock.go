package mailbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// LabelMutation records one ModifyLabels or BatchModifyLabels call made
// against the mock client.
type LabelMutation struct {
	// Target is the message id (or thread id for batch calls) the
	// mutation applied to.
	Target string
	Batch  bool
	Add    []string
	Remove []string
}

// MockClient is an in-memory scripted Client for tests. Fixture fields are
// set directly; mutation methods record their calls for assertions.
type MockClient struct {
	mu sync.Mutex

	// Fixtures.
	Profile_     Profile
	HistoryPages map[string]HistoryPage
	Expired      map[string]bool
	SearchHits   []MessageRef
	Messages     map[string]Message
	Threads      map[string]Thread
	Drafts       map[string]Draft
	ThreadDrafts map[string]Draft
	WatchResult_ WatchResult

	// Recorded mutations.
	Mutations     []LabelMutation
	Created       []Draft
	Trashed       []string
	TrashedThread []string
	Searches      []string

	// Error overrides, keyed by method name.
	Errs map[string]error

	nextDraftID int
}

// A compile time check to ensure MockClient implements Client.
var _ Client = (*MockClient)(nil)

// NewMockClient creates an empty mock mailbox.
func NewMockClient() *MockClient {
	return &MockClient{
		HistoryPages: make(map[string]HistoryPage),
		Expired:      make(map[string]bool),
		Messages:     make(map[string]Message),
		Threads:      make(map[string]Thread),
		Drafts:       make(map[string]Draft),
		ThreadDrafts: make(map[string]Draft),
		Errs:         make(map[string]error),
		nextDraftID:  1,
	}
}

// ForOwner implements Factory by returning the mock itself for every
// owner.
func (m *MockClient) ForOwner(ctx context.Context,
	ownerID int64) (Client, error) {

	return m, nil
}

func (m *MockClient) GetProfile(ctx context.Context) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Errs["GetProfile"]; err != nil {
		return Profile{}, err
	}
	return m.Profile_, nil
}

func (m *MockClient) ListHistory(ctx context.Context, startHistoryID string,
	maxResults int) (HistoryPage, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Errs["ListHistory"]; err != nil {
		return HistoryPage{}, err
	}
	if m.Expired[startHistoryID] {
		return HistoryPage{}, ErrHistoryExpired
	}

	page, ok := m.HistoryPages[startHistoryID]
	if !ok {
		return HistoryPage{HistoryID: m.Profile_.HistoryID}, nil
	}
	return page, nil
}

func (m *MockClient) Watch(ctx context.Context) (WatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Errs["Watch"]; err != nil {
		return WatchResult{}, err
	}
	return m.WatchResult_, nil
}

func (m *MockClient) Search(ctx context.Context, query string,
	maxResults int) ([]MessageRef, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Errs["Search"]; err != nil {
		return nil, err
	}
	m.Searches = append(m.Searches, query)

	hits := m.SearchHits
	if len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	return hits, nil
}

func (m *MockClient) GetMessage(ctx context.Context,
	id string) (Message, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Errs["GetMessage"]; err != nil {
		return Message{}, err
	}

	msg, ok := m.Messages[id]
	if !ok {
		return Message{}, fmt.Errorf("mock: no message %s", id)
	}
	return msg, nil
}

func (m *MockClient) GetThread(ctx context.Context,
	id string) (Thread, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Errs["GetThread"]; err != nil {
		return Thread{}, err
	}

	thread, ok := m.Threads[id]
	if !ok {
		return Thread{}, fmt.Errorf("mock: no thread %s", id)
	}
	return thread, nil
}

func (m *MockClient) ModifyLabels(ctx context.Context, messageID string,
	add, remove []string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Errs["ModifyLabels"]; err != nil {
		return err
	}

	m.Mutations = append(m.Mutations, LabelMutation{
		Target: messageID,
		Add:    add,
		Remove: remove,
	})
	return nil
}

func (m *MockClient) BatchModifyLabels(ctx context.Context, threadID string,
	add, remove []string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Errs["BatchModifyLabels"]; err != nil {
		return err
	}

	m.Mutations = append(m.Mutations, LabelMutation{
		Target: threadID,
		Batch:  true,
		Add:    add,
		Remove: remove,
	})
	return nil
}

func (m *MockClient) CreateDraft(ctx context.Context, threadID, to, subject,
	body string) (Draft, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Errs["CreateDraft"]; err != nil {
		return Draft{}, err
	}

	draft := Draft{
		ID: fmt.Sprintf("draft-%d", m.nextDraftID),
		Message: Message{
			ThreadID: threadID,
			To:       to,
			Subject:  subject,
			Body:     body,
		},
	}
	m.nextDraftID++

	m.Drafts[draft.ID] = draft
	m.Created = append(m.Created, draft)
	return draft, nil
}

func (m *MockClient) GetDraft(ctx context.Context,
	draftID string) (Draft, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Errs["GetDraft"]; err != nil {
		return Draft{}, err
	}

	draft, ok := m.Drafts[draftID]
	if !ok {
		return Draft{}, ErrDraftNotFound
	}
	return draft, nil
}

func (m *MockClient) GetThreadDraft(ctx context.Context,
	threadID string) (fn.Option[Draft], error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Errs["GetThreadDraft"]; err != nil {
		return fn.None[Draft](), err
	}

	draft, ok := m.ThreadDrafts[threadID]
	if !ok {
		return fn.None[Draft](), nil
	}
	return fn.Some(draft), nil
}

func (m *MockClient) TrashDraft(ctx context.Context, draftID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Errs["TrashDraft"]; err != nil {
		return err
	}

	delete(m.Drafts, draftID)
	m.Trashed = append(m.Trashed, draftID)
	return nil
}

func (m *MockClient) TrashThreadDrafts(ctx context.Context,
	threadID string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Errs["TrashThreadDrafts"]; err != nil {
		return err
	}

	for id, draft := range m.Drafts {
		if draft.Message.ThreadID == threadID {
			delete(m.Drafts, id)
		}
	}
	m.TrashedThread = append(m.TrashedThread, threadID)
	return nil
}
