package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/inboxd/inboxd/internal/db"
)

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx, so the
// same query methods serve both direct and transaction-bound stores.
type dbtx interface {
	ExecContext(ctx context.Context, query string,
		args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string,
		args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string,
		args ...any) *sql.Row
}

// SqliteStore implements the Storage interface with hand-written SQL against
// the sqlite backend.
type SqliteStore struct {
	db *db.Store
	q  dbtx
}

// A compile time check to ensure SqliteStore implements Storage.
var _ Storage = (*SqliteStore)(nil)

// NewSqliteStore creates a new SqliteStore on top of the given database
// store.
func NewSqliteStore(dbStore *db.Store) *SqliteStore {
	return &SqliteStore{
		db: dbStore,
		q:  dbStore.DB(),
	}
}

// WithTx executes the given function within a database transaction. The
// store passed to the callback issues all its queries against that
// transaction.
func (s *SqliteStore) WithTx(ctx context.Context,
	fn func(ctx context.Context, store Storage) error) error {

	return s.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		txStore := &SqliteStore{
			db: s.db,
			q:  tx,
		}
		return fn(ctx, txStore)
	})
}

// Close closes the underlying database connection.
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// CreateOwner registers a new mailbox account.
func (s *SqliteStore) CreateOwner(ctx context.Context, email,
	displayName string) (Owner, error) {

	row := s.q.QueryRowContext(ctx, `
		INSERT INTO owners (email, display_name)
		VALUES (?, ?)
		RETURNING id, email, display_name, active, created_at
	`, email, displayName)

	owner, err := scanOwner(row)
	if err != nil {
		return Owner{}, fmt.Errorf("failed to create owner: %w",
			db.MapSQLError(err))
	}

	return owner, nil
}

// GetOwner retrieves an owner by id.
func (s *SqliteStore) GetOwner(ctx context.Context, id int64) (Owner, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, email, display_name, active, created_at
		FROM owners WHERE id = ?
	`, id)

	owner, err := scanOwner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Owner{}, ErrNotFound
	}
	if err != nil {
		return Owner{}, fmt.Errorf("failed to get owner: %w", err)
	}

	return owner, nil
}

// GetOwnerByEmail retrieves an owner by mailbox address.
func (s *SqliteStore) GetOwnerByEmail(ctx context.Context,
	email string) (Owner, error) {

	row := s.q.QueryRowContext(ctx, `
		SELECT id, email, display_name, active, created_at
		FROM owners WHERE email = ?
	`, email)

	owner, err := scanOwner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Owner{}, ErrNotFound
	}
	if err != nil {
		return Owner{}, fmt.Errorf("failed to get owner: %w", err)
	}

	return owner, nil
}

// ListActiveOwners returns all owners with the active flag set.
func (s *SqliteStore) ListActiveOwners(ctx context.Context) ([]Owner, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, email, display_name, active, created_at
		FROM owners WHERE active = 1 ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	defer rows.Close()

	var owners []Owner
	for rows.Next() {
		owner, err := scanOwner(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, owner)
	}

	return owners, rows.Err()
}

// SetOwnerActive flips the active flag for an owner.
func (s *SqliteStore) SetOwnerActive(ctx context.Context, id int64,
	active bool) error {

	res, err := s.q.ExecContext(ctx, `
		UPDATE owners SET active = ? WHERE id = ?
	`, active, id)
	if err != nil {
		return fmt.Errorf("failed to update owner: %w", err)
	}

	return requireRow(res)
}

// GetSyncState returns the sync state for an owner, or ErrNotFound if the
// owner has never synced.
func (s *SqliteStore) GetSyncState(ctx context.Context,
	ownerID int64) (SyncState, error) {

	row := s.q.QueryRowContext(ctx, `
		SELECT owner_id, last_history_id, last_synced_at,
		       watch_expiration, updated_at
		FROM sync_state WHERE owner_id = ?
	`, ownerID)

	var (
		state              SyncState
		syncedAt, watchExp sql.NullTime
	)
	err := row.Scan(
		&state.OwnerID, &state.LastHistoryID, &syncedAt, &watchExp,
		&state.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncState{}, ErrNotFound
	}
	if err != nil {
		return SyncState{}, fmt.Errorf("failed to get sync state: %w",
			err)
	}

	state.LastSyncedAt = nullableTime(syncedAt)
	state.WatchExpiration = nullableTime(watchExp)

	return state, nil
}

// UpsertSyncState advances the history watermark and stamps last_synced_at.
func (s *SqliteStore) UpsertSyncState(ctx context.Context, ownerID int64,
	historyID string) error {

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sync_state (
			owner_id, last_history_id, last_synced_at, updated_at
		)
		VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (owner_id) DO UPDATE SET
			last_history_id = excluded.last_history_id,
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at
	`, ownerID, historyID)
	if err != nil {
		return fmt.Errorf("failed to upsert sync state: %w",
			db.MapSQLError(err))
	}

	return nil
}

// UpsertWatchExpiration records when the current mailbox push watch expires.
func (s *SqliteStore) UpsertWatchExpiration(ctx context.Context,
	ownerID int64, expiration time.Time) error {

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sync_state (
			owner_id, watch_expiration, updated_at
		)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (owner_id) DO UPDATE SET
			watch_expiration = excluded.watch_expiration,
			updated_at = excluded.updated_at
	`, ownerID, expiration.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert watch expiration: %w",
			db.MapSQLError(err))
	}

	return nil
}

// UpsertEmail inserts or refreshes the triage record for a thread.
func (s *SqliteStore) UpsertEmail(ctx context.Context,
	params UpsertEmailParams) (Email, error) {

	messageCount := params.MessageCount
	if messageCount == 0 {
		messageCount = 1
	}

	row := s.q.QueryRowContext(ctx, `
		INSERT INTO emails (
			owner_id, thread_id, message_id, sender, subject,
			label_key, status, message_count
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, thread_id) DO UPDATE SET
			message_id = excluded.message_id,
			sender = excluded.sender,
			subject = excluded.subject,
			label_key = excluded.label_key,
			status = excluded.status,
			message_count = excluded.message_count
		RETURNING id, owner_id, thread_id, message_id, sender, subject,
			label_key, status, draft_id, rework_count,
			last_rework_instruction, message_count, created_at,
			drafted_at, acted_at
	`, params.OwnerID, params.ThreadID, params.MessageID, params.Sender,
		params.Subject, params.LabelKey, params.Status, messageCount)

	email, err := scanEmail(row)
	if err != nil {
		return Email{}, fmt.Errorf("failed to upsert email: %w",
			db.MapSQLError(err))
	}

	return email, nil
}

// GetEmailByThread retrieves the triage record for a thread, or ErrNotFound.
func (s *SqliteStore) GetEmailByThread(ctx context.Context, ownerID int64,
	threadID string) (Email, error) {

	row := s.q.QueryRowContext(ctx, `
		SELECT id, owner_id, thread_id, message_id, sender, subject,
			label_key, status, draft_id, rework_count,
			last_rework_instruction, message_count, created_at,
			drafted_at, acted_at
		FROM emails WHERE owner_id = ? AND thread_id = ?
	`, ownerID, threadID)

	email, err := scanEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Email{}, ErrNotFound
	}
	if err != nil {
		return Email{}, fmt.Errorf("failed to get email: %w", err)
	}

	return email, nil
}

// SetEmailStatus updates the lifecycle status. Statuses that end automation
// for the thread (sent, skipped, archived) also stamp acted_at.
func (s *SqliteStore) SetEmailStatus(ctx context.Context, ownerID int64,
	threadID string, status EmailStatus) error {

	query := `UPDATE emails SET status = ?
		WHERE owner_id = ? AND thread_id = ?`
	if status == StatusSent || status == StatusSkipped ||
		status == StatusArchived {

		query = `UPDATE emails
			SET status = ?, acted_at = CURRENT_TIMESTAMP
			WHERE owner_id = ? AND thread_id = ?`
	}

	res, err := s.q.ExecContext(ctx, query, status, ownerID, threadID)
	if err != nil {
		return fmt.Errorf("failed to set email status: %w", err)
	}

	return requireRow(res)
}

// SetEmailDraft records a created draft: draft id, status drafted and
// drafted_at.
func (s *SqliteStore) SetEmailDraft(ctx context.Context, ownerID int64,
	threadID, draftID string) error {

	res, err := s.q.ExecContext(ctx, `
		UPDATE emails
		SET draft_id = ?, status = ?, drafted_at = CURRENT_TIMESTAMP
		WHERE owner_id = ? AND thread_id = ?
	`, draftID, StatusDrafted, ownerID, threadID)
	if err != nil {
		return fmt.Errorf("failed to set email draft: %w", err)
	}

	return requireRow(res)
}

// ClearEmailDraft drops the stored draft id without touching status.
func (s *SqliteStore) ClearEmailDraft(ctx context.Context, ownerID int64,
	threadID string) error {

	res, err := s.q.ExecContext(ctx, `
		UPDATE emails SET draft_id = NULL
		WHERE owner_id = ? AND thread_id = ?
	`, ownerID, threadID)
	if err != nil {
		return fmt.Errorf("failed to clear email draft: %w", err)
	}

	return requireRow(res)
}

// IncrementReworkCount bumps the rework counter and moves the email back to
// drafted.
func (s *SqliteStore) IncrementReworkCount(ctx context.Context,
	ownerID int64, threadID string) error {

	res, err := s.q.ExecContext(ctx, `
		UPDATE emails
		SET rework_count = rework_count + 1, status = ?
		WHERE owner_id = ? AND thread_id = ?
	`, StatusDrafted, ownerID, threadID)
	if err != nil {
		return fmt.Errorf("failed to increment rework count: %w", err)
	}

	return requireRow(res)
}

// SetReworkInstruction records the operator note attached to a rework
// request.
func (s *SqliteStore) SetReworkInstruction(ctx context.Context,
	ownerID int64, threadID, instruction string) error {

	res, err := s.q.ExecContext(ctx, `
		UPDATE emails SET last_rework_instruction = ?
		WHERE owner_id = ? AND thread_id = ?
	`, instruction, ownerID, threadID)
	if err != nil {
		return fmt.Errorf("failed to set rework instruction: %w", err)
	}

	return requireRow(res)
}

// SetEmailMessageCount records the thread length observed at triage time.
func (s *SqliteStore) SetEmailMessageCount(ctx context.Context,
	ownerID int64, threadID string, count int) error {

	res, err := s.q.ExecContext(ctx, `
		UPDATE emails SET message_count = ?
		WHERE owner_id = ? AND thread_id = ?
	`, count, ownerID, threadID)
	if err != nil {
		return fmt.Errorf("failed to set message count: %w", err)
	}

	return requireRow(res)
}

// ListEmailsByStatus returns triage records in the given status, newest
// first.
func (s *SqliteStore) ListEmailsByStatus(ctx context.Context, ownerID int64,
	status EmailStatus, limit int) ([]Email, error) {

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, owner_id, thread_id, message_id, sender, subject,
			label_key, status, draft_id, rework_count,
			last_rework_instruction, message_count, created_at,
			drafted_at, acted_at
		FROM emails
		WHERE owner_id = ? AND status = ?
		ORDER BY id DESC LIMIT ?
	`, ownerID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list emails: %w", err)
	}
	defer rows.Close()

	var emails []Email
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}
		emails = append(emails, email)
	}

	return emails, rows.Err()
}

// AppendEvent writes one audit entry.
func (s *SqliteStore) AppendEvent(ctx context.Context,
	params AppendEventParams) (EmailEvent, error) {

	row := s.q.QueryRowContext(ctx, `
		INSERT INTO email_events (
			owner_id, thread_id, event_type, detail, label_id,
			draft_id
		)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id, owner_id, thread_id, event_type, detail,
			label_id, draft_id, created_at
	`, params.OwnerID, params.ThreadID, params.EventType,
		toNullString(params.Detail), toNullString(params.LabelID),
		toNullString(params.DraftID))

	event, err := scanEvent(row)
	if err != nil {
		return EmailEvent{}, fmt.Errorf("failed to append event: %w",
			db.MapSQLError(err))
	}

	return event, nil
}

// ListEventsByThread returns the audit trail of a thread in append order.
func (s *SqliteStore) ListEventsByThread(ctx context.Context, ownerID int64,
	threadID string) ([]EmailEvent, error) {

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, owner_id, thread_id, event_type, detail, label_id,
			draft_id, created_at
		FROM email_events
		WHERE owner_id = ? AND thread_id = ?
		ORDER BY id
	`, ownerID, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []EmailEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// PutLabel stores or replaces one key to id/name mapping.
func (s *SqliteStore) PutLabel(ctx context.Context, ownerID int64, key,
	labelID, name string) error {

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO labels (owner_id, label_key, label_id, label_name)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (owner_id, label_key) DO UPDATE SET
			label_id = excluded.label_id,
			label_name = excluded.label_name
	`, ownerID, key, labelID, name)
	if err != nil {
		return fmt.Errorf("failed to put label: %w",
			db.MapSQLError(err))
	}

	return nil
}

// GetLabelMapping returns the full key to id mapping for an owner.
func (s *SqliteStore) GetLabelMapping(ctx context.Context,
	ownerID int64) (map[string]string, error) {

	rows, err := s.q.QueryContext(ctx, `
		SELECT label_key, label_id FROM labels WHERE owner_id = ?
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get label mapping: %w", err)
	}
	defer rows.Close()

	mapping := make(map[string]string)
	for rows.Next() {
		var key, id string
		if err := rows.Scan(&key, &id); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		mapping[key] = id
	}

	return mapping, rows.Err()
}

// GetLabelNames returns the key to display name mapping for an owner.
func (s *SqliteStore) GetLabelNames(ctx context.Context,
	ownerID int64) (map[string]string, error) {

	rows, err := s.q.QueryContext(ctx, `
		SELECT label_key, label_name FROM labels
		WHERE owner_id = ? AND label_name != ''
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get label names: %w", err)
	}
	defer rows.Close()

	names := make(map[string]string)
	for rows.Next() {
		var key, name string
		if err := rows.Scan(&key, &name); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		names[key] = name
	}

	return names, rows.Err()
}

// scanner abstracts over *sql.Row and *sql.Rows for the shared scan
// helpers.
type scanner interface {
	Scan(dest ...any) error
}

// scanOwner scans one owners row.
func scanOwner(row scanner) (Owner, error) {
	var owner Owner
	err := row.Scan(
		&owner.ID, &owner.Email, &owner.DisplayName, &owner.Active,
		&owner.CreatedAt,
	)
	return owner, err
}

// scanEmail scans one emails row.
func scanEmail(row scanner) (Email, error) {
	var (
		email              Email
		draftID            sql.NullString
		draftedAt, actedAt sql.NullTime
	)
	err := row.Scan(
		&email.ID, &email.OwnerID, &email.ThreadID, &email.MessageID,
		&email.Sender, &email.Subject, &email.LabelKey, &email.Status,
		&draftID, &email.ReworkCount, &email.LastReworkInstruction,
		&email.MessageCount, &email.CreatedAt, &draftedAt, &actedAt,
	)
	if err != nil {
		return Email{}, err
	}

	email.DraftID = nullableString(draftID)
	email.DraftedAt = nullableTime(draftedAt)
	email.ActedAt = nullableTime(actedAt)

	return email, nil
}

// scanEvent scans one email_events row.
func scanEvent(row scanner) (EmailEvent, error) {
	var (
		event                    EmailEvent
		detail, labelID, draftID sql.NullString
	)
	err := row.Scan(
		&event.ID, &event.OwnerID, &event.ThreadID, &event.EventType,
		&detail, &labelID, &draftID, &event.CreatedAt,
	)
	if err != nil {
		return EmailEvent{}, err
	}

	event.Detail = detail.String
	event.LabelID = labelID.String
	event.DraftID = draftID.String

	return event, nil
}

// toNullString maps an empty string to NULL.
func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// requireRow converts a zero-rows-affected update into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
