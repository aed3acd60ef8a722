// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Append assigns gap-free per-thread sequence numbers under a thread-scoped lock

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// threadLocks serializes appends per thread id. The lock scope is a
	// single thread, so unrelated threads append fully in parallel.
	mu          sync.Mutex
	threadLocks map[string]*sync.Mutex
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// A single connection keeps the in-memory database coherent and avoids
	// SQLITE_BUSY on concurrent writers; appends are serialized per thread
	// above this layer anyway.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:          db,
		logger:      logger,
		threadLocks: make(map[string]*sync.Mutex),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id              TEXT PRIMARY KEY,
			username        TEXT NOT NULL UNIQUE,
			email           TEXT,
			hashed_password TEXT,
			role            TEXT NOT NULL DEFAULT 'user',
			created_at      TEXT NOT NULL,
			is_active       INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS threads (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL,
			description TEXT,
			owner_id    TEXT NOT NULL REFERENCES users(id),
			status      TEXT NOT NULL DEFAULT 'active',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			settings    TEXT,

			CHECK (status IN ('active', 'archived', 'closed'))
		);

		CREATE TABLE IF NOT EXISTS thread_participants (
			thread_id     TEXT NOT NULL REFERENCES threads(id),
			user_id       TEXT NOT NULL REFERENCES users(id),
			joined_at     TEXT NOT NULL,
			last_read_at  TEXT,
			last_read_seq INTEGER NOT NULL DEFAULT 0,
			is_active     INTEGER NOT NULL DEFAULT 1,

			PRIMARY KEY (thread_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS thread_agents (
			id         TEXT PRIMARY KEY,
			thread_id  TEXT NOT NULL REFERENCES threads(id),
			agent_type TEXT NOT NULL,
			is_active  INTEGER NOT NULL DEFAULT 1,
			settings   TEXT,
			created_at TEXT NOT NULL,

			UNIQUE (thread_id, agent_type)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			thread_id  TEXT NOT NULL REFERENCES threads(id),
			seq        INTEGER NOT NULL,
			user_id    TEXT REFERENCES users(id),
			agent_id   TEXT REFERENCES thread_agents(id),
			content    TEXT NOT NULL,
			metadata   TEXT,
			parent_id  TEXT REFERENCES messages(id),
			created_at TEXT NOT NULL,
			edited_at  TEXT,
			deleted_at TEXT,

			UNIQUE (thread_id, seq),
			CHECK ((user_id IS NULL) != (agent_id IS NULL))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_thread_seq
			ON messages(thread_id, seq);

		CREATE TABLE IF NOT EXISTS message_read_receipts (
			id         TEXT PRIMARY KEY,
			message_id TEXT NOT NULL REFERENCES messages(id),
			user_id    TEXT NOT NULL REFERENCES users(id),
			read_at    TEXT NOT NULL,

			UNIQUE (message_id, user_id)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// threadLock returns the append lock for a thread, creating it on first use
func (s *SQLiteStore) threadLock(threadID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.threadLocks[threadID]
	if !ok {
		lock = &sync.Mutex{}
		s.threadLocks[threadID] = lock
	}
	return lock
}

// classify maps driver-level failures onto the store error taxonomy.
// Lock contention and I/O faults are transient and surface as ErrUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "disk I/O error") {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// CreateUser inserts a user reference row. A zero CreatedAt defaults to now.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, role, created_at, is_active) VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Email, user.Role, formatTime(user.CreatedAt), user.IsActive)
	if err != nil {
		return classify(fmt.Errorf("inserting user: %w", err))
	}
	return nil
}

// GetUser retrieves a user by id
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, COALESCE(email, ''), role, created_at, is_active FROM users WHERE id = ?`, id)

	var u User
	var createdAt string
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Role, &createdAt, &u.IsActive); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// CreateThread inserts a thread. Zero timestamps default to now, so
// updated_at starts from a real point for its monotonic contract.
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *Thread) error {
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now()
	}
	if thread.UpdatedAt.IsZero() {
		thread.UpdatedAt = thread.CreatedAt
	}
	settings, err := marshalJSON(thread.Settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (id, title, description, owner_id, status, created_at, updated_at, settings)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		thread.ID, thread.Title, thread.Description, thread.OwnerID, string(thread.Status),
		formatTime(thread.CreatedAt), formatTime(thread.UpdatedAt), settings)
	if err != nil {
		return classify(fmt.Errorf("inserting thread: %w", err))
	}
	return nil
}

// GetThread retrieves a thread by id
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	return s.getThread(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getThread(ctx context.Context, q querier, id string) (*Thread, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, title, COALESCE(description, ''), owner_id, status, created_at, updated_at, settings
		 FROM threads WHERE id = ?`, id)

	var t Thread
	var status, createdAt, updatedAt string
	var settings sql.NullString
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.OwnerID, &status, &createdAt, &updatedAt, &settings); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrThreadNotFound
		}
		return nil, classify(err)
	}
	t.Status = ThreadStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	if settings.Valid && settings.String != "" {
		if err := json.Unmarshal([]byte(settings.String), &t.Settings); err != nil {
			return nil, fmt.Errorf("decoding settings: %w", err)
		}
	}
	return &t, nil
}

// UpdateThreadStatus transitions a thread's lifecycle state
func (s *SQLiteStore) UpdateThreadStatus(ctx context.Context, id string, status ThreadStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// UpdateThreadSettings replaces a thread's settings
func (s *SQLiteStore) UpdateThreadSettings(ctx context.Context, id string, settings ThreadSettings) error {
	encoded, err := marshalJSON(settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET settings = ?, updated_at = ? WHERE id = ?`,
		encoded, formatTime(time.Now()), id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// AddParticipant joins a user to a thread. Re-adding an inactive participant
// reactivates the membership without resetting the read marker.
func (s *SQLiteStore) AddParticipant(ctx context.Context, threadID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_participants (thread_id, user_id, joined_at, is_active)
		 VALUES (?, ?, ?, 1)
		 ON CONFLICT (thread_id, user_id) DO UPDATE SET is_active = 1`,
		threadID, userID, formatTime(time.Now()))
	if err != nil {
		return classify(fmt.Errorf("inserting participant: %w", err))
	}
	return nil
}

// GetParticipant retrieves a membership row
func (s *SQLiteStore) GetParticipant(ctx context.Context, threadID, userID string) (*Participant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, user_id, joined_at, last_read_at, last_read_seq, is_active
		 FROM thread_participants WHERE thread_id = ? AND user_id = ?`, threadID, userID)

	var p Participant
	var joinedAt string
	var lastReadAt sql.NullString
	if err := row.Scan(&p.ThreadID, &p.UserID, &joinedAt, &lastReadAt, &p.LastReadSeq, &p.IsActive); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	p.JoinedAt = parseTime(joinedAt)
	p.LastReadAt = parseTimePtr(lastReadAt)
	return &p, nil
}

// ListParticipants returns all memberships for a thread
func (s *SQLiteStore) ListParticipants(ctx context.Context, threadID string) ([]*Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, user_id, joined_at, last_read_at, last_read_seq, is_active
		 FROM thread_participants WHERE thread_id = ? ORDER BY joined_at`, threadID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*Participant
	for rows.Next() {
		var p Participant
		var joinedAt string
		var lastReadAt sql.NullString
		if err := rows.Scan(&p.ThreadID, &p.UserID, &joinedAt, &lastReadAt, &p.LastReadSeq, &p.IsActive); err != nil {
			return nil, classify(err)
		}
		p.JoinedAt = parseTime(joinedAt)
		p.LastReadAt = parseTimePtr(lastReadAt)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// DeactivateParticipant marks a membership inactive; history is retained
func (s *SQLiteStore) DeactivateParticipant(ctx context.Context, threadID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE thread_participants SET is_active = 0 WHERE thread_id = ? AND user_id = ?`,
		threadID, userID)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// BindAgent binds an agent type to a thread. Each type binds at most once
// per thread; rebinding an existing type returns ErrDuplicateAgent.
func (s *SQLiteStore) BindAgent(ctx context.Context, binding *AgentBinding) error {
	if binding.CreatedAt.IsZero() {
		binding.CreatedAt = time.Now()
	}
	settings, err := marshalJSON(binding.Settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO thread_agents (id, thread_id, agent_type, is_active, settings, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		binding.ID, binding.ThreadID, binding.AgentType, binding.IsActive, settings,
		formatTime(binding.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateAgent
		}
		return classify(fmt.Errorf("inserting agent binding: %w", err))
	}
	return nil
}

func scanBinding(row interface{ Scan(...any) error }) (*AgentBinding, error) {
	var b AgentBinding
	var createdAt string
	var settings sql.NullString
	if err := row.Scan(&b.ID, &b.ThreadID, &b.AgentType, &b.IsActive, &settings, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	b.CreatedAt = parseTime(createdAt)
	if settings.Valid && settings.String != "" {
		if err := json.Unmarshal([]byte(settings.String), &b.Settings); err != nil {
			return nil, fmt.Errorf("decoding settings: %w", err)
		}
	}
	return &b, nil
}

// GetAgentBinding retrieves a binding by id
func (s *SQLiteStore) GetAgentBinding(ctx context.Context, id string) (*AgentBinding, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, agent_type, is_active, settings, created_at
		 FROM thread_agents WHERE id = ?`, id)
	return scanBinding(row)
}

// GetAgentBindingByType retrieves a binding by its unique (thread, type) key
func (s *SQLiteStore) GetAgentBindingByType(ctx context.Context, threadID, agentType string) (*AgentBinding, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, agent_type, is_active, settings, created_at
		 FROM thread_agents WHERE thread_id = ? AND agent_type = ?`, threadID, agentType)
	return scanBinding(row)
}

// ListAgentBindings returns bindings for a thread, optionally active only
func (s *SQLiteStore) ListAgentBindings(ctx context.Context, threadID string, activeOnly bool) ([]*AgentBinding, error) {
	query := `SELECT id, thread_id, agent_type, is_active, settings, created_at
		 FROM thread_agents WHERE thread_id = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*AgentBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeactivateAgentBinding marks a binding inactive. Its past messages remain;
// it may not author new ones.
func (s *SQLiteStore) DeactivateAgentBinding(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE thread_agents SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Append persists one message, assigning the next sequence number for the
// thread atomically with the write. Appends to the same thread serialize on
// a per-thread lock; unrelated threads proceed in parallel.
func (s *SQLiteStore) Append(ctx context.Context, req *AppendRequest) (*Message, error) {
	if !req.Author.Valid() {
		return nil, fmt.Errorf("%w: exactly one of user or agent author required", ErrAuthorNotBound)
	}

	lock := s.threadLock(req.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("beginning append tx: %w", err))
	}
	defer tx.Rollback()

	if _, err := s.getThread(ctx, tx, req.ThreadID); err != nil {
		return nil, err
	}

	// Author must be (still) bound to the thread at time of authorship
	if req.Author.UserID != "" {
		var active bool
		err = tx.QueryRowContext(ctx,
			`SELECT is_active FROM thread_participants WHERE thread_id = ? AND user_id = ?`,
			req.ThreadID, req.Author.UserID).Scan(&active)
		if err == sql.ErrNoRows || (err == nil && !active) {
			return nil, ErrAuthorNotBound
		}
		if err != nil {
			return nil, classify(err)
		}
	} else {
		var active bool
		var boundThread string
		err = tx.QueryRowContext(ctx,
			`SELECT thread_id, is_active FROM thread_agents WHERE id = ?`,
			req.Author.AgentID).Scan(&boundThread, &active)
		if err == sql.ErrNoRows || (err == nil && (!active || boundThread != req.ThreadID)) {
			return nil, ErrAuthorNotBound
		}
		if err != nil {
			return nil, classify(err)
		}
	}

	if req.ParentID != nil {
		var parentThread string
		err = tx.QueryRowContext(ctx,
			`SELECT thread_id FROM messages WHERE id = ?`, *req.ParentID).Scan(&parentThread)
		if err == sql.ErrNoRows || (err == nil && parentThread != req.ThreadID) {
			return nil, ErrInvalidParent
		}
		if err != nil {
			return nil, classify(err)
		}
	}

	var nextSeq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE thread_id = ?`,
		req.ThreadID).Scan(&nextSeq); err != nil {
		return nil, classify(fmt.Errorf("assigning sequence: %w", err))
	}

	now := time.Now().UTC()
	msg := &Message{
		ID:        uuid.New().String(),
		ThreadID:  req.ThreadID,
		Seq:       nextSeq,
		Content:   req.Content,
		Metadata:  req.Metadata,
		ParentID:  req.ParentID,
		CreatedAt: now,
	}
	if req.Author.UserID != "" {
		userID := req.Author.UserID
		msg.UserID = &userID
	} else {
		agentID := req.Author.AgentID
		msg.AgentID = &agentID
	}

	metadata, err := marshalJSON(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, seq, user_id, agent_id, content, metadata, parent_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ThreadID, msg.Seq, msg.UserID, msg.AgentID, msg.Content, metadata,
		msg.ParentID, formatTime(now))
	if err != nil {
		return nil, classify(fmt.Errorf("inserting message: %w", err))
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE threads SET updated_at = ? WHERE id = ?`,
		formatTime(now), req.ThreadID); err != nil {
		return nil, classify(fmt.Errorf("touching thread: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(fmt.Errorf("committing append: %w", err))
	}

	s.logger.Debug("message appended",
		"thread_id", msg.ThreadID,
		"message_id", msg.ID,
		"seq", msg.Seq)
	return msg, nil
}

const messageColumns = `id, thread_id, seq, user_id, agent_id, content, metadata, parent_id, created_at, edited_at, deleted_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var createdAt string
	var metadata, editedAt, deletedAt sql.NullString
	if err := row.Scan(&m.ID, &m.ThreadID, &m.Seq, &m.UserID, &m.AgentID, &m.Content,
		&metadata, &m.ParentID, &createdAt, &editedAt, &deletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	m.CreatedAt = parseTime(createdAt)
	m.EditedAt = parseTimePtr(editedAt)
	m.DeletedAt = parseTimePtr(deletedAt)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &m, nil
}

// GetMessage retrieves a single message by id
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// ListMessagesSince returns messages with seq > afterSeq in ascending seq
// order. It is the backfill cursor: callers retain the last seq they saw and
// restart from there. limit <= 0 means no limit.
func (s *SQLiteStore) ListMessagesSince(ctx context.Context, threadID string, afterSeq int64, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE thread_id = ? AND seq > ? ORDER BY seq`
	args := []any{threadID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListRecentMessages returns the most recent limit messages in ascending seq order
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, threadID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq`, threadID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// EditMessage replaces content and sets the edited tombstone timestamp
func (s *SQLiteStore) EditMessage(ctx context.Context, id, content string) (*Message, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, edited_at = ? WHERE id = ? AND deleted_at IS NULL`,
		content, now, id)
	if err != nil {
		return nil, classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetMessage(ctx, id)
}

// SoftDeleteMessage sets the deleted tombstone; content is retained
func (s *SQLiteStore) SoftDeleteMessage(ctx context.Context, id string) (*Message, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, id)
	if err != nil {
		return nil, classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetMessage(ctx, id)
}

// MarkRead advances the participant's read marker to the given message and
// records a read receipt. Idempotent; a marker never regresses, so marking
// an older message than the current marker is a no-op.
func (s *SQLiteStore) MarkRead(ctx context.Context, threadID, userID, messageID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	var msgThread string
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT thread_id, seq FROM messages WHERE id = ?`, messageID).Scan(&msgThread, &seq)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return classify(err)
	}
	if msgThread != threadID {
		return ErrNotFound
	}

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT last_read_seq FROM thread_participants WHERE thread_id = ? AND user_id = ?`,
		threadID, userID).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return classify(err)
	}

	if seq <= current {
		// Marker only moves forward
		return nil
	}

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx,
		`UPDATE thread_participants SET last_read_seq = ?, last_read_at = ?
		 WHERE thread_id = ? AND user_id = ?`,
		seq, now, threadID, userID); err != nil {
		return classify(err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO message_read_receipts (id, message_id, user_id, read_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		uuid.New().String(), messageID, userID, now); err != nil {
		return classify(err)
	}

	return classify(tx.Commit())
}

// ListReadReceipts returns all receipts for a message
func (s *SQLiteStore) ListReadReceipts(ctx context.Context, messageID string) ([]*ReadReceipt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, user_id, read_at FROM message_read_receipts
		 WHERE message_id = ? ORDER BY read_at`, messageID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*ReadReceipt
	for rows.Next() {
		var r ReadReceipt
		var readAt string
		if err := rows.Scan(&r.ID, &r.MessageID, &r.UserID, &readAt); err != nil {
			return nil, classify(err)
		}
		r.ReadAt = parseTime(readAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
