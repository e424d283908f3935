// Package store provides SQL-backed persistence for chat sessions, their
// messages, and extracted long-term memory entries. SQLite is the default
// backend; PostgreSQL is supported through the pgx stdlib driver.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Sentinel errors returned by lookup operations.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
)

// Session is one conversation thread. Model, SystemPrompt, and Temperature
// are per-session overrides of the engine defaults; zero values mean no
// override. MessageCount is only populated by ListSessions.
type Session struct {
	ID           string
	Title        string
	Model        string
	SystemPrompt string
	Temperature  *float64
	Active       bool
	Archived     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
}

// SessionParams carries the optional settings for CreateSessionWith.
type SessionParams struct {
	Title        string
	Model        string
	SystemPrompt string
	Temperature  *float64
}

// SessionUpdate names the settings UpdateSessionSettings changes. Nil
// fields are left untouched.
type SessionUpdate struct {
	Model        *string
	SystemPrompt *string
	Temperature  *float64
}

// Message is one turn in a session. Seq breaks ties between messages that
// share a created_at timestamp, so listing order is stable. EventType,
// SkillName, and Extra carry optional metadata: the event kind the message
// came from, the skill a tool observation belongs to, and structured
// auxiliary data (raw execution result, image payloads) as JSON.
type Message struct {
	ID        string
	SessionID string
	Seq       int64
	Role      string
	Content   string
	EventType string
	SkillName string
	Extra     json.RawMessage
	CreatedAt time.Time
}

// MessageOptions carries the optional metadata for AppendMessageWith.
type MessageOptions struct {
	EventType string
	SkillName string
	Extra     json.RawMessage
}

// MemoryEntry is one persisted memory item attached to a session. Entries
// are keyed: writing the same key again replaces the value. ExpiresAt is
// nil for entries that never expire.
type MemoryEntry struct {
	SessionID string
	Category  string
	Key       string
	Value     string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Store wraps the database plus a per-session writer lock. Writes to one
// session are serialized so seq assignment and updated_at bumps cannot
// interleave; different sessions write concurrently.
type Store struct {
	db     *sql.DB
	driver string

	mu     sync.Mutex
	sessMu map[string]*sync.Mutex
}

// New opens the database for the given driver ("sqlite" or "postgres") and
// ensures the schema exists. For sqlite, use ":memory:" as dsn for an
// in-memory database.
func New(driver, dsn string) (*Store, error) {
	var driverName string
	switch driver {
	case "sqlite":
		driverName = "sqlite"
	case "postgres":
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == "sqlite" {
		// modernc sqlite serializes at the driver level; a single
		// connection avoids table-lock errors under concurrent writers.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, driver: driver, sessMu: map[string]*sync.Mutex{}}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	seqColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "postgres" {
		seqColumn = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			title         TEXT NOT NULL,
			model         TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			temperature   REAL,
			active        BOOLEAN NOT NULL DEFAULT TRUE,
			archived      BOOLEAN NOT NULL DEFAULT FALSE,
			created_at    TIMESTAMP NOT NULL,
			updated_at    TIMESTAMP NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			seq        %s,
			id         TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			event_type TEXT NOT NULL DEFAULT '',
			skill_name TEXT NOT NULL DEFAULT '',
			extra      TEXT,
			created_at TIMESTAMP NOT NULL
		)`, seqColumn),
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at, seq)`,
		`CREATE TABLE IF NOT EXISTS memories (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			category   TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, key)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres. SQL text here never
// contains literal question marks.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.sessMu[id]
	if !ok {
		mu = &sync.Mutex{}
		s.sessMu[id] = mu
	}
	return mu
}

func (s *Store) dropSessionLock(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessMu, id)
}

// CreateSession creates a new session with a generated id. An empty title
// is allowed; it is filled in later from the first exchange.
func (s *Store) CreateSession(ctx context.Context, title string) (*Session, error) {
	return s.CreateSessionWith(ctx, SessionParams{Title: title})
}

// CreateSessionWith creates a new session carrying per-session overrides.
func (s *Store) CreateSessionWith(ctx context.Context, params SessionParams) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:           uuid.NewString(),
		Title:        params.Title,
		Model:        params.Model,
		SystemPrompt: params.SystemPrompt,
		Temperature:  params.Temperature,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	var temp sql.NullFloat64
	if sess.Temperature != nil {
		temp = sql.NullFloat64{Float64: *sess.Temperature, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO sessions (id, title, model, system_prompt, temperature, active, archived, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, TRUE, FALSE, ?, ?)`),
		sess.ID, sess.Title, sess.Model, sess.SystemPrompt, temp, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func scanSession(row interface{ Scan(...any) error }, sess *Session, extraCols ...any) error {
	var temp sql.NullFloat64
	dests := []any{&sess.ID, &sess.Title, &sess.Model, &sess.SystemPrompt, &temp,
		&sess.Active, &sess.Archived, &sess.CreatedAt, &sess.UpdatedAt}
	dests = append(dests, extraCols...)
	if err := row.Scan(dests...); err != nil {
		return err
	}
	if temp.Valid {
		v := temp.Float64
		sess.Temperature = &v
	}
	return nil
}

const sessionColumns = `id, title, model, system_prompt, temperature, active, archived, created_at, updated_at`

// GetSession retrieves one session, or ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := scanSession(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id), &sess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns sessions newest-first by last activity. Archived
// sessions are excluded unless includeArchived is set.
func (s *Store) ListSessions(ctx context.Context, includeArchived bool) ([]Session, error) {
	query := `SELECT s.id, s.title, s.model, s.system_prompt, s.temperature,
		s.active, s.archived, s.created_at, s.updated_at,
		(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s`
	if !includeArchived {
		query += ` WHERE s.archived = FALSE`
	}
	query += ` ORDER BY s.updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := scanSession(rows, &sess, &sess.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// RenameSession sets the session title.
func (s *Store) RenameSession(ctx context.Context, id, title string) error {
	return s.updateSession(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`, title, time.Now().UTC(), id)
}

// SetArchived archives or unarchives a session.
func (s *Store) SetArchived(ctx context.Context, id string, archived bool) error {
	return s.updateSession(ctx,
		`UPDATE sessions SET archived = ?, updated_at = ? WHERE id = ?`, archived, time.Now().UTC(), id)
}

// SetActive marks a session active or inactive.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	return s.updateSession(ctx,
		`UPDATE sessions SET active = ?, updated_at = ? WHERE id = ?`, active, time.Now().UTC(), id)
}

// UpdateSessionSettings changes a session's model, system prompt, and
// temperature overrides. Nil fields keep their current value.
func (s *Store) UpdateSessionSettings(ctx context.Context, id string, upd SessionUpdate) error {
	if upd.Model != nil {
		if err := s.updateSession(ctx,
			`UPDATE sessions SET model = ?, updated_at = ? WHERE id = ?`, *upd.Model, time.Now().UTC(), id); err != nil {
			return err
		}
	}
	if upd.SystemPrompt != nil {
		if err := s.updateSession(ctx,
			`UPDATE sessions SET system_prompt = ?, updated_at = ? WHERE id = ?`, *upd.SystemPrompt, time.Now().UTC(), id); err != nil {
			return err
		}
	}
	if upd.Temperature != nil {
		if err := s.updateSession(ctx,
			`UPDATE sessions SET temperature = ?, updated_at = ? WHERE id = ?`, *upd.Temperature, time.Now().UTC(), id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) updateSession(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session with all its messages and memories in
// one transaction.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	mu := s.sessionLock(id)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM messages WHERE session_id = ?`), id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM memories WHERE session_id = ?`), id); err != nil {
		return fmt.Errorf("delete session memories: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.dropSessionLock(id)
	return nil
}

// AppendMessage adds one message to a session and bumps the session's
// updated_at. Writes to the same session are serialized.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) (*Message, error) {
	return s.AppendMessageWith(ctx, sessionID, role, content, MessageOptions{})
}

// AppendMessageWith adds one message carrying optional metadata.
func (s *Store) AppendMessageWith(ctx context.Context, sessionID, role, content string, opts MessageOptions) (*Message, error) {
	mu := s.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	msg := &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		EventType: opts.EventType,
		SkillName: opts.SkillName,
		Extra:     opts.Extra,
		CreatedAt: time.Now().UTC(),
	}
	var extra sql.NullString
	if len(msg.Extra) > 0 {
		extra = sql.NullString{String: string(msg.Extra), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE sessions SET updated_at = ? WHERE id = ?`), msg.CreatedAt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	} else if n == 0 {
		return nil, ErrSessionNotFound
	}

	if s.driver == "postgres" {
		err = tx.QueryRowContext(ctx, s.rebind(
			`INSERT INTO messages (id, session_id, role, content, event_type, skill_name, extra, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING seq`),
			msg.ID, msg.SessionID, msg.Role, msg.Content, msg.EventType, msg.SkillName, extra, msg.CreatedAt,
		).Scan(&msg.Seq)
		if err != nil {
			return nil, fmt.Errorf("append message: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO messages (id, session_id, role, content, event_type, skill_name, extra, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			msg.ID, msg.SessionID, msg.Role, msg.Content, msg.EventType, msg.SkillName, extra, msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("append message: %w", err)
		}
		msg.Seq, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("append message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a session's messages in conversation order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, session_id, seq, role, content, event_type, skill_name, extra, created_at FROM messages
		 WHERE session_id = ? ORDER BY created_at, seq`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var extra sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &m.EventType, &m.SkillName, &extra, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if extra.Valid {
			m.Extra = json.RawMessage(extra.String)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteMessage removes one message, or, with includeFollowing, the
// message and everything after it in the session. Both forms run in one
// transaction.
func (s *Store) DeleteMessage(ctx context.Context, sessionID, messageID string, includeFollowing bool) error {
	mu := s.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, s.rebind(
		`SELECT seq, created_at FROM messages WHERE id = ? AND session_id = ?`),
		messageID, sessionID,
	).Scan(&seq, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	if includeFollowing {
		_, err = tx.ExecContext(ctx, s.rebind(
			`DELETE FROM messages WHERE session_id = ?
			 AND (created_at > ? OR (created_at = ? AND seq >= ?))`),
			sessionID, createdAt, createdAt, seq)
	} else {
		_, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM messages WHERE id = ?`), messageID)
	}
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// ClearMessages removes every message of a session.
func (s *Store) ClearMessages(ctx context.Context, sessionID string) error {
	mu := s.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM messages WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

// PutMemory writes one memory entry, replacing any prior entry with the
// same key in the session.
func (s *Store) PutMemory(ctx context.Context, sessionID, category, key, value string, expiresAt *time.Time) (*MemoryEntry, error) {
	entry := &MemoryEntry{
		SessionID: sessionID,
		Category:  category,
		Key:       key,
		Value:     value,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("put memory: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM memories WHERE session_id = ? AND key = ?`), sessionID, key); err != nil {
		return nil, fmt.Errorf("put memory: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO memories (session_id, category, key, value, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		entry.SessionID, entry.Category, entry.Key, entry.Value, entry.ExpiresAt, entry.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("put memory: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("put memory: %w", err)
	}
	return entry, nil
}

// GetMemory retrieves one memory entry by key. Expired entries are treated
// as absent.
func (s *Store) GetMemory(ctx context.Context, sessionID, key string) (*MemoryEntry, error) {
	var e MemoryEntry
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT session_id, category, key, value, expires_at, created_at FROM memories
		 WHERE session_id = ? AND key = ?`), sessionID, key,
	).Scan(&e.SessionID, &e.Category, &e.Key, &e.Value, &e.ExpiresAt, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	if e.ExpiresAt != nil && e.ExpiresAt.Before(time.Now().UTC()) {
		return nil, nil
	}
	return &e, nil
}

// DeleteMemory removes one memory entry by key.
func (s *Store) DeleteMemory(ctx context.Context, sessionID, key string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM memories WHERE session_id = ? AND key = ?`), sessionID, key); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}

// ListMemories returns a session's live (non-expired) memory entries,
// oldest-first.
func (s *Store) ListMemories(ctx context.Context, sessionID string) ([]MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT session_id, category, key, value, expires_at, created_at FROM memories
		 WHERE session_id = ? ORDER BY created_at, key`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var entries []MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		if err := rows.Scan(&e.SessionID, &e.Category, &e.Key, &e.Value, &e.ExpiresAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
