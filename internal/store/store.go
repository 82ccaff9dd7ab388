package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Sentinel errors surfaced to handlers. NotFound and Unauthorized are
// never retried.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
)

// Step types recorded in the ledger.
const (
	StepAnalyze  = "analyze"
	StepSearch   = "search"
	StepEvaluate = "evaluate"
	StepReport   = "report"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Store struct {
	DB     *sql.DB
	Logger *log.Logger
}

func (s *Store) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Session is one deep-search conversation owned by a user.
type Session struct {
	ID             string
	UserID         string
	Title          string
	ActiveStreamID string // empty when idle
	CanceledAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Messages       []Message
}

// Message is a single user or assistant entry within a session.
type Message struct {
	ID         string
	SessionID  string
	Role       string
	Content    string
	Progress   int
	Completed  bool
	DeepSearch bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Step is one durable ledger entry for a tool invocation.
type Step struct {
	ID        string
	MessageID string
	Type      string
	Reasoning string
	Executed  bool
	Input     json.RawMessage
	Output    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Source is one web page discovered during a search step.
type Source struct {
	ID          string
	MessageID   string
	StepID      string // empty when not tied to a step
	Name        string
	URL         string
	Favicon     string
	Content     string
	Images      []string
	PublishedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SourceInput carries the mutable fields of a source being saved.
type SourceInput struct {
	Name        string
	URL         string
	Favicon     string
	Content     string
	Images      []string
	PublishedAt *time.Time
}

// NewWithDSN opens a Postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string, logger *log.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db, Logger: logger}, nil
}

// ---- users ----

func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// ---- sessions ----

// GetOrCreateSession loads the session with the given id or creates it for
// the caller. A session owned by another user yields ErrUnauthorized.
func (s *Store) GetOrCreateSession(ctx context.Context, id, userID, title string) (Session, error) {
	sess, found, err := s.getSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if found {
		if sess.UserID != userID {
			return Session{}, ErrUnauthorized
		}
		return sess, nil
	}
	if strings.TrimSpace(title) == "" {
		title = "New Session"
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO sessions (id, user_id, title)
VALUES ($1,$2,$3)
RETURNING id, user_id, title, created_at, updated_at
`, id, userID, title)
	var out Session
	if err := row.Scan(&out.ID, &out.UserID, &out.Title, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return Session{}, err
	}
	return out, nil
}

// GetSession loads a session and verifies ownership.
func (s *Store) GetSession(ctx context.Context, id, userID string) (Session, error) {
	sess, found, err := s.getSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if !found {
		return Session{}, ErrNotFound
	}
	if sess.UserID != userID {
		return Session{}, ErrUnauthorized
	}
	return sess, nil
}

func (s *Store) getSession(ctx context.Context, id string) (Session, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, title, active_stream_id, canceled_at, created_at, updated_at
FROM sessions WHERE id=$1
`, id)
	var sess Session
	var streamID sql.NullString
	var canceled sql.NullTime
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Title, &streamID, &canceled, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	if streamID.Valid {
		sess.ActiveStreamID = streamID.String
	}
	if canceled.Valid {
		ts := canceled.Time
		sess.CanceledAt = &ts
	}
	return sess, true, nil
}

// ListSessions returns the caller's sessions, most recent first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, title, active_stream_id, canceled_at, created_at, updated_at
FROM sessions WHERE user_id=$1
ORDER BY updated_at DESC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		var streamID sql.NullString
		var canceled sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &streamID, &canceled, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		if streamID.Valid {
			sess.ActiveStreamID = streamID.String
		}
		if canceled.Valid {
			ts := canceled.Time
			sess.CanceledAt = &ts
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and cascades to its messages, steps
// and sources.
func (s *Store) DeleteSession(ctx context.Context, id, userID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAllSessions removes every session owned by the user.
func (s *Store) DeleteAllSessions(ctx context.Context, userID string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE user_id=$1`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetActiveStreamID records the in-flight resumable stream. Pass an empty
// string to clear it when the turn finishes.
func (s *Store) SetActiveStreamID(ctx context.Context, sessionID, streamID string) error {
	var val sql.NullString
	if streamID != "" {
		val = sql.NullString{String: streamID, Valid: true}
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE sessions SET active_stream_id=$2, updated_at=NOW() WHERE id=$1`, sessionID, val)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimActiveStream sets active_stream_id only when no stream is
// currently claimed, in one statement. Returns false when another
// turn holds the claim.
func (s *Store) ClaimActiveStream(ctx context.Context, sessionID, streamID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE sessions SET active_stream_id=$2, updated_at=NOW()
WHERE id=$1 AND active_stream_id IS NULL
`, sessionID, streamID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CancelSession stamps canceled_at; the orchestrator observes the abort
// separately and performs the same cleanup as a normal finish.
func (s *Store) CancelSession(ctx context.Context, sessionID, userID string) error {
	if _, err := s.GetSession(ctx, sessionID, userID); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE sessions SET canceled_at=NOW(), updated_at=NOW() WHERE id=$1`, sessionID)
	return err
}

// ListStaleStreamSessions returns sessions whose active_stream_id has been
// set for longer than maxAge. Used by the janitor sweep.
func (s *Store) ListStaleStreamSessions(ctx context.Context, maxAge time.Duration) ([]Session, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, title, active_stream_id, canceled_at, created_at, updated_at
FROM sessions
WHERE active_stream_id IS NOT NULL AND updated_at < NOW() - ($1 * INTERVAL '1 second')
`, int64(maxAge/time.Second))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		var streamID sql.NullString
		var canceled sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &streamID, &canceled, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		if streamID.Valid {
			sess.ActiveStreamID = streamID.String
		}
		if canceled.Valid {
			ts := canceled.Time
			sess.CanceledAt = &ts
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ---- messages ----

// AppendMessage persists a message at the end of the session's history.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) (Message, error) {
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO messages (session_id, role, content)
VALUES ($1,$2,$3)
RETURNING id, session_id, role, content, progress, completed, deep_search, created_at, updated_at
`, sessionID, role, content)
	return scanMessage(row)
}

// ListMessages returns the most recent limit messages in ascending
// creation order. limit <= 0 returns everything.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	query := `
SELECT id, session_id, role, content, progress, completed, deep_search, created_at, updated_at
FROM messages WHERE session_id=$1
ORDER BY created_at ASC
`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		query = `
SELECT * FROM (
  SELECT id, session_id, role, content, progress, completed, deep_search, created_at, updated_at
  FROM messages WHERE session_id=$1
  ORDER BY created_at DESC
  LIMIT $2
) recent ORDER BY created_at ASC
`
		rows, err = s.DB.QueryContext(ctx, query, sessionID, limit)
	} else {
		rows, err = s.DB.QueryContext(ctx, query, sessionID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Progress, &m.Completed, &m.DeepSearch, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMessageProgress writes the progress percentage and completion flag.
func (s *Store) UpdateMessageProgress(ctx context.Context, messageID string, progress int, completed bool) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE messages SET progress=$2, completed=$3, updated_at=NOW() WHERE id=$1
`, messageID, progress, completed)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDeepSearch flags the assistant message as a deep-search turn. A
// message never transitions back.
func (s *Store) MarkDeepSearch(ctx context.Context, messageID string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE messages SET deep_search=TRUE, updated_at=NOW() WHERE id=$1`, messageID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMessageContent replaces the assistant message body.
func (s *Store) UpdateMessageContent(ctx context.Context, messageID, content string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE messages SET content=$2, updated_at=NOW() WHERE id=$1`, messageID, content)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMessage loads a single message.
func (s *Store) GetMessage(ctx context.Context, messageID string) (Message, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, session_id, role, content, progress, completed, deep_search, created_at, updated_at
FROM messages WHERE id=$1
`, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

func scanMessage(row *sql.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Progress, &m.Completed, &m.DeepSearch, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

// messageOwner resolves the owning user id for a message, or ErrNotFound.
func (s *Store) messageOwner(ctx context.Context, messageID string) (string, error) {
	var owner string
	err := s.DB.QueryRowContext(ctx, `
SELECT s.user_id FROM messages m JOIN sessions s ON s.id = m.session_id WHERE m.id=$1
`, messageID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return owner, err
}
