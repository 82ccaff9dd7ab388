package store

import (
	"bytes"
	"context"
	"database/sql"
	"log"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return &Store{DB: db}, mock, func() { db.Close() }
}

func TestAppendStepUnauthorized(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT s.user_id FROM messages m JOIN sessions s ON s.id = m.session_id WHERE m.id=$1
`)).
		WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("owner-1"))

	_, err := st.AppendStep(context.Background(), "msg-1", "intruder", StepAnalyze, "Analyzing query...", nil)
	if err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendStepMissingMessage(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT s.user_id FROM messages m JOIN sessions s ON s.id = m.session_id WHERE m.id=$1`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := st.AppendStep(context.Background(), "missing", "user-1", StepSearch, "Searching", nil)
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendStepRejectsUnknownType(t *testing.T) {
	st, _, done := newMockStore(t)
	defer done()

	if _, err := st.AppendStep(context.Background(), "msg-1", "user-1", "ponder", "", nil); err == nil {
		t.Fatal("expected error for unknown step type")
	}
}

func TestAppendStepPersists(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT s.user_id FROM messages m JOIN sessions s ON s.id = m.session_id WHERE m.id=$1`)).
		WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-1"))
	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO steps (message_id, step_type, reasoning, input)
VALUES ($1,$2,$3,$4)
RETURNING id, message_id, step_type, reasoning, executed, input, output, created_at, updated_at
`)).
		WithArgs("msg-1", StepAnalyze, "Analyzing query...", []byte(`{"query":"hi"}`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "message_id", "step_type", "reasoning", "executed", "input", "output", "created_at", "updated_at"}).
			AddRow("step-1", "msg-1", StepAnalyze, "Analyzing query...", false, []byte(`{"query":"hi"}`), []byte(`{}`), now, now))

	step, err := st.AppendStep(context.Background(), "msg-1", "user-1", StepAnalyze, "Analyzing query...", []byte(`{"query":"hi"}`))
	if err != nil {
		t.Fatalf("AppendStep: %v", err)
	}
	if step.Executed {
		t.Fatal("new step must start unexecuted")
	}
	if step.Type != StepAnalyze {
		t.Fatalf("unexpected type %q", step.Type)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkStepExecutedMissing(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta(`
UPDATE steps SET executed=TRUE, updated_at=NOW() WHERE id=$1
RETURNING id, message_id, step_type, reasoning, executed, input, output, created_at, updated_at
`)).
		WithArgs("step-x").
		WillReturnError(sql.ErrNoRows)

	if _, err := st.MarkStepExecuted(context.Background(), "step-x"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveSourcesUpsertAndSkip(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	var logBuf bytes.Buffer
	st.Logger = log.New(&logBuf, "[STORE] ", 0)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT s.user_id FROM messages m JOIN sessions s ON s.id = m.session_id WHERE m.id=$1`)).
		WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-1"))

	cols := []string{"id", "message_id", "step_id", "name", "url", "favicon", "content", "images", "published_at", "created_at", "updated_at"}

	// First source inserts cleanly.
	mock.ExpectQuery(`INSERT INTO sources`).
		WithArgs("msg-1", "step-1", "OpenAI Research", "https://openai.com/research", "", "excerpt", []byte(`null`), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("src-1", "msg-1", "step-1", "OpenAI Research", "https://openai.com/research", "", "excerpt", []byte(`[]`), nil, now, now))

	// Second source fails; the batch continues.
	mock.ExpectQuery(`INSERT INTO sources`).
		WithArgs("msg-1", "step-1", "Broken", "https://broken.example", "", "", []byte(`null`), sqlmock.AnyArg()).
		WillReturnError(sql.ErrConnDone)

	// Third source upserts over the first url under the same step.
	mock.ExpectQuery(`INSERT INTO sources`).
		WithArgs("msg-1", "step-1", "OpenAI Research v2", "https://openai.com/research", "", "newer excerpt", []byte(`null`), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("src-1", "msg-1", "step-1", "OpenAI Research v2", "https://openai.com/research", "", "newer excerpt", []byte(`[]`), nil, now, now))

	count, saved, err := st.SaveSources(context.Background(), "msg-1", "user-1", []SourceInput{
		{Name: "OpenAI Research", URL: "https://openai.com/research", Content: "excerpt"},
		{Name: "Broken", URL: "https://broken.example"},
		{Name: "OpenAI Research v2", URL: "https://openai.com/research", Content: "newer excerpt"},
	}, "step-1")
	if err != nil {
		t.Fatalf("SaveSources: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 saved, got %d", count)
	}
	if saved[1].ID != saved[0].ID {
		t.Fatalf("expected upsert to return the same row id, got %s vs %s", saved[1].ID, saved[0].ID)
	}
	if saved[1].Name != "OpenAI Research v2" {
		t.Fatalf("expected overwritten name, got %q", saved[1].Name)
	}
	if !strings.Contains(logBuf.String(), "https://broken.example") {
		t.Fatalf("skipped source not logged via injected logger: %q", logBuf.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveSourcesSkipsEmptyURL(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT s.user_id FROM messages m JOIN sessions s ON s.id = m.session_id WHERE m.id=$1`)).
		WithArgs("msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-1"))

	count, _, err := st.SaveSources(context.Background(), "msg-1", "user-1", []SourceInput{{Name: "no url"}}, "")
	if err != nil {
		t.Fatalf("SaveSources: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 saved, got %d", count)
	}
}

func TestClaimActiveStream(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE sessions SET active_stream_id=$2, updated_at=NOW()
WHERE id=$1 AND active_stream_id IS NULL
`)).
		WithArgs("sess-1", "stream-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := st.ClaimActiveStream(context.Background(), "sess-1", "stream-1")
	if err != nil {
		t.Fatalf("ClaimActiveStream: %v", err)
	}
	if !claimed {
		t.Fatal("expected the idle session to be claimed")
	}

	// Second claim races in while the first still holds the stream:
	// the conditional update matches no row.
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE sessions SET active_stream_id=$2, updated_at=NOW()
WHERE id=$1 AND active_stream_id IS NULL
`)).
		WithArgs("sess-1", "stream-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err = st.ClaimActiveStream(context.Background(), "sess-1", "stream-2")
	if err != nil {
		t.Fatalf("ClaimActiveStream: %v", err)
	}
	if claimed {
		t.Fatal("busy session must not be claimed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSetActiveStreamIDClear(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE sessions SET active_stream_id=$2, updated_at=NOW() WHERE id=$1`)).
		WithArgs("sess-1", sql.NullString{}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.SetActiveStreamID(context.Background(), "sess-1", ""); err != nil {
		t.Fatalf("SetActiveStreamID: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetOrCreateSessionOwnershipConflict(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	now := time.Now()
	mock.ExpectQuery(`SELECT id, user_id, title, active_stream_id, canceled_at, created_at, updated_at`).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "title", "active_stream_id", "canceled_at", "created_at", "updated_at"}).
			AddRow("sess-1", "owner-1", "Title", nil, nil, now, now))

	if _, err := st.GetOrCreateSession(context.Background(), "sess-1", "intruder", "x"); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
