package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"tempora.app/internal/obs"
)

type failingStore struct{ err error }

func (f *failingStore) Append(context.Context, *Entry) error { return f.err }

type capturingStore struct{ entries []*Entry }

func (c *capturingStore) Append(_ context.Context, e *Entry) error {
	c.entries = append(c.entries, e)
	return nil
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestEventWritesStoreAndLogLine(t *testing.T) {
	buf := captureLog(t)
	store := &capturingStore{}
	l := NewLogger(store)

	l.Event(context.Background(), "user-42", EventMFASuccess,
		map[string]string{"factor_id": "f-1"}, "203.0.113.9", "test-agent")

	if len(store.entries) != 1 {
		t.Fatalf("expected one stored entry, got %d", len(store.entries))
	}
	e := store.entries[0]
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Fatalf("entry missing id or timestamp: %+v", e)
	}
	if e.EventType != EventMFASuccess || e.UserID != "user-42" || e.IP != "203.0.113.9" {
		t.Fatalf("unexpected entry: %+v", e)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line not valid JSON: %v", err)
	}
	if line["type"] != "audit" || line["event"] != EventMFASuccess || line["user_id"] != "user-42" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestEventSwallowsStoreFailure(t *testing.T) {
	buf := captureLog(t)
	l := NewLogger(&failingStore{err: errors.New("db down")})

	// Must not panic or propagate: the gate decision cannot hinge on the
	// audit trail being writable.
	l.Event(context.Background(), "user-42", EventMFAFailure, nil, "", "")

	if !bytes.Contains(buf.Bytes(), []byte("audit append failed")) {
		t.Fatalf("expected failure log line, got %s", buf.String())
	}
}

func TestEventIgnoresEmptyType(t *testing.T) {
	store := &capturingStore{}
	l := NewLogger(store)
	l.Event(context.Background(), "user-42", "  ", nil, "", "")
	if len(store.entries) != 0 {
		t.Fatal("empty event type must be dropped")
	}
}

func TestPGStoreAppend(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("insert into audit_log").
		WithArgs(sqlmock.AnyArg(), "user-42", EventTrustedDeviceAdded, sqlmock.AnyArg(), "203.0.113.9", "agent", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewPGStore(db)
	l := NewLogger(store)
	captureLog(t)
	l.Event(context.Background(), "user-42", EventTrustedDeviceAdded,
		map[string]string{"device_id": "d-1"}, "203.0.113.9", "agent")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
