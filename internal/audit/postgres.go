package audit

import (
	"context"
	"database/sql"
	"encoding/json"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Append(ctx context.Context, entry *Entry) error {
	details, _ := json.Marshal(entry.Details)
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log(id, user_id, event_type, details, ip, user_agent, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, entry.ID, entry.UserID, entry.EventType, details, entry.IP, entry.UserAgent, entry.CreatedAt)
	return err
}
