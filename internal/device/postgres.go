package device

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Upsert(ctx context.Context, d Device) error {
	_, err := s.db.ExecContext(ctx, `
		insert into trusted_devices(user_id, device_id, ua_hash, ip_prefix, created_at, last_seen_at, expires_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (user_id, device_id) do update
		set ua_hash=excluded.ua_hash, ip_prefix=excluded.ip_prefix,
		    last_seen_at=excluded.last_seen_at, expires_at=excluded.expires_at,
		    revoked_at=null
	`, d.UserID, d.DeviceID, d.UAHash, d.IPPrefix, d.CreatedAt, d.LastSeenAt, d.ExpiresAt)
	return err
}

func (s *PGStore) Get(ctx context.Context, userID, deviceID string) (Device, error) {
	row := s.db.QueryRowContext(ctx, `
		select user_id, device_id, ua_hash, ip_prefix, created_at, last_seen_at, expires_at, revoked_at
		from trusted_devices where user_id=$1 and device_id=$2
	`, userID, deviceID)
	var (
		d       Device
		revoked sql.NullTime
	)
	if err := row.Scan(&d.UserID, &d.DeviceID, &d.UAHash, &d.IPPrefix, &d.CreatedAt, &d.LastSeenAt, &d.ExpiresAt, &revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Device{}, ErrNotFound
		}
		return Device{}, err
	}
	if revoked.Valid {
		t := revoked.Time
		d.RevokedAt = &t
	}
	return d, nil
}

func (s *PGStore) BumpLastSeen(ctx context.Context, userID, deviceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update trusted_devices set last_seen_at=$3
		where user_id=$1 and device_id=$2 and revoked_at is null
	`, userID, deviceID, at)
	return err
}

func (s *PGStore) Revoke(ctx context.Context, userID, deviceID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update trusted_devices set revoked_at=$3
		where user_id=$1 and device_id=$2 and revoked_at is null
	`, userID, deviceID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PGStore) RevokeAll(ctx context.Context, userID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update trusted_devices set revoked_at=$2
		where user_id=$1 and revoked_at is null
	`, userID, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *PGStore) ListActive(ctx context.Context, userID string, now time.Time) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, device_id, ua_hash, ip_prefix, created_at, last_seen_at, expires_at, revoked_at
		from trusted_devices
		where user_id=$1 and revoked_at is null and expires_at > $2
		order by created_at desc
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Device
	for rows.Next() {
		var (
			d       Device
			revoked sql.NullTime
		)
		if err := rows.Scan(&d.UserID, &d.DeviceID, &d.UAHash, &d.IPPrefix, &d.CreatedAt, &d.LastSeenAt, &d.ExpiresAt, &revoked); err != nil {
			return nil, err
		}
		if revoked.Valid {
			t := revoked.Time
			d.RevokedAt = &t
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
