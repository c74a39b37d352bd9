// Package device implements the trusted-device ledger: time-boxed, signed
// exemptions from completing a second factor.
package device

import (
	"context"
	"errors"
	"time"
)

// TrustTTL is how long a remembered device skips the second factor.
const TrustTTL = 30 * 24 * time.Hour

var (
	// ErrNotFound reports a device row that does not exist.
	ErrNotFound = errors.New("device: not found")
)

// Device is one trusted-device row. Revocation is a tombstone, never a hard
// delete, so the audit history stays intact.
type Device struct {
	UserID     string
	DeviceID   string
	UAHash     []byte
	IPPrefix   string
	CreatedAt  time.Time
	LastSeenAt time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
}

// Revoked reports whether the row has been tombstoned.
func (d Device) Revoked() bool { return d.RevokedAt != nil }

// Store persists trusted-device rows.
type Store interface {
	Upsert(ctx context.Context, d Device) error
	Get(ctx context.Context, userID, deviceID string) (Device, error)
	BumpLastSeen(ctx context.Context, userID, deviceID string, at time.Time) error
	// Revoke tombstones one device; reports whether a live row was hit.
	Revoke(ctx context.Context, userID, deviceID string, at time.Time) (bool, error)
	// RevokeAll tombstones every live device for the user, returning the count.
	RevokeAll(ctx context.Context, userID string, at time.Time) (int, error)
	ListActive(ctx context.Context, userID string, now time.Time) ([]Device, error)
}
