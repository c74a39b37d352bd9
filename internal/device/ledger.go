package device

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"tempora.app/internal/audit"
	"tempora.app/internal/obs"
)

// Ledger issues and validates trusted-device tokens.
type Ledger struct {
	store   Store
	auditor *audit.Logger

	// secrets[0] signs new cookies; any entry verifies. Keeping the previous
	// secret in the list lets the signing secret roll without invalidating
	// every outstanding cookie at once.
	secrets [][]byte
	now     func() time.Time
}

// Option configures Ledger behavior.
type Option func(*Ledger)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithPreviousSecret adds a retired signing secret to the verify set.
func WithPreviousSecret(secret []byte) Option {
	return func(l *Ledger) {
		if len(secret) > 0 {
			l.secrets = append(l.secrets, secret)
		}
	}
}

func NewLedger(store Store, auditor *audit.Logger, secret []byte, opts ...Option) (*Ledger, error) {
	if len(secret) == 0 {
		return nil, errors.New("device: signing secret is required")
	}
	l := &Ledger{
		store:   store,
		auditor: auditor,
		secrets: [][]byte{secret},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Issued is the result of remembering a device.
type Issued struct {
	DeviceID  string
	ExpiresAt time.Time
	Cookie    string
}

// Add remembers the current client as trusted for TrustTTL.
func (l *Ledger) Add(ctx context.Context, userID, userAgent, ipAddress string) (Issued, error) {
	deviceID, err := newDeviceID()
	if err != nil {
		return Issued{}, err
	}
	now := l.now().UTC()
	d := Device{
		UserID:     userID,
		DeviceID:   deviceID,
		UAHash:     HashUserAgent(userAgent),
		IPPrefix:   IPPrefix(ipAddress),
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(TrustTTL),
	}
	if err := l.store.Upsert(ctx, d); err != nil {
		return Issued{}, err
	}
	l.auditor.Event(ctx, userID, audit.EventTrustedDeviceAdded,
		map[string]string{"device_id": deviceID}, ipAddress, userAgent)
	return Issued{
		DeviceID:  deviceID,
		ExpiresAt: d.ExpiresAt,
		Cookie:    EncodeCookie(l.secrets[0], deviceID, userID, d.ExpiresAt),
	}, nil
}

// CheckResult reports whether the presented cookie grants a factor bypass.
type CheckResult struct {
	Trusted   bool
	DeviceID  string
	ExpiresAt time.Time
}

// Check validates a presented cookie against the ledger. It fails closed on
// anything malformed, missing, revoked, expired, or tampered; only storage
// errors propagate. UA and IP drift are observed and logged but deliberately
// do not invalidate trust.
func (l *Ledger) Check(ctx context.Context, userID, cookieValue, userAgent, ipAddress string) (CheckResult, error) {
	deviceID, mac, ok := parseCookie(cookieValue)
	if !ok {
		obs.ObserveTrustedDeviceCheck("malformed")
		return CheckResult{}, nil
	}

	d, err := l.store.Get(ctx, userID, deviceID)
	if errors.Is(err, ErrNotFound) {
		obs.ObserveTrustedDeviceCheck("unknown")
		return CheckResult{}, nil
	}
	if err != nil {
		return CheckResult{}, err
	}

	now := l.now().UTC()
	if d.Revoked() || now.After(d.ExpiresAt) {
		obs.ObserveTrustedDeviceCheck("expired")
		return CheckResult{}, nil
	}

	// Recompute the expected signature from the row's persisted expiry. An
	// attacker cannot extend a token's life without the signing secret.
	if !l.verifyMAC(deviceID, userID, d.ExpiresAt, mac) {
		obs.ObserveTrustedDeviceCheck("bad_signature")
		l.auditor.Event(ctx, userID, audit.EventTrustedDeviceMismatch,
			map[string]string{"device_id": deviceID, "reason": "hmac_mismatch"}, ipAddress, userAgent)
		return CheckResult{}, nil
	}

	l.observeDrift(ctx, d, userAgent, ipAddress)

	if err := l.store.BumpLastSeen(ctx, userID, deviceID, now); err != nil {
		// Trust already established; a bookkeeping miss is not a denial.
		obs.LogRequest(map[string]any{
			"level": "warn", "msg": "trusted device last_seen bump failed",
			"device_id": deviceID, "error": err.Error(),
		})
	}
	obs.ObserveTrustedDeviceCheck("trusted")
	l.auditor.Event(ctx, userID, audit.EventTrustedDeviceUsed,
		map[string]string{"device_id": deviceID}, ipAddress, userAgent)
	return CheckResult{Trusted: true, DeviceID: deviceID, ExpiresAt: d.ExpiresAt}, nil
}

// Revoke tombstones a single device.
func (l *Ledger) Revoke(ctx context.Context, userID, deviceID string) (bool, error) {
	hit, err := l.store.Revoke(ctx, userID, deviceID, l.now().UTC())
	if err != nil {
		return false, err
	}
	if hit {
		l.auditor.Event(ctx, userID, audit.EventTrustedDeviceRevoked,
			map[string]string{"device_id": deviceID}, "", "")
	}
	return hit, nil
}

// RevokeAll tombstones every live device for the user.
func (l *Ledger) RevokeAll(ctx context.Context, userID string) (int, error) {
	n, err := l.store.RevokeAll(ctx, userID, l.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.auditor.Event(ctx, userID, audit.EventTrustedDeviceRevoked,
			map[string]string{"scope": "all"}, "", "")
	}
	return n, nil
}

// ListActive returns the user's live devices for settings screens.
func (l *Ledger) ListActive(ctx context.Context, userID string) ([]Device, error) {
	return l.store.ListActive(ctx, userID, l.now().UTC())
}

func (l *Ledger) verifyMAC(deviceID, userID string, expiresAt time.Time, presented string) bool {
	raw, err := hex.DecodeString(presented)
	if err != nil {
		return false
	}
	for _, secret := range l.secrets {
		expected := signCookie(secret, deviceID, userID, expiresAt)
		expectedRaw, _ := hex.DecodeString(expected)
		if hmac.Equal(raw, expectedRaw) {
			return true
		}
	}
	return false
}

func (l *Ledger) observeDrift(ctx context.Context, d Device, userAgent, ipAddress string) {
	details := map[string]string{"device_id": d.DeviceID}
	drift := false
	if !bytes.Equal(d.UAHash, HashUserAgent(userAgent)) {
		details["reason"] = "user_agent_drift"
		drift = true
	}
	if prefix := IPPrefix(ipAddress); prefix != "" && prefix != d.IPPrefix {
		if drift {
			details["reason"] = "user_agent_and_ip_drift"
		} else {
			details["reason"] = "ip_drift"
		}
		drift = true
	}
	if drift {
		l.auditor.Event(ctx, d.UserID, audit.EventTrustedDeviceMismatch, details, ipAddress, userAgent)
	}
}

// newDeviceID returns 128 bits of randomness, hex encoded.
func newDeviceID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
