package device

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"tempora.app/internal/audit"
)

type fakeStore struct {
	mu      sync.Mutex
	devices map[string]Device

	getErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{devices: make(map[string]Device)}
}

func (f *fakeStore) Upsert(_ context.Context, d Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[key(d.UserID, d.DeviceID)] = d
	return nil
}

func (f *fakeStore) Get(_ context.Context, userID, deviceID string) (Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return Device{}, f.getErr
	}
	d, ok := f.devices[key(userID, deviceID)]
	if !ok {
		return Device{}, ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) BumpLastSeen(_ context.Context, userID, deviceID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.devices[key(userID, deviceID)]; ok {
		d.LastSeenAt = at
		f.devices[key(userID, deviceID)] = d
	}
	return nil
}

func (f *fakeStore) Revoke(_ context.Context, userID, deviceID string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[key(userID, deviceID)]
	if !ok || d.Revoked() {
		return false, nil
	}
	d.RevokedAt = &at
	f.devices[key(userID, deviceID)] = d
	return true, nil
}

func (f *fakeStore) RevokeAll(_ context.Context, userID string, at time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k, d := range f.devices {
		if d.UserID == userID && !d.Revoked() {
			d.RevokedAt = &at
			f.devices[k] = d
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListActive(_ context.Context, userID string, now time.Time) ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []Device
	for _, d := range f.devices {
		if d.UserID == userID && !d.Revoked() && d.ExpiresAt.After(now) {
			res = append(res, d)
		}
	}
	return res, nil
}

var testDeviceSecret = []byte("device-secret-device-secret-0000")

func newTestLedger(t *testing.T, store Store, now *time.Time, opts ...Option) *Ledger {
	t.Helper()
	opts = append(opts, WithClock(func() time.Time { return *now }))
	l, err := NewLedger(store, audit.NewLogger(nil), testDeviceSecret, opts...)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return l
}

func TestAddThenCheck(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(t, store, &now)
	ctx := context.Background()

	issued, err := l.Add(ctx, "user-1", "agent-a", "192.168.42.17")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(issued.DeviceID) != 32 {
		t.Fatalf("expected 128-bit hex device id, got %q", issued.DeviceID)
	}
	if !issued.ExpiresAt.Equal(now.Add(TrustTTL)) {
		t.Fatalf("unexpected expiry: %v", issued.ExpiresAt)
	}

	res, err := l.Check(ctx, "user-1", issued.Cookie, "agent-a", "192.168.42.17")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Trusted || res.DeviceID != issued.DeviceID {
		t.Fatalf("expected trusted, got %+v", res)
	}
}

func TestCheckFailsClosed(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(t, store, &now)
	ctx := context.Background()

	issued, err := l.Add(ctx, "user-1", "agent-a", "192.168.42.17")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	cases := map[string]struct {
		userID string
		cookie string
	}{
		"empty cookie":    {"user-1", ""},
		"malformed":       {"user-1", "garbage"},
		"unknown device":  {"user-1", "ffffffffffffffffffffffffffffffff." + strings.Split(issued.Cookie, ".")[1]},
		"wrong user":      {"user-2", issued.Cookie},
		"tampered hmac":   {"user-1", issued.DeviceID + "." + strings.Repeat("ab", 32)},
	}
	for name, c := range cases {
		res, err := l.Check(ctx, c.userID, c.cookie, "agent-a", "192.168.42.17")
		if err != nil {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
		if res.Trusted {
			t.Fatalf("%s: must not be trusted", name)
		}
	}
}

func TestCheckRejectsExtendedExpiry(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(t, store, &now)
	ctx := context.Background()

	issued, err := l.Add(ctx, "user-1", "agent-a", "192.168.42.17")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Forge a cookie signed for a later expiry than the row holds. Even with
	// a signature valid for that forged expiry, the row's persisted expiry
	// wins and the mismatch is rejected.
	forged := EncodeCookie(testDeviceSecret, issued.DeviceID, "user-1", issued.ExpiresAt.Add(365*24*time.Hour))
	res, err := l.Check(ctx, "user-1", forged, "agent-a", "192.168.42.17")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Trusted {
		t.Fatal("rolled-forward expiry must be rejected")
	}
}

func TestCheckExpiredAndRevoked(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(t, store, &now)
	ctx := context.Background()

	issued, _ := l.Add(ctx, "user-1", "agent-a", "192.168.42.17")

	// Past expiry the same valid cookie stops working.
	now = now.Add(TrustTTL + time.Hour)
	if res, _ := l.Check(ctx, "user-1", issued.Cookie, "agent-a", "192.168.42.17"); res.Trusted {
		t.Fatal("expired device must not be trusted")
	}

	now = now.Add(-TrustTTL) // back inside the window
	if res, _ := l.Check(ctx, "user-1", issued.Cookie, "agent-a", "192.168.42.17"); !res.Trusted {
		t.Fatal("device should be trusted again inside the window")
	}

	hit, err := l.Revoke(ctx, "user-1", issued.DeviceID)
	if err != nil || !hit {
		t.Fatalf("Revoke: hit=%v err=%v", hit, err)
	}
	if res, _ := l.Check(ctx, "user-1", issued.Cookie, "agent-a", "192.168.42.17"); res.Trusted {
		t.Fatal("revoked device must not be trusted")
	}
}

func TestCheckLenientOnDrift(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(t, store, &now)
	ctx := context.Background()

	issued, _ := l.Add(ctx, "user-1", "agent-a", "192.168.42.17")

	// Different UA and different network: logged, but trust holds.
	res, err := l.Check(ctx, "user-1", issued.Cookie, "agent-b", "10.1.2.3")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Trusted {
		t.Fatal("UA/IP drift must not invalidate trust")
	}
}

func TestCheckPropagatesStorageErrors(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(t, store, &now)
	ctx := context.Background()

	issued, _ := l.Add(ctx, "user-1", "agent-a", "192.168.42.17")
	store.getErr = errors.New("db down")
	if _, err := l.Check(ctx, "user-1", issued.Cookie, "agent-a", "192.168.42.17"); err == nil {
		t.Fatal("storage errors must propagate so the resolver can fail secure")
	}
}

func TestPreviousSecretStillVerifies(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	oldLedger := newTestLedger(t, store, &now)
	issued, _ := oldLedger.Add(context.Background(), "user-1", "agent-a", "192.168.42.17")

	newSecret := []byte("rotated-secret-rotated-secret-00")
	rotated, err := NewLedger(store, audit.NewLogger(nil), newSecret,
		WithPreviousSecret(testDeviceSecret), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	res, err := rotated.Check(context.Background(), "user-1", issued.Cookie, "agent-a", "192.168.42.17")
	if err != nil || !res.Trusted {
		t.Fatalf("old cookie must verify under previous secret: %+v %v", res, err)
	}

	// Without the previous secret, the same cookie dies.
	strict, _ := NewLedger(store, audit.NewLogger(nil), newSecret, WithClock(func() time.Time { return now }))
	if res, _ := strict.Check(context.Background(), "user-1", issued.Cookie, "agent-a", "192.168.42.17"); res.Trusted {
		t.Fatal("cookie signed with retired secret must fail without rotation window")
	}
}

func TestRevokeAll(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(t, store, &now)
	ctx := context.Background()

	a, _ := l.Add(ctx, "user-1", "agent-a", "192.168.42.17")
	b, _ := l.Add(ctx, "user-1", "agent-b", "10.0.0.1")
	l.Add(ctx, "user-2", "agent-c", "10.0.0.2")

	n, err := l.RevokeAll(ctx, "user-1")
	if err != nil || n != 2 {
		t.Fatalf("RevokeAll: n=%d err=%v", n, err)
	}
	for _, cookie := range []string{a.Cookie, b.Cookie} {
		if res, _ := l.Check(ctx, "user-1", cookie, "x", "10.0.0.1"); res.Trusted {
			t.Fatal("revoked device must not be trusted")
		}
	}
	active, _ := l.ListActive(ctx, "user-2")
	if len(active) != 1 {
		t.Fatalf("user-2 devices must be untouched, got %d", len(active))
	}
}
