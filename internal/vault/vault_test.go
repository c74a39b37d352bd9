package vault

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeKeyStore struct {
	mu   sync.Mutex
	keys map[string]WorkspaceKey

	getCalls int
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: make(map[string]WorkspaceKey)}
}

func (f *fakeKeyStore) GetWorkspaceKey(_ context.Context, workspaceID string) (WorkspaceKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	rec, ok := f.keys[workspaceID]
	if !ok {
		return WorkspaceKey{}, ErrKeyNotFound
	}
	return rec, nil
}

func (f *fakeKeyStore) CreateWorkspaceKey(_ context.Context, rec WorkspaceKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[rec.WorkspaceID]; ok {
		return false, nil
	}
	f.keys[rec.WorkspaceID] = rec
	return true, nil
}

func (f *fakeKeyStore) ListWorkspaceKeys(_ context.Context) ([]WorkspaceKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []WorkspaceKey
	for _, rec := range f.keys {
		res = append(res, rec)
	}
	return res, nil
}

func (f *fakeKeyStore) ReplaceWorkspaceKey(_ context.Context, rec WorkspaceKey, priorVersion int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.keys[rec.WorkspaceID]
	if !ok || existing.Version != priorVersion {
		return false, nil
	}
	f.keys[rec.WorkspaceID] = rec
	return true, nil
}

func testKey(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}

func newTestService(t *testing.T, store KeyStore, opts ...Option) *Service {
	t.Helper()
	svc, err := New(store, testKey(0x11), testKey(0x22), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func TestNewRejectsBadKeys(t *testing.T) {
	store := newFakeKeyStore()
	if _, err := New(store, testKey(0x11)[:16], testKey(0x22)); !errors.Is(err, ErrKeyConfig) {
		t.Fatalf("expected ErrKeyConfig for short master key, got %v", err)
	}
	if _, err := New(store, testKey(0x11), testKey(0x22)[:31]); !errors.Is(err, ErrKeyConfig) {
		t.Fatalf("expected ErrKeyConfig for short index key, got %v", err)
	}
	if _, err := New(store, testKey(0x11), testKey(0x11)); !errors.Is(err, ErrKeyConfig) {
		t.Fatalf("expected ErrKeyConfig for identical keys, got %v", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := newTestService(t, newFakeKeyStore())
	ctx := context.Background()

	for _, plaintext := range []string{"DE89370400440532013000", "note with spaces и юникод", "x"} {
		token, err := svc.EncryptField(ctx, "ws-1", plaintext)
		if err != nil {
			t.Fatalf("EncryptField(%q): %v", plaintext, err)
		}
		if !strings.HasPrefix(token, "enc:v1:") {
			t.Fatalf("token missing version prefix: %s", token)
		}
		got, err := svc.DecryptField(ctx, "ws-1", token)
		if err != nil {
			t.Fatalf("DecryptField: %v", err)
		}
		if got != plaintext {
			t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
		}
	}
}

func TestEncryptFieldPassthrough(t *testing.T) {
	svc := newTestService(t, newFakeKeyStore())
	ctx := context.Background()

	if got, err := svc.EncryptField(ctx, "ws-1", ""); err != nil || got != "" {
		t.Fatalf("empty value should pass through, got %q err %v", got, err)
	}

	token, err := svc.EncryptField(ctx, "ws-1", "secret")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	again, err := svc.EncryptField(ctx, "ws-1", token)
	if err != nil {
		t.Fatalf("EncryptField on token: %v", err)
	}
	if again != token {
		t.Fatal("already-encrypted value must not be re-encrypted")
	}
}

func TestDecryptFieldLegacyPlaintext(t *testing.T) {
	svc := newTestService(t, newFakeKeyStore())
	got, err := svc.DecryptField(context.Background(), "ws-1", "plain old value")
	if err != nil || got != "plain old value" {
		t.Fatalf("legacy plaintext must pass through, got %q err %v", got, err)
	}
}

func TestDecryptFieldTamperDetection(t *testing.T) {
	svc := newTestService(t, newFakeKeyStore())
	ctx := context.Background()

	token, err := svc.EncryptField(ctx, "ws-1", "IBAN DE89 3704 0044 0532 0130 00")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	parts := strings.Split(token, ":")

	flip := func(b64 string) string {
		raw, _ := base64.StdEncoding.DecodeString(b64)
		raw[0] ^= 0x01
		return base64.StdEncoding.EncodeToString(raw)
	}

	for name, tampered := range map[string]string{
		"ciphertext": strings.Join([]string{parts[0], parts[1], parts[2], flip(parts[3]), parts[4]}, ":"),
		"tag":        strings.Join([]string{parts[0], parts[1], parts[2], parts[3], flip(parts[4])}, ":"),
		"iv":         strings.Join([]string{parts[0], parts[1], flip(parts[2]), parts[3], parts[4]}, ":"),
	} {
		if _, err := svc.DecryptField(ctx, "ws-1", tampered); !errors.Is(err, ErrDecrypt) {
			t.Fatalf("%s tamper: expected ErrDecrypt, got %v", name, err)
		}
	}
}

func TestDecryptFieldMalformedTokens(t *testing.T) {
	svc := newTestService(t, newFakeKeyStore())
	ctx := context.Background()

	for _, token := range []string{
		"enc:v1:short",
		"enc:v2:AAAA:AAAA:AAAA",
		"enc:v1:!!!:AAAA:AAAA",
		"enc:v1:AAAA:AAAA:AAAA:extra",
		"enc:v1:" + base64.StdEncoding.EncodeToString(make([]byte, 4)) + ":AAAA:" + base64.StdEncoding.EncodeToString(make([]byte, 16)),
	} {
		if _, err := svc.DecryptField(ctx, "ws-1", token); !errors.Is(err, ErrDecrypt) {
			t.Fatalf("token %q: expected ErrDecrypt, got %v", token, err)
		}
	}
}

func TestDecryptFieldWrongWorkspace(t *testing.T) {
	svc := newTestService(t, newFakeKeyStore())
	ctx := context.Background()

	token, err := svc.EncryptField(ctx, "ws-1", "secret")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	if _, err := svc.DecryptField(ctx, "ws-2", token); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("cross-workspace decrypt must fail with ErrDecrypt, got %v", err)
	}
}

func TestFingerprintNormalization(t *testing.T) {
	svc := newTestService(t, newFakeKeyStore())

	a := svc.Fingerprint("Foo@Bar.com ")
	b := svc.Fingerprint("foo@bar.com")
	if !bytes.Equal(a, b) {
		t.Fatal("fingerprint must be normalization-invariant")
	}
	c := svc.Fingerprint("foo@bar.de")
	if bytes.Equal(a, c) {
		t.Fatal("distinct inputs must yield distinct fingerprints")
	}
	if len(a) != 32 {
		t.Fatalf("expected 32-byte fingerprint, got %d", len(a))
	}
}

func TestFingerprintKeySeparation(t *testing.T) {
	store := newFakeKeyStore()
	svcA := newTestService(t, store)
	svcB, err := New(store, testKey(0x11), testKey(0x33))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if bytes.Equal(svcA.Fingerprint("foo"), svcB.Fingerprint("foo")) {
		t.Fatal("fingerprints must depend on the index key")
	}
}

func TestDEKCacheExpiry(t *testing.T) {
	store := newFakeKeyStore()
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	svc := newTestService(t, store, WithClock(clock))
	ctx := context.Background()

	if _, err := svc.EncryptField(ctx, "ws-1", "one"); err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	before := store.getCalls

	if _, err := svc.EncryptField(ctx, "ws-1", "two"); err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	if store.getCalls != before {
		t.Fatal("second encrypt within TTL must hit the cache")
	}

	current = current.Add(11 * time.Minute)
	if _, err := svc.EncryptField(ctx, "ws-1", "three"); err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	if store.getCalls == before {
		t.Fatal("expired cache entry must trigger a store read")
	}
}

func TestUnwrapFailureOnMasterKeyChange(t *testing.T) {
	store := newFakeKeyStore()
	svc := newTestService(t, store)
	ctx := context.Background()

	token, err := svc.EncryptField(ctx, "ws-1", "secret")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}

	// A service booted with a different master key must fail loudly, never
	// decrypt to garbage.
	other, err := New(store, testKey(0x99), testKey(0x22))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := other.DecryptField(ctx, "ws-1", token); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt on unwrap failure, got %v", err)
	}
}

func TestCreateRaceFallsBackToWinner(t *testing.T) {
	store := newFakeKeyStore()
	svcA := newTestService(t, store)
	svcB := newTestService(t, store)
	ctx := context.Background()

	token, err := svcA.EncryptField(ctx, "ws-1", "secret")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	// svcB has a cold cache; it must unwrap the row svcA persisted.
	got, err := svcB.DecryptField(ctx, "ws-1", token)
	if err != nil || got != "secret" {
		t.Fatalf("cross-instance decrypt failed: %q %v", got, err)
	}
}
