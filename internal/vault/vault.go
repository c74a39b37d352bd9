// Package vault implements envelope encryption for sensitive fields.
//
// Field values are encrypted with a per-workspace data-encryption key (DEK);
// each DEK is wrapped under a process-wide master key and only its wrapped form
// is persisted. A separate index key derives searchable HMAC fingerprints so
// exact-match lookups never touch the encryption path.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	dekLen   = 32
	ivLen    = 12
	gcmTagLen = 16

	dekCacheTTL = 10 * time.Minute
)

var (
	// ErrDecrypt marks authentication-tag failures and malformed tokens.
	// Callers must be able to distinguish "corrupted or wrong key" from
	// "not found"; a failed tag never yields best-effort plaintext.
	ErrDecrypt = errors.New("vault: decryption failed")

	// ErrKeyConfig marks invalid key material handed to the service.
	ErrKeyConfig = errors.New("vault: invalid key configuration")
)

// Service wraps and unwraps workspace DEKs and encrypts individual fields.
type Service struct {
	store    KeyStore
	master   []byte
	indexKey []byte
	cache    *dekCache
	now      func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for cache-expiry tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
			s.cache.now = fn
		}
	}
}

// New constructs the encryption service. Both keys must be exactly 32 bytes
// and must be distinct: the index key leaking into the encryption path (or
// vice versa) would defeat the point of having two.
func New(store KeyStore, masterKey, indexKey []byte, opts ...Option) (*Service, error) {
	if len(masterKey) != dekLen {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d", ErrKeyConfig, dekLen, len(masterKey))
	}
	if len(indexKey) != dekLen {
		return nil, fmt.Errorf("%w: index key must be %d bytes, got %d", ErrKeyConfig, dekLen, len(indexKey))
	}
	if hmac.Equal(masterKey, indexKey) {
		return nil, fmt.Errorf("%w: master key and index key must differ", ErrKeyConfig)
	}
	s := &Service{
		store:    store,
		master:   masterKey,
		indexKey: indexKey,
		cache:    newDEKCache(dekCacheTTL),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EncryptField encrypts a single field value under the workspace DEK.
// Empty and already-encrypted values pass through unchanged, which keeps
// the operation idempotent during mixed plaintext/ciphertext migrations.
func (s *Service) EncryptField(ctx context.Context, workspaceID, plaintext string) (string, error) {
	if plaintext == "" || strings.HasPrefix(plaintext, tokenPrefix) {
		return plaintext, nil
	}
	dek, err := s.workspaceDEK(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	sealed, err := gcmSeal(dek, iv, []byte(plaintext))
	if err != nil {
		return "", err
	}
	ct, tag := sealed[:len(sealed)-gcmTagLen], sealed[len(sealed)-gcmTagLen:]
	return encodeToken(iv, ct, tag), nil
}

// DecryptField reverses EncryptField. Values without the enc: prefix are
// treated as legacy plaintext and returned as-is.
func (s *Service) DecryptField(ctx context.Context, workspaceID, value string) (string, error) {
	if !strings.HasPrefix(value, tokenPrefix) {
		return value, nil
	}
	iv, ct, tag, err := decodeToken(value)
	if err != nil {
		return "", err
	}
	dek, err := s.workspaceDEK(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	plaintext, err := gcmOpen(dek, iv, append(ct, tag...))
	if err != nil {
		return "", fmt.Errorf("%w: field authentication failed", ErrDecrypt)
	}
	return string(plaintext), nil
}

// Fingerprint derives a deterministic keyed hash for exact-match search over
// encrypted columns. Input is normalized (trim, lowercase) first so lookups
// survive formatting drift.
func (s *Service) Fingerprint(value string) []byte {
	normalized := strings.ToLower(strings.TrimSpace(value))
	mac := hmac.New(sha256.New, s.indexKey)
	mac.Write([]byte(normalized))
	return mac.Sum(nil)
}

// workspaceDEK returns the plaintext DEK for a workspace, creating and
// persisting a wrapped one on first use. The cache is purely a latency
// optimization; a miss re-unwraps from storage.
func (s *Service) workspaceDEK(ctx context.Context, workspaceID string) ([]byte, error) {
	if dek, ok := s.cache.get(workspaceID); ok {
		return dek, nil
	}

	rec, err := s.store.GetWorkspaceKey(ctx, workspaceID)
	switch {
	case err == nil:
		dek, err := unwrapDEK(s.master, rec)
		if err != nil {
			return nil, err
		}
		s.cache.put(workspaceID, dek)
		return dek, nil
	case errors.Is(err, ErrKeyNotFound):
		// fall through to create
	default:
		return nil, err
	}

	dek := make([]byte, dekLen)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	rec, err = wrapDEK(s.master, workspaceID, dek)
	if err != nil {
		return nil, err
	}
	created, err := s.store.CreateWorkspaceKey(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !created {
		// Another instance won the insert race; use its key.
		rec, err = s.store.GetWorkspaceKey(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		dek, err = unwrapDEK(s.master, rec)
		if err != nil {
			return nil, err
		}
	}
	s.cache.put(workspaceID, dek)
	return dek, nil
}

// wrapDEK seals a plaintext DEK under the given master key.
func wrapDEK(master []byte, workspaceID string, dek []byte) (WorkspaceKey, error) {
	nonce := make([]byte, ivLen)
	if _, err := rand.Read(nonce); err != nil {
		return WorkspaceKey{}, err
	}
	sealed, err := gcmSeal(master, nonce, dek)
	if err != nil {
		return WorkspaceKey{}, err
	}
	return WorkspaceKey{
		WorkspaceID: workspaceID,
		DEKCipher:   sealed[:len(sealed)-gcmTagLen],
		DEKNonce:    nonce,
		DEKTag:      sealed[len(sealed)-gcmTagLen:],
		Version:     1,
	}, nil
}

// unwrapDEK recovers the plaintext DEK. A tag mismatch means the master key
// changed incompatibly and is surfaced as ErrDecrypt, never as garbage key
// material.
func unwrapDEK(master []byte, rec WorkspaceKey) ([]byte, error) {
	dek, err := gcmOpen(master, rec.DEKNonce, append(append([]byte{}, rec.DEKCipher...), rec.DEKTag...))
	if err != nil {
		return nil, fmt.Errorf("%w: DEK unwrap failed for workspace %s (master key mismatch?)", ErrDecrypt, rec.WorkspaceID)
	}
	return dek, nil
}

func gcmSeal(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

func gcmOpen(key, nonce, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, sealed, nil)
}
