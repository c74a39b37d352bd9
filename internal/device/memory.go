package device

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store for tests and single-process development
// setups. Semantics mirror the PostgreSQL implementation.
type MemoryStore struct {
	mu      sync.Mutex
	devices map[string]Device
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]Device)}
}

func key(userID, deviceID string) string { return userID + "/" + deviceID }

func (s *MemoryStore) Upsert(_ context.Context, d Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.RevokedAt = nil
	s.devices[key(d.UserID, d.DeviceID)] = d
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID, deviceID string) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[key(userID, deviceID)]
	if !ok {
		return Device{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) BumpLastSeen(_ context.Context, userID, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[key(userID, deviceID)]; ok {
		d.LastSeenAt = at
		s.devices[key(userID, deviceID)] = d
	}
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, userID, deviceID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[key(userID, deviceID)]
	if !ok || d.Revoked() {
		return false, nil
	}
	d.RevokedAt = &at
	s.devices[key(userID, deviceID)] = d
	return true, nil
}

func (s *MemoryStore) RevokeAll(_ context.Context, userID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, d := range s.devices {
		if d.UserID == userID && !d.Revoked() {
			d.RevokedAt = &at
			s.devices[k] = d
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListActive(_ context.Context, userID string, now time.Time) ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []Device
	for _, d := range s.devices {
		if d.UserID == userID && !d.Revoked() && d.ExpiresAt.After(now) {
			res = append(res, d)
		}
	}
	return res, nil
}
