package vault

import (
	"context"
	"sync"
)

var _ KeyStore = (*MemoryKeyStore)(nil)

// MemoryKeyStore is an in-memory KeyStore for tests and single-process
// development setups.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string]WorkspaceKey
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]WorkspaceKey)}
}

func (s *MemoryKeyStore) GetWorkspaceKey(_ context.Context, workspaceID string) (WorkspaceKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[workspaceID]
	if !ok {
		return WorkspaceKey{}, ErrKeyNotFound
	}
	return rec, nil
}

func (s *MemoryKeyStore) CreateWorkspaceKey(_ context.Context, rec WorkspaceKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[rec.WorkspaceID]; ok {
		return false, nil
	}
	s.keys[rec.WorkspaceID] = rec
	return true, nil
}

func (s *MemoryKeyStore) ListWorkspaceKeys(context.Context) ([]WorkspaceKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]WorkspaceKey, 0, len(s.keys))
	for _, rec := range s.keys {
		res = append(res, rec)
	}
	return res, nil
}

func (s *MemoryKeyStore) ReplaceWorkspaceKey(_ context.Context, rec WorkspaceKey, priorVersion int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.keys[rec.WorkspaceID]
	if !ok || cur.Version != priorVersion {
		return false, nil
	}
	s.keys[rec.WorkspaceID] = rec
	return true, nil
}
