package mfa

import (
	"context"
	"sync"
	"time"

	"tempora.app/internal/ids"
)

var (
	_ FactorStore    = (*MemoryStore)(nil)
	_ ChallengeStore = (*MemoryStore)(nil)
	_ RecoveryStore  = (*MemoryStore)(nil)
)

// MemoryStore is an in-memory implementation of the MFA stores for tests and
// single-process development setups. Semantics mirror the PostgreSQL
// implementation, including the single-use and replay guards.
type MemoryStore struct {
	mu         sync.Mutex
	factors    map[string]*Factor
	challenges map[string]*Challenge
	codes      map[string]map[string]bool // userID -> hash -> used
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		factors:    make(map[string]*Factor),
		challenges: make(map[string]*Challenge),
		codes:      make(map[string]map[string]bool),
	}
}

func (m *MemoryStore) CreateFactor(_ context.Context, f *Factor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == "" {
		f.ID = ids.New()
	}
	cp := *f
	m.factors[f.ID] = &cp
	return nil
}

func (m *MemoryStore) GetFactor(_ context.Context, userID, factorID string) (*Factor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.factors[factorID]
	if !ok || f.UserID != userID {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *MemoryStore) ListFactors(_ context.Context, userID string) ([]*Factor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []*Factor
	for _, f := range m.factors {
		if f.UserID == userID {
			cp := *f
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (m *MemoryStore) HasVerifiedFactor(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.factors {
		if f.UserID == userID && f.Status == FactorStatusVerified {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) MarkFactorVerified(_ context.Context, factorID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.factors[factorID]; ok {
		f.Status = FactorStatusVerified
		f.UpdatedAt = at
	}
	return nil
}

func (m *MemoryStore) AdvanceCounter(_ context.Context, factorID string, counter int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.factors[factorID]
	if !ok || f.LastCounter >= counter {
		return false, nil
	}
	f.LastCounter = counter
	return true, nil
}

func (m *MemoryStore) DeleteFactor(_ context.Context, userID, factorID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.factors[factorID]
	if !ok || f.UserID != userID {
		return false, nil
	}
	delete(m.factors, factorID)
	return true, nil
}

func (m *MemoryStore) CreateChallenge(_ context.Context, c *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.challenges[c.ID] = &cp
	return nil
}

func (m *MemoryStore) ConsumeChallenge(_ context.Context, challengeID, factorID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[challengeID]
	if !ok || c.FactorID != factorID || c.ConsumedAt != nil || !c.ExpiresAt.After(now) {
		return false, nil
	}
	c.ConsumedAt = &now
	return true, nil
}

func (m *MemoryStore) ReplaceRecoveryCodes(_ context.Context, userID string, hashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		batch[h] = false
	}
	m.codes[userID] = batch
	return nil
}

func (m *MemoryStore) ConsumeRecoveryCode(_ context.Context, userID, codeHash string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.codes[userID]
	if !ok {
		return false, nil
	}
	used, exists := batch[codeHash]
	if !exists || used {
		return false, nil
	}
	batch[codeHash] = true
	return true, nil
}

func (m *MemoryStore) CountUnusedRecoveryCodes(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, used := range m.codes[userID] {
		if !used {
			n++
		}
	}
	return n, nil
}

var _ Limiter = (*MemoryLimiter)(nil)

// MemoryLimiter is a fixed-window Limiter held in process memory. Suitable
// for tests and single-instance deployments only: the budget does not span
// instances the way the PostgreSQL and Redis limiters do.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*limiterWindow
	now     func() time.Time
}

type limiterWindow struct {
	start    time.Time
	attempts int
}

// NewMemoryLimiter builds a limiter; a nil clock means time.Now.
func NewMemoryLimiter(clock func() time.Time) *MemoryLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLimiter{
		windows: make(map[string]*limiterWindow),
		now:     clock,
	}
}

func (l *MemoryLimiter) CheckAndIncrement(_ context.Context, userID string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	win, ok := l.windows[userID]
	if !ok || now.Sub(win.start) > RateLimitWindow {
		l.windows[userID] = &limiterWindow{start: now, attempts: 1}
		return Decision{Allowed: true}, nil
	}
	win.attempts++
	if win.attempts > RateLimitMaxAttempts {
		return Decision{Allowed: false, RetryAfter: win.start.Add(RateLimitWindow).Sub(now)}, nil
	}
	return Decision{Allowed: true}, nil
}

func (l *MemoryLimiter) Reset(_ context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, userID)
	return nil
}
