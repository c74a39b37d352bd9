package mfa

import (
	"context"
	"time"
)

// FactorStore persists second factors.
type FactorStore interface {
	CreateFactor(ctx context.Context, f *Factor) error
	GetFactor(ctx context.Context, userID, factorID string) (*Factor, error)
	ListFactors(ctx context.Context, userID string) ([]*Factor, error)
	// HasVerifiedFactor answers the resolver's enrollment question.
	HasVerifiedFactor(ctx context.Context, userID string) (bool, error)
	MarkFactorVerified(ctx context.Context, factorID string, at time.Time) error
	// AdvanceCounter raises the replay high-water mark; returns false when the
	// presented counter does not advance it (a replayed code).
	AdvanceCounter(ctx context.Context, factorID string, counter int64) (bool, error)
	DeleteFactor(ctx context.Context, userID, factorID string) (bool, error)
}

// ChallengeStore persists ephemeral verification challenges.
type ChallengeStore interface {
	CreateChallenge(ctx context.Context, c *Challenge) error
	// ConsumeChallenge atomically claims an unexpired, unconsumed challenge
	// for the given factor. Returns false when nothing matched: unknown id,
	// expired, already consumed, or bound to another factor.
	ConsumeChallenge(ctx context.Context, challengeID, factorID string, now time.Time) (bool, error)
}

// RecoveryStore persists one-time recovery codes.
type RecoveryStore interface {
	// ReplaceRecoveryCodes swaps the whole batch transactionally.
	ReplaceRecoveryCodes(ctx context.Context, userID string, hashes []string) error
	// ConsumeRecoveryCode flips used=true in the same operation that matched
	// the hash, so two concurrent requests can never both succeed.
	ConsumeRecoveryCode(ctx context.Context, userID, codeHash string, at time.Time) (bool, error)
	CountUnusedRecoveryCodes(ctx context.Context, userID string) (int, error)
}

// Limiter bounds verification attempts per identity per fixed window.
type Limiter interface {
	// CheckAndIncrement counts this attempt and reports whether it may proceed.
	CheckAndIncrement(ctx context.Context, userID string) (Decision, error)
	// Reset clears the window after a fully successful verification.
	Reset(ctx context.Context, userID string) error
}
