// Package mfa implements second-factor enrollment, challenge verification,
// recovery codes, attempt rate limiting, and the authentication-state
// resolver that decides whether a request still owes a second factor.
package mfa

import (
	"errors"
	"time"
)

// Factor types and states.
const (
	FactorTypeTOTP = "totp"

	FactorStatusUnverified = "unverified"
	FactorStatusVerified   = "verified"
)

// Verification methods accepted by the verifier.
const (
	MethodTOTP     = "totp"
	MethodRecovery = "recovery"
)

// ChallengeTTL bounds how long an issued challenge stays redeemable.
const ChallengeTTL = 5 * time.Minute

// Rate-limit window parameters for verification attempts.
const (
	RateLimitWindow      = time.Minute
	RateLimitMaxAttempts = 5
)

var (
	// ErrNotFound reports a missing factor or challenge row.
	ErrNotFound = errors.New("mfa: not found")

	// ErrInvalidCode covers wrong TOTP codes, replayed codes, used or unknown
	// recovery codes, and stale or already-consumed challenges. Recoverable by
	// the caller; counted against the rate limit.
	ErrInvalidCode = errors.New("mfa: invalid code")

	// ErrRateLimited reports an exhausted attempt budget. Recoverable after
	// the window elapses; never an account lockout.
	ErrRateLimited = errors.New("mfa: too many attempts")
)

// Factor is one enrolled (or in-enrollment) second factor.
type Factor struct {
	ID          string
	UserID      string
	WorkspaceID string
	Type        string
	Status      string
	// SecretEnc holds the TOTP secret as an envelope-encrypted token; the
	// plaintext secret never persists.
	SecretEnc   string
	LastCounter int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Challenge is an ephemeral, single-use binding for one verification attempt.
type Challenge struct {
	ID         string
	FactorID   string
	UserID     string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// Decision is the rate limiter's verdict for one attempt.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}
