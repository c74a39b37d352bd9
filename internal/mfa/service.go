package mfa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tempora.app/internal/audit"
	"tempora.app/internal/device"
	"tempora.app/internal/obs"
	"tempora.app/internal/vault"
)

// Service wires factor enrollment, challenge issuance, and verification
// together with the rate limiter, the trusted-device ledger, and the
// envelope-encryption service that guards TOTP secrets at rest.
type Service struct {
	factors    FactorStore
	challenges ChallengeStore
	recovery   RecoveryStore
	limiter    Limiter
	crypto     *vault.Service
	devices    *device.Ledger
	auditor    *audit.Logger
	now        func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(
	factors FactorStore,
	challenges ChallengeStore,
	recovery RecoveryStore,
	limiter Limiter,
	crypto *vault.Service,
	devices *device.Ledger,
	auditor *audit.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		factors:    factors,
		challenges: challenges,
		recovery:   recovery,
		limiter:    limiter,
		crypto:     crypto,
		devices:    devices,
		auditor:    auditor,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enrollment is returned exactly once; the plaintext secret is never
// retrievable again.
type Enrollment struct {
	Factor       *Factor
	SecretBase32 string
	ProvisionURI string
}

// Enroll creates an unverified TOTP factor. The secret is persisted only in
// envelope-encrypted form and becomes usable after a successful verification.
func (s *Service) Enroll(ctx context.Context, userID, workspaceID, account string) (*Enrollment, error) {
	_, secretBase32, err := generateTOTPSecret()
	if err != nil {
		return nil, err
	}
	secretEnc, err := s.crypto.EncryptField(ctx, workspaceID, secretBase32)
	if err != nil {
		return nil, err
	}
	f := &Factor{
		UserID:      userID,
		WorkspaceID: workspaceID,
		Type:        FactorTypeTOTP,
		Status:      FactorStatusUnverified,
		SecretEnc:   secretEnc,
	}
	if err := s.factors.CreateFactor(ctx, f); err != nil {
		return nil, err
	}
	if account == "" {
		account = userID
	}
	return &Enrollment{
		Factor:       f,
		SecretBase32: secretBase32,
		ProvisionURI: provisionURI(secretBase32, account),
	}, nil
}

// IssueChallenge mints a single-use, TTL-bound challenge for the factor.
func (s *Service) IssueChallenge(ctx context.Context, userID, factorID string) (*Challenge, error) {
	if _, err := s.factors.GetFactor(ctx, userID, factorID); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	c := &Challenge{
		ID:        uuid.NewString(),
		FactorID:  factorID,
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ChallengeTTL),
	}
	if err := s.challenges.CreateChallenge(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// VerifyRequest is one verification attempt.
type VerifyRequest struct {
	UserID         string
	WorkspaceID    string
	FactorID       string
	ChallengeID    string
	Code           string
	Method         string // totp | recovery
	RememberDevice bool

	IP        string
	UserAgent string
}

// VerifyResult reports a successful verification.
type VerifyResult struct {
	FactorVerified bool // true when this attempt completed enrollment
	TrustedDevice  *device.Issued
	RetryAfter     time.Duration // set alongside ErrRateLimited
}

// Verify runs the attempt state machine:
//
//	issued -> (rate-limit check) -> {blocked} | verifying -> {success, failure}
//
// Every outcome lands in the audit log; failures count against the limiter
// and a full success resets it.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	decision, err := s.limiter.CheckAndIncrement(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		obs.ObserveMFAVerification(req.Method, "rate_limited")
		s.auditFailure(ctx, req, "rate_limited")
		return &VerifyResult{RetryAfter: decision.RetryAfter},
			fmt.Errorf("%w: retry after %s", ErrRateLimited, decision.RetryAfter)
	}

	factor, err := s.factors.GetFactor(ctx, req.UserID, req.FactorID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.auditFailure(ctx, req, "unknown_factor")
			obs.ObserveMFAVerification(req.Method, "failure")
			return nil, fmt.Errorf("%w: unknown factor", ErrInvalidCode)
		}
		return nil, err
	}

	// The challenge is consumed up front: it binds exactly one attempt,
	// pass or fail, which is what kills replay of an old code against a
	// stale challenge.
	ok, err := s.challenges.ConsumeChallenge(ctx, req.ChallengeID, req.FactorID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		s.auditFailure(ctx, req, "stale_challenge")
		obs.ObserveMFAVerification(req.Method, "failure")
		return nil, fmt.Errorf("%w: challenge expired or already used", ErrInvalidCode)
	}

	switch req.Method {
	case MethodTOTP:
		if err := s.verifyTOTPAttempt(ctx, req, factor); err != nil {
			return nil, err
		}
	case MethodRecovery:
		if err := s.verifyRecoveryAttempt(ctx, req); err != nil {
			return nil, err
		}
	default:
		s.auditFailure(ctx, req, "unknown_method")
		obs.ObserveMFAVerification(req.Method, "failure")
		return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidCode, req.Method)
	}

	// Success path: reset the attempt budget before anything else so a
	// legitimate user is never penalized for earlier failures.
	if err := s.limiter.Reset(ctx, req.UserID); err != nil {
		obs.LogRequest(map[string]any{
			"level": "warn", "msg": "rate limit reset failed",
			"user_id": req.UserID, "error": err.Error(),
		})
	}

	result := &VerifyResult{}
	if factor.Status == FactorStatusUnverified {
		if err := s.factors.MarkFactorVerified(ctx, factor.ID, s.now().UTC()); err != nil {
			return nil, err
		}
		result.FactorVerified = true
		s.auditor.Event(ctx, req.UserID, audit.EventMFAEnrolled,
			map[string]string{"factor_id": factor.ID}, req.IP, req.UserAgent)
	}

	s.auditor.Event(ctx, req.UserID, audit.EventMFASuccess,
		map[string]string{"factor_id": factor.ID, "method": req.Method}, req.IP, req.UserAgent)
	obs.ObserveMFAVerification(req.Method, "success")

	if req.RememberDevice {
		issued, err := s.devices.Add(ctx, req.UserID, req.UserAgent, req.IP)
		if err != nil {
			// The verification itself succeeded; surface the miss but do not
			// fail the attempt.
			obs.LogRequest(map[string]any{
				"level": "warn", "msg": "trusted device issue failed",
				"user_id": req.UserID, "error": err.Error(),
			})
		} else {
			result.TrustedDevice = &issued
		}
	}
	return result, nil
}

func (s *Service) verifyTOTPAttempt(ctx context.Context, req VerifyRequest, factor *Factor) error {
	secretBase32, err := s.crypto.DecryptField(ctx, factor.WorkspaceID, factor.SecretEnc)
	if err != nil {
		return err
	}
	ok, counter, err := verifyTOTP(secretBase32, req.Code, s.now())
	if err != nil {
		return err
	}
	if !ok {
		s.auditFailure(ctx, req, "invalid_totp")
		obs.ObserveMFAVerification(req.Method, "failure")
		return fmt.Errorf("%w: totp mismatch", ErrInvalidCode)
	}
	advanced, err := s.factors.AdvanceCounter(ctx, factor.ID, counter)
	if err != nil {
		return err
	}
	if !advanced {
		s.auditFailure(ctx, req, "totp_replay")
		obs.ObserveMFAVerification(req.Method, "failure")
		return fmt.Errorf("%w: code already used", ErrInvalidCode)
	}
	return nil
}

func (s *Service) verifyRecoveryAttempt(ctx context.Context, req VerifyRequest) error {
	ok, err := s.recovery.ConsumeRecoveryCode(ctx, req.UserID, hashRecoveryCode(req.Code), s.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		s.auditFailure(ctx, req, "invalid_recovery_code")
		obs.ObserveMFAVerification(req.Method, "failure")
		return fmt.Errorf("%w: recovery code invalid or already used", ErrInvalidCode)
	}
	return nil
}

// GenerateRecoveryCodes wholesale-replaces the user's batch and returns the
// plaintext codes exactly once.
func (s *Service) GenerateRecoveryCodes(ctx context.Context, userID, ip, userAgent string) ([]string, error) {
	codes, hashes, err := newRecoveryBatch()
	if err != nil {
		return nil, err
	}
	if err := s.recovery.ReplaceRecoveryCodes(ctx, userID, hashes); err != nil {
		return nil, err
	}
	s.auditor.Event(ctx, userID, audit.EventRecoveryCodesGenerated,
		map[string]string{"count": fmt.Sprintf("%d", len(codes))}, ip, userAgent)
	return codes, nil
}

// ListFactors returns the user's factors for settings screens.
func (s *Service) ListFactors(ctx context.Context, userID string) ([]*Factor, error) {
	return s.factors.ListFactors(ctx, userID)
}

// Unenroll removes a factor and revokes every trusted device, since the
// trust those devices carry was anchored on the removed factor.
func (s *Service) Unenroll(ctx context.Context, userID, factorID, ip, userAgent string) error {
	hit, err := s.factors.DeleteFactor(ctx, userID, factorID)
	if err != nil {
		return err
	}
	if !hit {
		return ErrNotFound
	}
	if _, err := s.devices.RevokeAll(ctx, userID); err != nil {
		obs.LogRequest(map[string]any{
			"level": "warn", "msg": "trusted device revocation after unenroll failed",
			"user_id": userID, "error": err.Error(),
		})
	}
	s.auditor.Event(ctx, userID, audit.EventMFAUnenrolled,
		map[string]string{"factor_id": factorID}, ip, userAgent)
	return nil
}

func (s *Service) auditFailure(ctx context.Context, req VerifyRequest, reason string) {
	s.auditor.Event(ctx, req.UserID, audit.EventMFAFailure, map[string]string{
		"factor_id": req.FactorID,
		"method":    req.Method,
		"reason":    reason,
	}, req.IP, req.UserAgent)
}
