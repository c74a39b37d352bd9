// Package session validates bearer session tokens minted by the external
// identity provider and carries the authenticated identity through contexts.
//
// Password checking and token issuance live in the identity provider; this
// service only verifies signatures and reads the claims it needs: the subject,
// the workspace, and the session's authentication assurance level.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Assurance levels. aal1 means the session was established with a single
// factor; aal2 means a second factor was completed in this session.
const (
	AAL1 = "aal1"
	AAL2 = "aal2"
)

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("session: invalid token")

// Claims are the session JWT claims this service reads.
type Claims struct {
	WorkspaceID string `json:"wid"`
	AAL         string `json:"aal"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller derived from a session token.
type Identity struct {
	UserID      string
	WorkspaceID string
	AAL         string
}

// Verifier checks session JWT signatures with the secret shared with the
// identity provider.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Option configures Verifier behavior.
type Option func(*Verifier)

// WithIssuer overrides the expected issuer claim.
func WithIssuer(issuer string) Option {
	return func(v *Verifier) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			v.issuer = issuer
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(v *Verifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

func NewVerifier(secret []byte, opts ...Option) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("session: verifier secret is required")
	}
	v := &Verifier{secret: secret, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// ParseAndValidate verifies the token signature and required claims.
func (v *Verifier) ParseAndValidate(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if err := v.validateClaims(claims); err != nil {
		return Identity{}, ErrInvalidToken
	}

	aal := strings.ToLower(strings.TrimSpace(claims.AAL))
	if aal != AAL2 {
		aal = AAL1
	}
	return Identity{
		UserID:      claims.Subject,
		WorkspaceID: strings.TrimSpace(claims.WorkspaceID),
		AAL:         aal,
	}, nil
}

func (v *Verifier) validateClaims(claims *Claims) error {
	if v.issuer != "" && claims.Issuer != v.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := v.now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	return nil
}

type identityContextKey struct{}

// ContextWithIdentity attaches the authenticated identity to the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, &id)
}

// IdentityFromContext extracts the authenticated identity from the context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || v == nil {
		return Identity{}, false
	}
	return *v, true
}
