package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"tempora.app/internal/device"
	"tempora.app/internal/mfa"
	"tempora.app/internal/session"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Paths served without a session.
var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
}

// Paths exempt from the MFA gate (but not from authentication): the challenge
// flow must never gate itself, or a user owing a factor could not complete one.
var gateExemptPaths = []string{
	"/v1/mfa/challenge",
	"/v1/mfa/verify",
}

// withSession authenticates the bearer session token and stores the resulting
// identity on the context. Public paths pass through anonymous.
func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		id, err := a.sessions.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, session.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid session token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := session.ContextWithIdentity(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withGate enforces the second factor on every non-exempt route. Errors inside
// the resolver surface as a gate, never a bypass.
func (a *API) withGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) || isGateExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		id, _ := session.IdentityFromContext(r.Context())
		res := a.resolver.Resolve(r.Context(), mfa.ResolveInput{
			Identity:     id,
			DeviceCookie: deviceCookie(r),
			UserAgent:    r.UserAgent(),
			IP:           clientIP(r),
		})
		if !res.NeedsMFA {
			next.ServeHTTP(w, r)
			return
		}

		target := "/v1/mfa/challenge?redirect_to=" + url.QueryEscape(r.URL.RequestURI())
		if acceptsHTML(r) {
			http.Redirect(w, r, target, http.StatusSeeOther)
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":       "mfa_required",
			"redirect_to": target,
		})
	})
}

// requireAAL2 guards the sensitive settings operations (recovery-code
// regeneration, unenroll): a session that has not completed a second factor
// this session cannot change second-factor state.
func (a *API) requireAAL2(w http.ResponseWriter, r *http.Request) (session.Identity, bool) {
	id, ok := session.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "session required")
		return session.Identity{}, false
	}
	if id.AAL != session.AAL2 {
		writeError(w, r, http.StatusForbidden, "second factor required for this operation")
		return session.Identity{}, false
	}
	return id, true
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (session.Identity, bool) {
	id, ok := session.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "session required")
		return session.Identity{}, false
	}
	return id, true
}

func deviceCookie(r *http.Request) string {
	c, err := r.Cookie(device.CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func isGateExempt(path string) bool {
	for _, p := range gateExemptPaths {
		if path == p {
			return true
		}
	}
	return false
}
