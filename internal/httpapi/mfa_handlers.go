package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tempora.app/internal/device"
	"tempora.app/internal/mfa"
)

type enrollResponse struct {
	FactorID     string `json:"factor_id"`
	SecretBase32 string `json:"secret"`
	ProvisionURI string `json:"provision_uri"`
}

func (a *API) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	enr, err := a.mfa.Enroll(r.Context(), id.UserID, id.WorkspaceID, id.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "enrollment failed")
		return
	}
	writeJSON(w, http.StatusCreated, enrollResponse{
		FactorID:     enr.Factor.ID,
		SecretBase32: enr.SecretBase32,
		ProvisionURI: enr.ProvisionURI,
	})
}

type challengeRequest struct {
	FactorID string `json:"factor_id"`
}

type challengeResponse struct {
	ChallengeID string    `json:"challenge_id"`
	FactorID    string    `json:"factor_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (a *API) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req challengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.FactorID) == "" {
		writeError(w, r, http.StatusBadRequest, "factor_id is required")
		return
	}

	c, err := a.mfa.IssueChallenge(r.Context(), id.UserID, req.FactorID)
	if err != nil {
		if errors.Is(err, mfa.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "factor not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "challenge issuance failed")
		return
	}
	writeJSON(w, http.StatusCreated, challengeResponse{
		ChallengeID: c.ID,
		FactorID:    c.FactorID,
		ExpiresAt:   c.ExpiresAt,
	})
}

type verifyRequest struct {
	FactorID       string `json:"factorId"`
	ChallengeID    string `json:"challengeId"`
	Code           string `json:"code"`
	Type           string `json:"type"`
	RememberDevice bool   `json:"rememberDevice"`
}

type verifyResponse struct {
	Success            bool   `json:"success"`
	FactorVerified     bool   `json:"factor_verified,omitempty"`
	TrustedDeviceToken string `json:"trusted_device_token,omitempty"`
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.FactorID == "" || req.ChallengeID == "" || req.Code == "" {
		writeError(w, r, http.StatusBadRequest, "factorId, challengeId and code are required")
		return
	}
	method := req.Type
	if method == "" {
		method = mfa.MethodTOTP
	}

	res, err := a.mfa.Verify(r.Context(), mfa.VerifyRequest{
		UserID:         id.UserID,
		WorkspaceID:    id.WorkspaceID,
		FactorID:       req.FactorID,
		ChallengeID:    req.ChallengeID,
		Code:           req.Code,
		Method:         method,
		RememberDevice: req.RememberDevice,
		IP:             clientIP(r),
		UserAgent:      r.UserAgent(),
	})
	if err != nil {
		switch {
		case errors.Is(err, mfa.ErrRateLimited):
			retry := time.Duration(0)
			if res != nil {
				retry = res.RetryAfter
			}
			w.Header().Set("Retry-After", formatSeconds(retry))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       "too many attempts",
				"retry_after": int(retry.Seconds()),
			})
		case errors.Is(err, mfa.ErrInvalidCode):
			writeError(w, r, http.StatusBadRequest, "invalid code")
		default:
			writeError(w, r, http.StatusInternalServerError, "verification failed")
		}
		return
	}

	resp := verifyResponse{Success: true, FactorVerified: res.FactorVerified}
	if res.TrustedDevice != nil {
		resp.TrustedDeviceToken = res.TrustedDevice.Cookie
		http.SetCookie(w, device.NewCookie(res.TrustedDevice.Cookie, res.TrustedDevice.ExpiresAt, time.Now().UTC()))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := a.requireAAL2(w, r)
	if !ok {
		return
	}

	codes, err := a.mfa.GenerateRecoveryCodes(r.Context(), id.UserID, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "recovery code generation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"codes": codes,
	})
}

type factorView struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *API) handleFactors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	factors, err := a.mfa.ListFactors(r.Context(), id.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "factor listing failed")
		return
	}
	items := make([]factorView, 0, len(factors))
	for _, f := range factors {
		items = append(items, factorView{
			ID:        f.ID,
			Type:      f.Type,
			Status:    f.Status,
			CreatedAt: f.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type unenrollRequest struct {
	FactorID string `json:"factor_id"`
}

func (a *API) handleUnenroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := a.requireAAL2(w, r)
	if !ok {
		return
	}

	var req unenrollRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.FactorID) == "" {
		writeError(w, r, http.StatusBadRequest, "factor_id is required")
		return
	}

	if err := a.mfa.Unenroll(r.Context(), id.UserID, req.FactorID, clientIP(r), r.UserAgent()); err != nil {
		if errors.Is(err, mfa.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "factor not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "unenroll failed")
		return
	}
	// Trust anchored on the removed factor is gone; tell the client to drop
	// the cookie too.
	http.SetCookie(w, device.ClearCookie())
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func formatSeconds(d time.Duration) string {
	s := int(d.Seconds())
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
