package httpapi

import (
	"net/http"
	"strings"
	"time"

	"tempora.app/internal/device"
)

type trustedDeviceRequest struct {
	Action   string `json:"action"`
	DeviceID string `json:"device_id,omitempty"`
}

type deviceView struct {
	DeviceID   string    `json:"device_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (a *API) handleTrustedDevice(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listTrustedDevices(w, r)
	case http.MethodPost:
		a.trustedDeviceAction(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) listTrustedDevices(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	devices, err := a.devices.ListActive(r.Context(), id.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "device listing failed")
		return
	}
	items := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		items = append(items, deviceView{
			DeviceID:   d.DeviceID,
			CreatedAt:  d.CreatedAt,
			LastSeenAt: d.LastSeenAt,
			ExpiresAt:  d.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) trustedDeviceAction(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req trustedDeviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	switch req.Action {
	case "check":
		res, err := a.devices.Check(r.Context(), id.UserID, deviceCookie(r), r.UserAgent(), clientIP(r))
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "device check failed")
			return
		}
		payload := map[string]any{"is_trusted": res.Trusted}
		if res.Trusted {
			payload["expires_at"] = res.ExpiresAt
		}
		writeJSON(w, http.StatusOK, payload)

	case "add":
		issued, err := a.devices.Add(r.Context(), id.UserID, r.UserAgent(), clientIP(r))
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "device registration failed")
			return
		}
		http.SetCookie(w, device.NewCookie(issued.Cookie, issued.ExpiresAt, time.Now().UTC()))
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"device_id":  issued.DeviceID,
			"expires_at": issued.ExpiresAt,
		})

	case "revoke":
		if strings.TrimSpace(req.DeviceID) == "" {
			writeError(w, r, http.StatusBadRequest, "device_id is required for revoke")
			return
		}
		hit, err := a.devices.Revoke(r.Context(), id.UserID, req.DeviceID)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "device revocation failed")
			return
		}
		if !hit {
			writeError(w, r, http.StatusNotFound, "device not found")
			return
		}
		http.SetCookie(w, device.ClearCookie())
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case "revoke_all":
		n, err := a.devices.RevokeAll(r.Context(), id.UserID)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "device revocation failed")
			return
		}
		http.SetCookie(w, device.ClearCookie())
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "revoked": n})

	default:
		writeError(w, r, http.StatusBadRequest, "unknown action")
	}
}
