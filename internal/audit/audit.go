// Package audit records security-relevant events in an append-only log.
// Entries are persisted and mirrored as JSON log lines; this subsystem never
// mutates or deletes them.
package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"tempora.app/internal/ids"
	"tempora.app/internal/obs"
)

// Event types written by the MFA and trusted-device paths.
const (
	EventMFAEnrolled            = "mfa_enrolled"
	EventMFASuccess             = "mfa_success"
	EventMFAFailure             = "mfa_failure"
	EventMFAUnenrolled          = "mfa_unenrolled"
	EventRecoveryCodesGenerated = "recovery_codes_generated"
	EventTrustedDeviceAdded     = "trusted_device_added"
	EventTrustedDeviceUsed      = "trusted_device_used"
	EventTrustedDeviceRevoked   = "trusted_device_revoked"
	EventTrustedDeviceMismatch  = "trusted_device_mismatch"
)

// Entry is one append-only audit record.
type Entry struct {
	ID        string
	UserID    string
	EventType string
	Details   map[string]string
	IP        string
	UserAgent string
	CreatedAt time.Time
}

// Store appends immutable entries.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
}

// Logger writes audit entries to the store and mirrors them to the JSON log.
// A store failure is logged and swallowed: availability of the security gate
// takes precedence over availability of the audit trail.
type Logger struct {
	store Store
	now   func() time.Time
}

func NewLogger(store Store) *Logger {
	return &Logger{store: store, now: time.Now}
}

// Event records one audit event. It never returns an error to the caller.
func (l *Logger) Event(ctx context.Context, userID, eventType string, details map[string]string, ip, userAgent string) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return
	}
	entry := &Entry{
		ID:        ids.New(),
		UserID:    userID,
		EventType: eventType,
		Details:   details,
		IP:        ip,
		UserAgent: userAgent,
		CreatedAt: l.now().UTC(),
	}

	line := map[string]any{
		"ts":      entry.CreatedAt.Format(time.RFC3339Nano),
		"type":    "audit",
		"event":   eventType,
		"user_id": userID,
	}
	if ip != "" {
		line["ip"] = ip
	}
	if len(details) > 0 {
		line["fields"] = details
	}
	if data, err := json.Marshal(line); err == nil {
		obs.Logger().Println(string(data))
	}

	if l.store == nil {
		return
	}
	if err := l.store.Append(ctx, entry); err != nil {
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "audit append failed",
			"event": eventType,
			"error": err.Error(),
		})
	}
}
