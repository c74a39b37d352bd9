package mfa

import (
	"context"

	"tempora.app/internal/device"
	"tempora.app/internal/obs"
	"tempora.app/internal/session"
)

// Resolution is the per-request answer to "does this identity owe a second
// factor right now?".
type Resolution struct {
	Enrolled      bool
	NeedsMFA      bool
	Assurance     string
	TrustedDevice bool
}

// Resolver computes the current authentication-assurance state from session
// assurance, factor enrollment, and the trusted-device ledger.
type Resolver struct {
	factors FactorStore
	devices *device.Ledger
}

func NewResolver(factors FactorStore, devices *device.Ledger) *Resolver {
	return &Resolver{factors: factors, devices: devices}
}

// ResolveInput carries the request context the resolver needs.
type ResolveInput struct {
	Identity     session.Identity
	DeviceCookie string
	UserAgent    string
	IP           string
}

// Resolve never fails open: any unexpected error while consulting enrollment
// or the device ledger yields NeedsMFA=true rather than an error. Errors on
// an auth gate must produce the more restrictive outcome.
func (r *Resolver) Resolve(ctx context.Context, in ResolveInput) Resolution {
	id := in.Identity

	// Anonymous requests have nothing to gate here; route-level auth decides
	// whether they get in at all.
	if id.UserID == "" {
		return Resolution{Assurance: session.AAL1}
	}
	if id.AAL == session.AAL2 {
		return Resolution{Enrolled: true, Assurance: session.AAL2}
	}

	enrolled, err := r.factors.HasVerifiedFactor(ctx, id.UserID)
	if err != nil {
		r.logFailSecure(id.UserID, "enrollment lookup failed", err)
		return Resolution{NeedsMFA: true, Assurance: session.AAL1}
	}
	if !enrolled {
		return Resolution{Assurance: session.AAL1}
	}

	check, err := r.devices.Check(ctx, id.UserID, in.DeviceCookie, in.UserAgent, in.IP)
	if err != nil {
		r.logFailSecure(id.UserID, "trusted device check failed", err)
		return Resolution{Enrolled: true, NeedsMFA: true, Assurance: session.AAL1}
	}
	if check.Trusted {
		return Resolution{Enrolled: true, Assurance: session.AAL1, TrustedDevice: true}
	}
	return Resolution{Enrolled: true, NeedsMFA: true, Assurance: session.AAL1}
}

func (r *Resolver) logFailSecure(userID, msg string, err error) {
	obs.LogRequest(map[string]any{
		"level":   "error",
		"msg":     msg + " (failing secure, mfa required)",
		"user_id": userID,
		"error":   err.Error(),
	})
}
