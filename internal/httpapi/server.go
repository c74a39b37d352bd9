package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"tempora.app/internal/device"
	"tempora.app/internal/mfa"
	"tempora.app/internal/obs"
	"tempora.app/internal/session"
)

// ReadyProbe reports readiness (DB reachable).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps carries everything the HTTP layer needs.
type Deps struct {
	Ready    ReadyProbe
	Sessions *session.Verifier
	MFA      *mfa.Service
	Resolver *mfa.Resolver
	Devices  *device.Ledger
	Version  string
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	probe    ReadyProbe
	sessions *session.Verifier
	mfa      *mfa.Service
	resolver *mfa.Resolver
	devices  *device.Ledger
	version  string

	rateBurst  int
	ratePerSec int
}

func New(deps Deps) *API {
	a := &API{
		mux:      http.NewServeMux(),
		probe:    deps.Ready,
		sessions: deps.Sessions,
		mfa:      deps.MFA,
		resolver: deps.Resolver,
		devices:  deps.Devices,
		version:  deps.Version,

		rateBurst:  20,
		ratePerSec: 10,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/mfa/enroll", a.handleEnroll)
	a.mux.HandleFunc("/v1/mfa/challenge", a.handleChallenge)
	a.mux.HandleFunc("/v1/mfa/verify", a.handleVerify)
	a.mux.HandleFunc("/v1/mfa/recovery-codes", a.handleRecoveryCodes)
	a.mux.HandleFunc("/v1/mfa/factors", a.handleFactors)
	a.mux.HandleFunc("/v1/mfa/unenroll", a.handleUnenroll)
	a.mux.HandleFunc("/v1/trusted-device", a.handleTrustedDevice)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := a.withGate(a.mux)
	h = a.withSession(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tempora-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.probe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "tempora-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
