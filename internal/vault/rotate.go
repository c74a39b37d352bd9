package vault

import (
	"context"
	"errors"
	"fmt"
)

// RotationReport summarizes one master-key rotation run. Failures are
// collected per workspace and reported, never silently swallowed.
type RotationReport struct {
	Rotated int
	Skipped int
	Failed  map[string]error
}

// Rotator rewraps every workspace DEK from the previous master key to the
// current one. It is an offline administrative batch: both keys are present
// simultaneously and each row commits only after decrypt and re-encrypt both
// succeeded, so a partial failure never corrupts key material.
type Rotator struct {
	store    KeyStore
	current  []byte
	previous []byte
}

func NewRotator(store KeyStore, currentKey, previousKey []byte) (*Rotator, error) {
	if len(currentKey) != dekLen || len(previousKey) != dekLen {
		return nil, fmt.Errorf("%w: rotation requires two %d-byte master keys", ErrKeyConfig, dekLen)
	}
	return &Rotator{store: store, current: currentKey, previous: previousKey}, nil
}

// Run iterates all workspace key rows. Rows already readable under the
// current key are counted as skipped; rows readable under neither key are
// reported as failed.
func (r *Rotator) Run(ctx context.Context) (RotationReport, error) {
	rows, err := r.store.ListWorkspaceKeys(ctx)
	if err != nil {
		return RotationReport{}, err
	}
	report := RotationReport{Failed: make(map[string]error)}
	for _, rec := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, err := unwrapDEK(r.current, rec); err == nil {
			report.Skipped++
			continue
		}
		dek, err := unwrapDEK(r.previous, rec)
		if err != nil {
			report.Failed[rec.WorkspaceID] = err
			continue
		}
		rewrapped, err := wrapDEK(r.current, rec.WorkspaceID, dek)
		if err != nil {
			report.Failed[rec.WorkspaceID] = err
			continue
		}
		rewrapped.Version = rec.Version + 1
		ok, err := r.store.ReplaceWorkspaceKey(ctx, rewrapped, rec.Version)
		if err != nil {
			report.Failed[rec.WorkspaceID] = err
			continue
		}
		if !ok {
			report.Failed[rec.WorkspaceID] = errors.New("vault: concurrent key update, row skipped")
			continue
		}
		report.Rotated++
	}
	return report, nil
}
