package vault

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound reports a workspace without a persisted DEK yet.
var ErrKeyNotFound = errors.New("vault: workspace key not found")

// WorkspaceKey is the persisted, wrapped form of a workspace DEK.
// The plaintext DEK never touches storage.
type WorkspaceKey struct {
	WorkspaceID string
	DEKCipher   []byte
	DEKNonce    []byte
	DEKTag      []byte
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// KeyStore persists wrapped workspace DEKs.
type KeyStore interface {
	GetWorkspaceKey(ctx context.Context, workspaceID string) (WorkspaceKey, error)
	// CreateWorkspaceKey inserts the wrapped key, returning false when a
	// concurrent writer already created one for the workspace.
	CreateWorkspaceKey(ctx context.Context, rec WorkspaceKey) (bool, error)
	// ListWorkspaceKeys streams all rows for the rotation batch.
	ListWorkspaceKeys(ctx context.Context) ([]WorkspaceKey, error)
	// ReplaceWorkspaceKey swaps in a rewrapped DEK, guarded by the version
	// observed at read time so concurrent rotations cannot clobber each other.
	ReplaceWorkspaceKey(ctx context.Context, rec WorkspaceKey, priorVersion int) (bool, error)
}
