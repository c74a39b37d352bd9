package vault

import (
	"context"
	"database/sql"
	"errors"
)

var _ KeyStore = (*PGKeyStore)(nil)

// PGKeyStore implements KeyStore on PostgreSQL.
type PGKeyStore struct {
	db *sql.DB
}

func NewPGKeyStore(db *sql.DB) *PGKeyStore {
	return &PGKeyStore{db: db}
}

func (s *PGKeyStore) GetWorkspaceKey(ctx context.Context, workspaceID string) (WorkspaceKey, error) {
	row := s.db.QueryRowContext(ctx, `
		select workspace_id, dek_cipher, dek_nonce, dek_tag, version, created_at, updated_at
		from workspace_keys where workspace_id=$1
	`, workspaceID)
	var rec WorkspaceKey
	if err := row.Scan(&rec.WorkspaceID, &rec.DEKCipher, &rec.DEKNonce, &rec.DEKTag, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WorkspaceKey{}, ErrKeyNotFound
		}
		return WorkspaceKey{}, err
	}
	return rec, nil
}

func (s *PGKeyStore) CreateWorkspaceKey(ctx context.Context, rec WorkspaceKey) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		insert into workspace_keys(workspace_id, dek_cipher, dek_nonce, dek_tag, version)
		values ($1,$2,$3,$4,$5)
		on conflict (workspace_id) do nothing
	`, rec.WorkspaceID, rec.DEKCipher, rec.DEKNonce, rec.DEKTag, rec.Version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PGKeyStore) ListWorkspaceKeys(ctx context.Context) ([]WorkspaceKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		select workspace_id, dek_cipher, dek_nonce, dek_tag, version, created_at, updated_at
		from workspace_keys order by workspace_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []WorkspaceKey
	for rows.Next() {
		var rec WorkspaceKey
		if err := rows.Scan(&rec.WorkspaceID, &rec.DEKCipher, &rec.DEKNonce, &rec.DEKTag, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (s *PGKeyStore) ReplaceWorkspaceKey(ctx context.Context, rec WorkspaceKey, priorVersion int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update workspace_keys
		set dek_cipher=$2, dek_nonce=$3, dek_tag=$4, version=$5, updated_at=now()
		where workspace_id=$1 and version=$6
	`, rec.WorkspaceID, rec.DEKCipher, rec.DEKNonce, rec.DEKTag, rec.Version, priorVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
