package mfa

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tempora.app/internal/ids"
)

var (
	_ FactorStore    = (*PGStore)(nil)
	_ ChallengeStore = (*PGStore)(nil)
	_ RecoveryStore  = (*PGStore)(nil)
)

// PGStore implements the MFA stores using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Factors --------------------------------------------------------------

func (s *PGStore) CreateFactor(ctx context.Context, f *Factor) error {
	if f.ID == "" {
		f.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into mfa_factors(id, user_id, workspace_id, type, status, secret_enc, last_counter)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, f.ID, f.UserID, f.WorkspaceID, f.Type, f.Status, f.SecretEnc, f.LastCounter)
	return err
}

func (s *PGStore) GetFactor(ctx context.Context, userID, factorID string) (*Factor, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, user_id, workspace_id, type, status, secret_enc, last_counter, created_at, updated_at
		from mfa_factors where id=$1 and user_id=$2
	`, factorID, userID)
	var f Factor
	if err := row.Scan(&f.ID, &f.UserID, &f.WorkspaceID, &f.Type, &f.Status, &f.SecretEnc, &f.LastCounter, &f.CreatedAt, &f.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

func (s *PGStore) ListFactors(ctx context.Context, userID string) ([]*Factor, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, workspace_id, type, status, secret_enc, last_counter, created_at, updated_at
		from mfa_factors where user_id=$1 order by created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*Factor
	for rows.Next() {
		var f Factor
		if err := rows.Scan(&f.ID, &f.UserID, &f.WorkspaceID, &f.Type, &f.Status, &f.SecretEnc, &f.LastCounter, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, &f)
	}
	return res, rows.Err()
}

func (s *PGStore) HasVerifiedFactor(ctx context.Context, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		select 1 from mfa_factors where user_id=$1 and status=$2 limit 1
	`, userID, FactorStatusVerified).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PGStore) MarkFactorVerified(ctx context.Context, factorID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update mfa_factors set status=$2, updated_at=$3 where id=$1
	`, factorID, FactorStatusVerified, at)
	return err
}

func (s *PGStore) AdvanceCounter(ctx context.Context, factorID string, counter int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update mfa_factors set last_counter=$2, updated_at=now()
		where id=$1 and last_counter < $2
	`, factorID, counter)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PGStore) DeleteFactor(ctx context.Context, userID, factorID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from mfa_factors where id=$1 and user_id=$2
	`, factorID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Challenges -----------------------------------------------------------

func (s *PGStore) CreateChallenge(ctx context.Context, c *Challenge) error {
	_, err := s.db.ExecContext(ctx, `
		insert into mfa_challenges(id, factor_id, user_id, issued_at, expires_at)
		values ($1,$2,$3,$4,$5)
	`, c.ID, c.FactorID, c.UserID, c.IssuedAt, c.ExpiresAt)
	return err
}

func (s *PGStore) ConsumeChallenge(ctx context.Context, challengeID, factorID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update mfa_challenges set consumed_at=$3
		where id=$1 and factor_id=$2 and consumed_at is null and expires_at > $3
	`, challengeID, factorID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Recovery codes --------------------------------------------------------

func (s *PGStore) ReplaceRecoveryCodes(ctx context.Context, userID string, hashes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from recovery_codes where user_id=$1`, userID); err != nil {
		return err
	}
	for _, hash := range hashes {
		if _, err := tx.ExecContext(ctx, `
			insert into recovery_codes(id, user_id, code_hash, used)
			values ($1,$2,$3,false)
		`, ids.New(), userID, hash); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PGStore) ConsumeRecoveryCode(ctx context.Context, userID, codeHash string, at time.Time) (bool, error) {
	// The used=false guard and the flip happen in one statement; two
	// concurrent presentations of the same code cannot both match.
	res, err := s.db.ExecContext(ctx, `
		update recovery_codes set used=true, used_at=$3
		where user_id=$1 and code_hash=$2 and used=false
	`, userID, codeHash, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PGStore) CountUnusedRecoveryCodes(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from recovery_codes where user_id=$1 and used=false
	`, userID).Scan(&n)
	return n, err
}

// Rate limiter ----------------------------------------------------------

var _ Limiter = (*PGLimiter)(nil)

// PGLimiter implements the fixed-window attempt limiter on PostgreSQL.
// The window roll and the increment are a single conditional upsert, so
// concurrent attempts cannot slip past the cap between a read and a write.
type PGLimiter struct {
	db  *sql.DB
	now func() time.Time
}

func NewPGLimiter(db *sql.DB) *PGLimiter {
	return &PGLimiter{db: db, now: time.Now}
}

func (l *PGLimiter) CheckAndIncrement(ctx context.Context, userID string) (Decision, error) {
	now := l.now().UTC()
	cutoff := now.Add(-RateLimitWindow)

	var (
		attempts    int
		windowStart time.Time
	)
	err := l.db.QueryRowContext(ctx, `
		insert into rate_limit_windows(user_id, window_start, attempts)
		values ($1, $2, 1)
		on conflict (user_id) do update set
			attempts = case when rate_limit_windows.window_start <= $3 then 1
			                else rate_limit_windows.attempts + 1 end,
			window_start = case when rate_limit_windows.window_start <= $3 then $2
			                    else rate_limit_windows.window_start end
		returning attempts, window_start
	`, userID, now, cutoff).Scan(&attempts, &windowStart)
	if err != nil {
		return Decision{}, err
	}

	if attempts > RateLimitMaxAttempts {
		retry := windowStart.Add(RateLimitWindow).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}
	return Decision{Allowed: true}, nil
}

func (l *PGLimiter) Reset(ctx context.Context, userID string) error {
	_, err := l.db.ExecContext(ctx, `delete from rate_limit_windows where user_id=$1`, userID)
	return err
}
