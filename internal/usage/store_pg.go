package usage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type pgStore struct {
	DB *sql.DB
}

// NewPGStore constructs a Postgres-backed ledger store.
func NewPGStore(db *sql.DB) *pgStore {
	return &pgStore{DB: db}
}

func (s *pgStore) Get(ctx context.Context, userID string) (Usage, error) {
	return s.ensure(ctx, userID)
}

func (s *pgStore) EnsurePeriod(ctx context.Context, userID string) (Usage, error) {
	return s.ensure(ctx, userID)
}

func (s *pgStore) Consume(ctx context.Context, userID string, key LedgerKey, n int) (Usage, bool, error) {
	if n <= 0 {
		u, err := s.ensure(ctx, userID)
		return u, false, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Usage{}, false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	u, err := s.lockAndEnsure(ctx, tx, userID)
	if err != nil {
		return Usage{}, false, err
	}

	var consumedAt time.Time
	row := tx.QueryRowContext(ctx, `
SELECT consumed_at FROM credit_ledger
WHERE user_id = $1 AND operation = $2 AND idempotency_key = $3 FOR UPDATE`,
		userID, key.Operation, key.IdempotencyKey)
	err = row.Scan(&consumedAt)
	if err == nil {
		// Key already charged; retries ride the first charge.
		if err = tx.Commit(); err != nil {
			return Usage{}, false, err
		}
		return u, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Usage{}, false, err
	}
	err = nil

	if u.Used+n > u.Limit {
		err = ErrLimitReached
		return Usage{}, false, err
	}
	u.Used += n
	if _, err = tx.ExecContext(ctx, `
UPDATE usage SET used = $1 WHERE user_id = $2`, u.Used, userID); err != nil {
		return Usage{}, false, err
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO credit_ledger (user_id, operation, idempotency_key, units, consumed_at)
VALUES ($1, $2, $3, $4, $5)`,
		userID, key.Operation, key.IdempotencyKey, n, time.Now().UTC()); err != nil {
		return Usage{}, false, err
	}
	if err = tx.Commit(); err != nil {
		return Usage{}, false, err
	}
	return u, true, nil
}

func (s *pgStore) Refund(ctx context.Context, userID string, key LedgerKey) (Usage, bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Usage{}, false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	u, err := s.lockAndEnsure(ctx, tx, userID)
	if err != nil {
		return Usage{}, false, err
	}

	var units int
	var refundedAt sql.NullTime
	row := tx.QueryRowContext(ctx, `
SELECT units, refunded_at FROM credit_ledger
WHERE user_id = $1 AND operation = $2 AND idempotency_key = $3 FOR UPDATE`,
		userID, key.Operation, key.IdempotencyKey)
	err = row.Scan(&units, &refundedAt)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && refundedAt.Valid) {
		err = nil
		if err = tx.Commit(); err != nil {
			return Usage{}, false, err
		}
		return u, false, nil
	}
	if err != nil {
		return Usage{}, false, err
	}

	if _, err = tx.ExecContext(ctx, `
UPDATE credit_ledger SET refunded_at = $1
WHERE user_id = $2 AND operation = $3 AND idempotency_key = $4`,
		time.Now().UTC(), userID, key.Operation, key.IdempotencyKey); err != nil {
		return Usage{}, false, err
	}
	u.Used -= units
	if u.Used < 0 {
		u.Used = 0
	}
	if _, err = tx.ExecContext(ctx, `
UPDATE usage SET used = $1 WHERE user_id = $2`, u.Used, userID); err != nil {
		return Usage{}, false, err
	}
	if err = tx.Commit(); err != nil {
		return Usage{}, false, err
	}
	return u, true, nil
}

func (s *pgStore) Reset(ctx context.Context, userID string) (Usage, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Usage{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	now := time.Now().UTC()
	resetsAt := now.Add(periodLength)
	if _, err = tx.ExecContext(ctx, `
INSERT INTO usage (user_id, plan, limit_amount, used, resets_at)
VALUES ($1, 'Starter', 20, 0, $2)
ON CONFLICT (user_id) DO UPDATE SET used = 0, resets_at = EXCLUDED.resets_at`, userID, resetsAt); err != nil {
		return Usage{}, err
	}
	if err = tx.Commit(); err != nil {
		return Usage{}, err
	}
	return Usage{Plan: "Starter", Limit: 20, Used: 0, ResetsAt: resetsAt}, nil
}

func (s *pgStore) ensure(ctx context.Context, userID string) (Usage, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Usage{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	u, err := s.lockAndEnsure(ctx, tx, userID)
	if err != nil {
		return Usage{}, err
	}
	if err = tx.Commit(); err != nil {
		return Usage{}, err
	}
	return u, nil
}

func (s *pgStore) lockAndEnsure(ctx context.Context, tx *sql.Tx, userID string) (Usage, error) {
	var u Usage
	row := tx.QueryRowContext(ctx, `
SELECT plan, limit_amount, used, resets_at FROM usage WHERE user_id = $1 FOR UPDATE`, userID)
	err := row.Scan(&u.Plan, &u.Limit, &u.Used, &u.ResetsAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			u = defaultUsage()
			if _, err = tx.ExecContext(ctx, `
INSERT INTO usage (user_id, plan, limit_amount, used, resets_at) VALUES ($1, $2, $3, $4, $5)`,
				userID, u.Plan, u.Limit, u.Used, u.ResetsAt); err != nil {
				return Usage{}, err
			}
			return u, nil
		}
		return Usage{}, err
	}

	now := time.Now().UTC()
	if !now.Before(u.ResetsAt) {
		u.Used = 0
		u.ResetsAt = now.Add(periodLength)
		if _, err = tx.ExecContext(ctx, `UPDATE usage SET used = $1, resets_at = $2 WHERE user_id = $3`, u.Used, u.ResetsAt, userID); err != nil {
			return Usage{}, err
		}
	}
	return u, nil
}
