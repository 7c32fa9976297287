package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-codegate/internal/domain"
)

// CodeRepo keeps at most one row per identifier in verification_codes.
type CodeRepo struct {
	db *sql.DB
}

func NewCodeRepo(db *sql.DB) *CodeRepo {
	return &CodeRepo{db: db}
}

// Replace stores v as the only code for its identifier. identifier is the primary
// key, so the upsert removes any earlier code in the same statement.
func (r *CodeRepo) Replace(ctx context.Context, v *domain.VerificationCode) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO verification_codes (identifier, hashed_secret, expires_at, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (identifier) DO UPDATE SET
		     hashed_secret = EXCLUDED.hashed_secret,
		     expires_at    = EXCLUDED.expires_at,
		     attempts      = EXCLUDED.attempts,
		     created_at    = EXCLUDED.created_at`,
		v.Identifier, v.HashedSecret, v.ExpiresAt, v.Attempts, v.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("replace code: %w", err)
	}
	return nil
}

func (r *CodeRepo) Get(ctx context.Context, identifier string) (*domain.VerificationCode, error) {
	var v domain.VerificationCode
	err := r.db.QueryRowContext(ctx,
		`SELECT identifier, hashed_secret, expires_at, attempts, created_at
		 FROM verification_codes WHERE identifier = $1`, identifier,
	).Scan(&v.Identifier, &v.HashedSecret, &v.ExpiresAt, &v.Attempts, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("verification code not found: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Consume deletes the row only if it still holds hashedSecret.
func (r *CodeRepo) Consume(ctx context.Context, identifier, hashedSecret string) (bool, error) {
	n, err := deleteIfSame(ctx, r.db, identifier, hashedSecret)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *CodeRepo) Delete(ctx context.Context, identifier, hashedSecret string) error {
	_, err := deleteIfSame(ctx, r.db, identifier, hashedSecret)
	return err
}

func (r *CodeRepo) RecordFailure(ctx context.Context, identifier, hashedSecret string) (int, error) {
	var attempts int
	err := r.db.QueryRowContext(ctx,
		`UPDATE verification_codes SET attempts = attempts + 1
		 WHERE identifier = $1 AND hashed_secret = $2
		 RETURNING attempts`, identifier, hashedSecret,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("verification code not found: %w", domain.ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

// Sweep deletes codes that expired before now. Postgres has no native TTL.
func (r *CodeRepo) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM verification_codes WHERE expires_at <= $1`, now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func deleteIfSame(ctx context.Context, q Querier, identifier, hashedSecret string) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM verification_codes WHERE identifier = $1 AND hashed_secret = $2`,
		identifier, hashedSecret)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
