package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-codegate/internal/domain"
)

type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db}
}

// Create inserts u; a concurrent or earlier row with the same email yields ErrConflict.
func (r *UserRepo) Create(ctx context.Context, u *domain.User) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, image, last_sign_in_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (email) DO NOTHING`,
		u.UserID, u.Email, u.Name, u.Image, u.LastSignInAt, u.CreatedAt.UTC(), u.UpdatedAt.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", u.Email, domain.ErrConflict)
	}
	return nil
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	var (
		u          domain.User
		name, img  sql.NullString
		lastSignIn sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, name, image, last_sign_in_at, created_at, updated_at
		 FROM users WHERE email = $1`, email,
	).Scan(&u.UserID, &u.Email, &name, &img, &lastSignIn, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user not found: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if name.Valid {
		u.Name = &name.String
	}
	if img.Valid {
		u.Image = &img.String
	}
	if lastSignIn.Valid {
		t := lastSignIn.Time
		u.LastSignInAt = &t
	}
	return &u, nil
}

func (r *UserRepo) MarkSignedIn(ctx context.Context, email string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET last_sign_in_at = $2, updated_at = $2 WHERE email = $1`, email, at.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user not found: %w", domain.ErrNotFound)
	}
	return nil
}
