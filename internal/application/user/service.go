package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-codegate/internal/domain"
	"github.com/go-codegate/internal/pkg/id"
)

type Service interface {
	// Resolve returns the user for email, creating it on first sign-in, and
	// records the sign-in time.
	Resolve(ctx context.Context, email string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
}

type userStore interface {
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	Create(ctx context.Context, u *domain.User) error
	MarkSignedIn(ctx context.Context, email string, at time.Time) error
}

type service struct {
	repo userStore
	now  func() time.Time
}

type ServiceDeps struct {
	UserRepo userStore
	Now      func() time.Time
}

func NewService(deps ServiceDeps) Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &service{repo: deps.UserRepo, now: now}
}

func (s *service) Resolve(ctx context.Context, email string) (*domain.User, error) {
	now := s.now().UTC()

	u, err := s.repo.GetByEmail(ctx, email)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		u = &domain.User{
			UserID:    id.At(now),
			Email:     email,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.Create(ctx, u); err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				return nil, domain.Infra("create user", err)
			}
			// Lost a race with a concurrent first sign-in; use the winner's row.
			if u, err = s.repo.GetByEmail(ctx, email); err != nil {
				return nil, domain.Infra("get user", err)
			}
		}
	default:
		return nil, domain.Infra("get user", err)
	}

	if err := s.repo.MarkSignedIn(ctx, email, now); err != nil {
		return nil, domain.Infra("mark signed in", err)
	}
	u.LastSignInAt = &now
	u.UpdatedAt = now
	return u, nil
}

func (s *service) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	u, err := s.repo.GetByEmail(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("user %s: %w", email, domain.ErrNotFound)
	}
	if err != nil {
		return nil, domain.Infra("get user", err)
	}
	return u, nil
}
