package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-codegate/internal/domain"
)

type UserStore struct {
	mu    sync.RWMutex
	users map[string]domain.User // email -> user
}

func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]domain.User)}
}

func (s *UserStore) Create(_ context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.Email]; ok {
		return fmt.Errorf("user %s: %w", u.Email, domain.ErrConflict)
	}
	s.users[u.Email] = *u
	return nil
}

func (s *UserStore) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[email]
	if !ok {
		return nil, fmt.Errorf("user not found: %w", domain.ErrNotFound)
	}
	return &u, nil
}

func (s *UserStore) MarkSignedIn(_ context.Context, email string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return fmt.Errorf("user not found: %w", domain.ErrNotFound)
	}
	at = at.UTC()
	u.LastSignInAt = &at
	u.UpdatedAt = at
	s.users[email] = u
	return nil
}
