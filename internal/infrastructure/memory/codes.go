// Package memory provides single-process backends for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-codegate/internal/domain"
)

// CodeStore keeps verification codes in a map keyed by identifier.
type CodeStore struct {
	mu    sync.Mutex
	codes map[string]domain.VerificationCode
}

func NewCodeStore() *CodeStore {
	return &CodeStore{codes: make(map[string]domain.VerificationCode)}
}

func (s *CodeStore) Replace(_ context.Context, v *domain.VerificationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[v.Identifier] = *v
	return nil
}

// Get returns a copy so callers cannot mutate stored state.
func (s *CodeStore) Get(_ context.Context, identifier string) (*domain.VerificationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.codes[identifier]
	if !ok {
		return nil, fmt.Errorf("verification code not found: %w", domain.ErrNotFound)
	}
	return &v, nil
}

func (s *CodeStore) Consume(_ context.Context, identifier, hashedSecret string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.codes[identifier]
	if !ok || v.HashedSecret != hashedSecret {
		return false, nil
	}
	delete(s.codes, identifier)
	return true, nil
}

func (s *CodeStore) Delete(_ context.Context, identifier, hashedSecret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.codes[identifier]; ok && v.HashedSecret == hashedSecret {
		delete(s.codes, identifier)
	}
	return nil
}

func (s *CodeStore) RecordFailure(_ context.Context, identifier, hashedSecret string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.codes[identifier]
	if !ok || v.HashedSecret != hashedSecret {
		return 0, fmt.Errorf("verification code not found: %w", domain.ErrNotFound)
	}
	v.Attempts++
	s.codes[identifier] = v
	return v.Attempts, nil
}

func (s *CodeStore) Sweep(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, v := range s.codes {
		if v.Expired(now) {
			delete(s.codes, id)
			n++
		}
	}
	return n, nil
}

// Len reports how many codes are stored.
func (s *CodeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.codes)
}
