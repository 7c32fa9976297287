package session

import (
	"fmt"
	"time"

	"github.com/go-codegate/internal/domain"
	jwtinfra "github.com/go-codegate/internal/infrastructure/jwt"
)

// Service issues and resolves stateless session tokens. Nothing is persisted,
// so there is no server-side revocation; rotating the signing key ends every session.
type Service interface {
	Issue(u *domain.User) (token string, expiresAt time.Time, err error)
	Resolve(token string) (*domain.Session, error)
	TTL() time.Duration
}

type tokenProvider interface {
	Sign(userID, email string) (string, time.Time, error)
	Verify(token string) (*jwtinfra.Claims, error)
	Expiry() time.Duration
}

type service struct {
	provider tokenProvider
}

func NewService(provider tokenProvider) Service {
	return &service{provider: provider}
}

func (s *service) Issue(u *domain.User) (string, time.Time, error) {
	tok, exp, err := s.provider.Sign(u.UserID, u.Email)
	if err != nil {
		return "", time.Time{}, domain.Infra("issue session", err)
	}
	return tok, exp, nil
}

func (s *service) Resolve(token string) (*domain.Session, error) {
	claims, err := s.provider.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w: %w", domain.ErrUnauthorized, err)
	}
	sess := &domain.Session{UserID: claims.UserID, Email: claims.Email}
	if claims.IssuedAt != nil {
		sess.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	}
	return sess, nil
}

func (s *service) TTL() time.Duration { return s.provider.Expiry() }
