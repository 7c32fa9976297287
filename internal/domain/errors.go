package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Sentinel errors for domain-level error discrimination.
// Services wrap these so handlers can map to HTTP status codes without leaking infrastructure details.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation marks user-correctable input problems.
	ErrValidation = errors.New("validation failed")
	// ErrRateLimited is wrapped by *RateLimitError.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidOrExpiredCode covers a wrong code, an expired code and a missing code alike.
	ErrInvalidOrExpiredCode = errors.New("invalid or expired code")
	// ErrInfrastructure marks store, mail or counter failures. Never user-correctable.
	ErrInfrastructure = errors.New("infrastructure failure")
)

// Validation returns an ErrValidation carrying a user-facing message.
func Validation(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrValidation)
}

// Infra wraps a backend failure so errors.Is(err, ErrInfrastructure) holds
// while the cause stays available to logs and errors.As.
func Infra(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInfrastructure) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrInfrastructure, err)
}

// RateLimitError is returned when a code request exceeds the per-identifier budget.
type RateLimitError struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, resets at %s", e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfter is the wait, rounded up to whole seconds, before a new attempt can succeed.
func (e *RateLimitError) RetryAfter(now time.Time) time.Duration {
	d := e.ResetAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}
