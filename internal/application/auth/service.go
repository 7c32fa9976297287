package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-codegate/internal/domain"
	"github.com/go-codegate/internal/pkg/hasher"
	pkgtoken "github.com/go-codegate/internal/pkg/token"
	"github.com/go-codegate/internal/pkg/validate"
)

// CodeStore holds at most one outstanding code per identifier.
type CodeStore interface {
	Replace(ctx context.Context, v *domain.VerificationCode) error
	Get(ctx context.Context, identifier string) (*domain.VerificationCode, error)
	Consume(ctx context.Context, identifier, hashedSecret string) (bool, error)
	RecordFailure(ctx context.Context, identifier, hashedSecret string) (int, error)
	Delete(ctx context.Context, identifier, hashedSecret string) error
}

// Limiter is the per-identifier budget for code requests, shared by all instances.
type Limiter interface {
	Limit(ctx context.Context, key string) (domain.RateLimitResult, error)
}

type Mailer interface {
	Send(ctx context.Context, msg domain.Email) error
}

type userResolver interface {
	Resolve(ctx context.Context, email string) (*domain.User, error)
}

type sessionIssuer interface {
	Issue(u *domain.User) (string, time.Time, error)
}

// Observer receives sign-in events. *metrics.Metrics implements it.
type Observer interface {
	CodeIssued()
	CodeVerification(result string)
	RateLimited()
	DeliveryFailed()
}

// Verification results passed to Observer.CodeVerification.
const (
	resultVerified  = "verified"
	resultInvalid   = "invalid"
	resultExpired   = "expired"
	resultExhausted = "exhausted"
	resultError     = "error"
)

type RequestResult struct {
	ExpiresAt time.Time
	Remaining int
}

type SignInResult struct {
	User      *domain.User
	Token     string
	ExpiresAt time.Time
}

type Service interface {
	// RequestCode rate-limits, issues and emails a fresh code for email.
	RequestCode(ctx context.Context, email string) (*RequestResult, error)
	// VerifyCode exchanges a code for a session token.
	VerifyCode(ctx context.Context, email, code string) (*SignInResult, error)
	// Issue stores a new code for identifier, replacing any earlier one, and returns the plaintext.
	Issue(ctx context.Context, identifier string) (string, time.Time, error)
}

type Options struct {
	AllowedDomains  []string
	CodeLength      int
	CodeAlphabet    string
	CodeTTL         time.Duration
	MaxAttempts     int // 0 disables the per-code cap
	UpstreamTimeout time.Duration
	BaseURL         string

	// RevealDomains makes a disallowed domain its own validation message.
	RevealDomains bool
}

type ServiceDeps struct {
	Codes    CodeStore
	Limiter  Limiter
	Mailer   Mailer
	Hasher   hasher.Hasher
	Users    userResolver
	Sessions sessionIssuer
	Observer Observer
	Options  Options
	Now      func() time.Time
}

type service struct {
	codes     CodeStore
	limiter   Limiter
	mailer    Mailer
	hasher    hasher.Hasher
	users     userResolver
	sessions  sessionIssuer
	observer  Observer
	opts      Options
	now       func() time.Time
	dummyHash string
}

func NewService(deps ServiceDeps) (Service, error) {
	s := &service{
		codes:    deps.Codes,
		limiter:  deps.Limiter,
		mailer:   deps.Mailer,
		hasher:   deps.Hasher,
		users:    deps.Users,
		sessions: deps.Sessions,
		observer: deps.Observer,
		opts:     deps.Options,
		now:      deps.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.opts.UpstreamTimeout <= 0 {
		s.opts.UpstreamTimeout = 5 * time.Second
	}
	// Compared against when no code exists so a miss costs as much as a wrong guess.
	var err error
	if s.dummyHash, err = s.hasher.Hash(strings.Repeat("0", max(s.opts.CodeLength, 1))); err != nil {
		return nil, fmt.Errorf("init auth service: %w", err)
	}
	return s, nil
}

func (s *service) RequestCode(ctx context.Context, email string) (*RequestResult, error) {
	identifier := normalize(email)
	if !validate.Email(identifier) {
		return nil, domain.Validation("a valid email address is required")
	}
	if !s.allowed(identifier) {
		slog.Info("code requested for disallowed domain", "identifier", identifier)
		if s.opts.RevealDomains {
			return nil, domain.Validation("email domain is not allowed")
		}
		return nil, domain.Validation("a valid email address is required")
	}

	uctx, cancel := s.upstream(ctx)
	res, err := s.limiter.Limit(uctx, identifier)
	cancel()
	if err != nil {
		return nil, domain.Infra("rate limit", err)
	}
	if !res.Allowed {
		s.observer.RateLimited()
		return nil, &domain.RateLimitError{Limit: res.Limit, Remaining: res.Remaining, ResetAt: res.ResetAt}
	}

	code, hash, expiresAt, err := s.issue(ctx, identifier)
	if err != nil {
		return nil, err
	}

	msg, err := codeEmail(identifier, code, s.opts.CodeTTL, s.opts.BaseURL)
	if err != nil {
		return nil, domain.Infra("render email", err)
	}
	uctx, cancel = s.upstream(ctx)
	err = s.mailer.Send(uctx, msg)
	cancel()
	if err != nil {
		s.observer.DeliveryFailed()
		// The code never reached the user; an earlier one was already replaced.
		s.deleteCode(ctx, identifier, hash)
		return nil, domain.Infra("deliver code", err)
	}

	s.observer.CodeIssued()
	slog.Info("verification code sent", "identifier", identifier, "expires_at", expiresAt)
	return &RequestResult{ExpiresAt: expiresAt, Remaining: res.Remaining}, nil
}

func (s *service) Issue(ctx context.Context, identifier string) (string, time.Time, error) {
	code, _, expiresAt, err := s.issue(ctx, identifier)
	return code, expiresAt, err
}

func (s *service) issue(ctx context.Context, identifier string) (code, hash string, expiresAt time.Time, err error) {
	code, err = pkgtoken.Generate(s.opts.CodeAlphabet, s.opts.CodeLength)
	if err != nil {
		return "", "", time.Time{}, domain.Infra("generate code", err)
	}
	hash, err = s.hasher.Hash(code)
	if err != nil {
		return "", "", time.Time{}, domain.Infra("hash code", err)
	}

	now := s.now().UTC()
	expiresAt = now.Add(s.opts.CodeTTL)
	uctx, cancel := s.upstream(ctx)
	defer cancel()
	err = s.codes.Replace(uctx, &domain.VerificationCode{
		Identifier:   identifier,
		HashedSecret: hash,
		ExpiresAt:    expiresAt.Unix(),
		CreatedAt:    now,
	})
	if err != nil {
		return "", "", time.Time{}, domain.Infra("store code", err)
	}
	return code, hash, expiresAt, nil
}

func (s *service) VerifyCode(ctx context.Context, email, code string) (*SignInResult, error) {
	identifier := normalize(email)
	code = strings.TrimSpace(code)
	if !validate.Email(identifier) {
		return nil, domain.Validation("a valid email address is required")
	}
	if !pkgtoken.Matches(code, s.opts.CodeAlphabet, s.opts.CodeLength) {
		return nil, domain.Validation(fmt.Sprintf("code must be %d characters", s.opts.CodeLength))
	}
	if !s.allowed(identifier) {
		s.observer.CodeVerification(resultInvalid)
		return nil, domain.ErrInvalidOrExpiredCode
	}

	uctx, cancel := s.upstream(ctx)
	v, err := s.codes.Get(uctx, identifier)
	cancel()
	if errors.Is(err, domain.ErrNotFound) {
		_, _ = s.hasher.Compare(s.dummyHash, code)
		s.observer.CodeVerification(resultInvalid)
		return nil, domain.ErrInvalidOrExpiredCode
	}
	if err != nil {
		return nil, s.verifyFailed(domain.Infra("get code", err))
	}

	if v.Expired(s.now()) {
		s.deleteCode(ctx, identifier, v.HashedSecret)
		s.observer.CodeVerification(resultExpired)
		return nil, domain.ErrInvalidOrExpiredCode
	}

	ok, err := s.hasher.Compare(v.HashedSecret, code)
	if err != nil {
		return nil, s.verifyFailed(domain.Infra("compare code", err))
	}
	if !ok {
		return nil, s.wrongGuess(ctx, identifier, v.HashedSecret)
	}

	uctx, cancel = s.upstream(ctx)
	consumed, err := s.codes.Consume(uctx, identifier, v.HashedSecret)
	cancel()
	if err != nil {
		return nil, s.verifyFailed(domain.Infra("consume code", err))
	}
	if !consumed {
		// A concurrent verify or a new request got there first.
		s.observer.CodeVerification(resultInvalid)
		return nil, domain.ErrInvalidOrExpiredCode
	}

	uctx, cancel = s.upstream(ctx)
	u, err := s.users.Resolve(uctx, identifier)
	cancel()
	if err != nil {
		return nil, s.verifyFailed(domain.Infra("resolve user", err))
	}
	token, expiresAt, err := s.sessions.Issue(u)
	if err != nil {
		return nil, s.verifyFailed(domain.Infra("issue session", err))
	}

	s.observer.CodeVerification(resultVerified)
	slog.Info("signed in", "user_id", u.UserID)
	return &SignInResult{User: u, Token: token, ExpiresAt: expiresAt}, nil
}

// wrongGuess counts a failed attempt and retires the code once the cap is reached.
func (s *service) wrongGuess(ctx context.Context, identifier, hashedSecret string) error {
	uctx, cancel := s.upstream(ctx)
	attempts, err := s.codes.RecordFailure(uctx, identifier, hashedSecret)
	cancel()
	if errors.Is(err, domain.ErrNotFound) {
		s.observer.CodeVerification(resultInvalid)
		return domain.ErrInvalidOrExpiredCode
	}
	if err != nil {
		return s.verifyFailed(domain.Infra("record failure", err))
	}
	if s.opts.MaxAttempts > 0 && attempts >= s.opts.MaxAttempts {
		s.deleteCode(ctx, identifier, hashedSecret)
		slog.Warn("verification code exhausted", "identifier", identifier, "attempts", attempts)
		s.observer.CodeVerification(resultExhausted)
		return domain.ErrInvalidOrExpiredCode
	}
	s.observer.CodeVerification(resultInvalid)
	return domain.ErrInvalidOrExpiredCode
}

func (s *service) verifyFailed(err error) error {
	s.observer.CodeVerification(resultError)
	return err
}

func (s *service) deleteCode(ctx context.Context, identifier, hashedSecret string) {
	uctx, cancel := s.upstream(ctx)
	defer cancel()
	if err := s.codes.Delete(uctx, identifier, hashedSecret); err != nil {
		slog.Warn("failed to delete verification code", "identifier", identifier, "err", err)
	}
}

func (s *service) upstream(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.UpstreamTimeout)
}

func (s *service) allowed(identifier string) bool {
	at := strings.LastIndexByte(identifier, '@')
	if at < 0 {
		return false
	}
	d := identifier[at+1:]
	for _, allowed := range s.opts.AllowedDomains {
		if d == allowed {
			return true
		}
	}
	return false
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type nopObserver struct{}

func (nopObserver) CodeIssued()             {}
func (nopObserver) CodeVerification(string) {}
func (nopObserver) RateLimited()            {}
func (nopObserver) DeliveryFailed()         {}
