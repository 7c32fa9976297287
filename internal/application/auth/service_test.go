package auth

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/go-codegate/internal/application/session"
	"github.com/go-codegate/internal/application/user"
	"github.com/go-codegate/internal/domain"
	jwtinfra "github.com/go-codegate/internal/infrastructure/jwt"
	"github.com/go-codegate/internal/infrastructure/memory"
	"github.com/go-codegate/internal/pkg/hasher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// outbox records every message instead of sending it.
type outbox struct {
	mu   sync.Mutex
	sent []domain.Email
	err  error
}

func (o *outbox) Send(_ context.Context, msg domain.Email) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, msg)
	return nil
}

var codePattern = regexp.MustCompile(`Your login code is: (\S+)`)

func (o *outbox) lastCode(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.sent, "no email sent")
	m := codePattern.FindStringSubmatch(o.sent[len(o.sent)-1].Text)
	require.Len(t, m, 2)
	return m[1]
}

type recordingObserver struct {
	mu       sync.Mutex
	issued   int
	limited  int
	failed   int
	verified map[string]int
}

func (r *recordingObserver) CodeIssued()     { r.mu.Lock(); r.issued++; r.mu.Unlock() }
func (r *recordingObserver) RateLimited()    { r.mu.Lock(); r.limited++; r.mu.Unlock() }
func (r *recordingObserver) DeliveryFailed() { r.mu.Lock(); r.failed++; r.mu.Unlock() }
func (r *recordingObserver) CodeVerification(res string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.verified == nil {
		r.verified = map[string]int{}
	}
	r.verified[res]++
}

type env struct {
	svc      Service
	codes    *memory.CodeStore
	users    *memory.UserStore
	mail     *outbox
	clock    *clock
	observer *recordingObserver
	provider *jwtinfra.Provider
	hasher   hasher.Hasher
}

func testOptions() Options {
	return Options{
		AllowedDomains:  []string{"driek.dev"},
		CodeLength:      6,
		CodeAlphabet:    "0123456789",
		CodeTTL:         30 * time.Minute,
		MaxAttempts:     5,
		UpstreamTimeout: time.Second,
		BaseURL:         "http://localhost:3000",
	}
}

func newEnv(t *testing.T, opts ...func(*Options)) *env {
	t.Helper()
	o := testOptions()
	for _, fn := range opts {
		fn(&o)
	}
	c := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	h, err := hasher.New(hasher.Options{Algorithm: hasher.AlgorithmBcrypt, BcryptCost: 4})
	require.NoError(t, err)
	p, err := jwtinfra.NewHMACProvider([]byte("0123456789abcdef0123456789abcdef"), 30*24*time.Hour)
	require.NoError(t, err)

	e := &env{
		codes:    memory.NewCodeStore(),
		users:    memory.NewUserStore(),
		mail:     &outbox{},
		clock:    c,
		observer: &recordingObserver{},
		provider: p,
		hasher:   h,
	}
	e.svc, err = NewService(ServiceDeps{
		Codes:    e.codes,
		Limiter:  memory.NewLimiterWithClock(20, 24*time.Hour, c.Now),
		Mailer:   e.mail,
		Hasher:   h,
		Users:    user.NewService(user.ServiceDeps{UserRepo: e.users, Now: c.Now}),
		Sessions: session.NewService(p),
		Observer: e.observer,
		Options:  o,
		Now:      c.Now,
	})
	require.NoError(t, err)
	return e
}

// --- sign-in properties ---

func TestRequestCode_RepeatedIssuanceKeepsOneCode(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.RequestCode(ctx, "user@driek.dev")
	require.NoError(t, err)
	first := e.mail.lastCode(t)
	_, err = e.svc.RequestCode(ctx, "user@driek.dev")
	require.NoError(t, err)
	second := e.mail.lastCode(t)

	assert.Equal(t, 1, e.codes.Len())
	if first != second {
		_, err = e.svc.VerifyCode(ctx, "user@driek.dev", first)
		assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredCode, "superseded code must not verify")
	}
	res, err := e.svc.VerifyCode(ctx, "user@driek.dev", second)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
}

func TestIssue_ConcurrentKeepsOneCode(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := e.svc.Issue(ctx, "user@driek.dev")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, e.codes.Len())
}

func TestVerifyCode_SingleUse(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	code, _, err := e.svc.Issue(ctx, "user@driek.dev")
	require.NoError(t, err)

	res, err := e.svc.VerifyCode(ctx, "user@driek.dev", code)
	require.NoError(t, err)
	assert.Equal(t, "user@driek.dev", res.User.Email)

	_, err = e.svc.VerifyCode(ctx, "user@driek.dev", code)
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredCode)
	assert.Equal(t, 0, e.codes.Len())
}

func TestVerifyCode_ExpiresAfterTTL(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	code, expiresAt, err := e.svc.Issue(ctx, "late@driek.dev")
	require.NoError(t, err)
	assert.Equal(t, e.clock.Now().Add(30*time.Minute), expiresAt)

	e.clock.Advance(30*time.Minute + time.Second)
	_, err = e.svc.VerifyCode(ctx, "late@driek.dev", code)
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredCode)
	assert.Equal(t, 0, e.codes.Len(), "expired code is removed on read")
	assert.Equal(t, 1, e.observer.verified[resultExpired])
}

func TestVerifyCode_JustBeforeTTL(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	code, _, err := e.svc.Issue(ctx, "ontime@driek.dev")
	require.NoError(t, err)

	e.clock.Advance(29*time.Minute + 59*time.Second)
	_, err = e.svc.VerifyCode(ctx, "ontime@driek.dev", code)
	assert.NoError(t, err)
}

func TestRequestCode_RateLimitedOn21st(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for i := range 20 {
		res, err := e.svc.RequestCode(ctx, "busy@driek.dev")
		require.NoError(t, err, "request %d", i+1)
		assert.Equal(t, 19-i, res.Remaining)
	}
	_, err := e.svc.RequestCode(ctx, "busy@driek.dev")
	require.ErrorIs(t, err, domain.ErrRateLimited)

	var rle *domain.RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, 20, rle.Limit)
	assert.True(t, rle.ResetAt.After(e.clock.Now()))
	assert.Positive(t, rle.RetryAfter(e.clock.Now()))

	assert.Len(t, e.mail.sent, 20, "rejected request sends no email")
	assert.Equal(t, 1, e.observer.limited)
}

func TestVerifyCode_DisallowedDomainRejectedWithCorrectCode(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	hash, err := e.hasher.Hash("123456")
	require.NoError(t, err)
	require.NoError(t, e.codes.Replace(ctx, &domain.VerificationCode{
		Identifier:   "intruder@evil.test",
		HashedSecret: hash,
		ExpiresAt:    e.clock.Now().Add(time.Hour).Unix(),
		CreatedAt:    e.clock.Now(),
	}))

	res, err := e.svc.VerifyCode(ctx, "intruder@evil.test", "123456")
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredCode)
	assert.Nil(t, res)

	_, err = e.users.GetByEmail(ctx, "intruder@evil.test")
	assert.ErrorIs(t, err, domain.ErrNotFound, "no user is created")
}

// --- other behaviour ---

func TestRequestCode_DisallowedDomainIsValidation(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.RequestCode(context.Background(), "someone@gmail.com")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, e.mail.sent)

	// Indistinguishable from a malformed address unless domains are revealed.
	_, malformed := e.svc.RequestCode(context.Background(), "not-an-email")
	assert.Equal(t, malformed.Error(), err.Error())
	assert.NotContains(t, err.Error(), "domain")
}

func TestRequestCode_DisallowedDomainRevealed(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.RevealDomains = true })

	_, err := e.svc.RequestCode(context.Background(), "someone@gmail.com")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "email domain is not allowed")
	assert.Empty(t, e.mail.sent)
}

func TestRequestCode_MalformedEmail(t *testing.T) {
	e := newEnv(t)

	for _, in := range []string{"", "not-an-email", "@driek.dev"} {
		_, err := e.svc.RequestCode(context.Background(), in)
		assert.ErrorIs(t, err, domain.ErrValidation, in)
	}
}

func TestRequestCode_NormalizesIdentifier(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.RequestCode(ctx, "  User@Driek.DEV ")
	require.NoError(t, err)
	assert.Equal(t, "user@driek.dev", e.mail.sent[0].To)

	_, err = e.svc.VerifyCode(ctx, "USER@driek.dev", e.mail.lastCode(t))
	assert.NoError(t, err)
}

func TestRequestCode_EmailHasTextAndHTML(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.RequestCode(context.Background(), "user@driek.dev")
	require.NoError(t, err)
	msg := e.mail.sent[0]
	assert.Equal(t, "Your login code", msg.Subject)
	assert.Contains(t, msg.HTML, e.mail.lastCode(t))
	assert.Contains(t, msg.Text, "30 minutes")
}

func TestVerifyCode_MalformedCodeIsValidation(t *testing.T) {
	e := newEnv(t)

	for _, code := range []string{"", "12345", "1234567", "12345a"} {
		_, err := e.svc.VerifyCode(context.Background(), "user@driek.dev", code)
		assert.ErrorIs(t, err, domain.ErrValidation, code)
	}
}

func TestVerifyCode_NoOutstandingCode(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.VerifyCode(context.Background(), "nobody@driek.dev", "123456")
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredCode)
}

func TestVerifyCode_AttemptCapRetiresCode(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	code, _, err := e.svc.Issue(ctx, "user@driek.dev")
	require.NoError(t, err)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for range 5 {
		_, err := e.svc.VerifyCode(ctx, "user@driek.dev", wrong)
		require.ErrorIs(t, err, domain.ErrInvalidOrExpiredCode)
	}
	assert.Equal(t, 0, e.codes.Len())
	assert.Equal(t, 1, e.observer.verified[resultExhausted])

	_, err = e.svc.VerifyCode(ctx, "user@driek.dev", code)
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredCode, "correct code no longer works once exhausted")
}

func TestVerifyCode_IssuesVerifiableSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	code, _, err := e.svc.Issue(ctx, "user@driek.dev")
	require.NoError(t, err)
	res, err := e.svc.VerifyCode(ctx, "user@driek.dev", code)
	require.NoError(t, err)

	claims, err := e.provider.Verify(res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.User.UserID, claims.UserID)

	// A second sign-in reuses the same user.
	code, _, err = e.svc.Issue(ctx, "user@driek.dev")
	require.NoError(t, err)
	again, err := e.svc.VerifyCode(ctx, "user@driek.dev", code)
	require.NoError(t, err)
	assert.Equal(t, res.User.UserID, again.User.UserID)
}

// --- infrastructure failures (mocks) ---

type mockCodeStore struct{ mock.Mock }

func (m *mockCodeStore) Replace(ctx context.Context, v *domain.VerificationCode) error {
	return m.Called(ctx, v).Error(0)
}
func (m *mockCodeStore) Get(ctx context.Context, identifier string) (*domain.VerificationCode, error) {
	args := m.Called(ctx, identifier)
	if v, _ := args.Get(0).(*domain.VerificationCode); v != nil {
		return v, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockCodeStore) Consume(ctx context.Context, identifier, hashedSecret string) (bool, error) {
	args := m.Called(ctx, identifier, hashedSecret)
	return args.Bool(0), args.Error(1)
}
func (m *mockCodeStore) RecordFailure(ctx context.Context, identifier, hashedSecret string) (int, error) {
	args := m.Called(ctx, identifier, hashedSecret)
	return args.Int(0), args.Error(1)
}
func (m *mockCodeStore) Delete(ctx context.Context, identifier, hashedSecret string) error {
	return m.Called(ctx, identifier, hashedSecret).Error(0)
}

type mockLimiter struct{ mock.Mock }

func (m *mockLimiter) Limit(ctx context.Context, key string) (domain.RateLimitResult, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(domain.RateLimitResult), args.Error(1)
}

func newMockedSvc(t *testing.T, codes CodeStore, limiter Limiter, mailer Mailer) Service {
	t.Helper()
	h, err := hasher.New(hasher.Options{Algorithm: hasher.AlgorithmBcrypt, BcryptCost: 4})
	require.NoError(t, err)
	svc, err := NewService(ServiceDeps{
		Codes:   codes,
		Limiter: limiter,
		Mailer:  mailer,
		Hasher:  h,
		Options: testOptions(),
	})
	require.NoError(t, err)
	return svc
}

func TestRequestCode_LimiterDownIsInfrastructure(t *testing.T) {
	lim := &mockLimiter{}
	lim.On("Limit", mock.Anything, "user@driek.dev").Return(domain.RateLimitResult{}, errors.New("dial tcp: refused"))

	_, err := newMockedSvc(t, &mockCodeStore{}, lim, &outbox{}).RequestCode(context.Background(), "user@driek.dev")
	assert.ErrorIs(t, err, domain.ErrInfrastructure)
	assert.NotErrorIs(t, err, domain.ErrRateLimited)
}

func TestRequestCode_DeliveryFailureDeletesCode(t *testing.T) {
	codes := &mockCodeStore{}
	var stored *domain.VerificationCode
	codes.On("Replace", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		stored = args.Get(1).(*domain.VerificationCode)
	}).Return(nil)
	codes.On("Delete", mock.Anything, "user@driek.dev", mock.Anything).Return(nil)
	lim := &mockLimiter{}
	lim.On("Limit", mock.Anything, "user@driek.dev").Return(domain.RateLimitResult{Allowed: true, Limit: 20, Remaining: 19}, nil)

	_, err := newMockedSvc(t, codes, lim, &outbox{err: errors.New("smtp: 554")}).RequestCode(context.Background(), "user@driek.dev")
	assert.ErrorIs(t, err, domain.ErrInfrastructure)
	require.NotNil(t, stored)
	codes.AssertCalled(t, "Delete", mock.Anything, "user@driek.dev", stored.HashedSecret)
}

func TestRequestCode_StoreFailureIsInfrastructure(t *testing.T) {
	codes := &mockCodeStore{}
	codes.On("Replace", mock.Anything, mock.Anything).Return(errors.New("throughput exceeded"))
	lim := &mockLimiter{}
	lim.On("Limit", mock.Anything, mock.Anything).Return(domain.RateLimitResult{Allowed: true, Limit: 20}, nil)
	mail := &outbox{}

	_, err := newMockedSvc(t, codes, lim, mail).RequestCode(context.Background(), "user@driek.dev")
	assert.ErrorIs(t, err, domain.ErrInfrastructure)
	assert.Empty(t, mail.sent)
}

func TestVerifyCode_StoreFailureIsNotInvalidCode(t *testing.T) {
	codes := &mockCodeStore{}
	codes.On("Get", mock.Anything, "user@driek.dev").Return(nil, errors.New("timeout"))

	_, err := newMockedSvc(t, codes, &mockLimiter{}, &outbox{}).VerifyCode(context.Background(), "user@driek.dev", "123456")
	assert.ErrorIs(t, err, domain.ErrInfrastructure)
	assert.NotErrorIs(t, err, domain.ErrInvalidOrExpiredCode)
}

func TestVerifyCode_LostConsumeRace(t *testing.T) {
	h, err := hasher.New(hasher.Options{Algorithm: hasher.AlgorithmBcrypt, BcryptCost: 4})
	require.NoError(t, err)
	hash, err := h.Hash("123456")
	require.NoError(t, err)

	codes := &mockCodeStore{}
	codes.On("Get", mock.Anything, "user@driek.dev").Return(&domain.VerificationCode{
		Identifier:   "user@driek.dev",
		HashedSecret: hash,
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	}, nil)
	codes.On("Consume", mock.Anything, "user@driek.dev", hash).Return(false, nil)

	_, err = newMockedSvc(t, codes, &mockLimiter{}, &outbox{}).VerifyCode(context.Background(), "user@driek.dev", "123456")
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredCode)
}

func TestVerifyCode_UpstreamCallsHaveDeadline(t *testing.T) {
	codes := &mockCodeStore{}
	codes.On("Get", mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	}), "user@driek.dev").Return(nil, domain.ErrNotFound)

	_, err := newMockedSvc(t, codes, &mockLimiter{}, &outbox{}).VerifyCode(context.Background(), "user@driek.dev", "123456")
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredCode)
	codes.AssertExpectations(t)
}
