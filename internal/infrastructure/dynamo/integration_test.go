//go:build integration

package dynamo

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/go-codegate/internal/config"
	"github.com/go-codegate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testClient *dynamodb.Client
	testTables = config.DynamoTables{
		Users:             "it_users",
		VerificationCodes: "it_verification_codes",
		RateLimits:        "it_rate_limits",
	}
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "amazon/dynamodb-local:2.5.2",
			Cmd:          []string{"-jar", "DynamoDBLocal.jar", "-inMemory", "-sharedDb"},
			ExposedPorts: []string{"8000/tcp"},
			WaitingFor:   wait.ForListeningPort("8000/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("failed to start container: %s", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("failed to obtain host: %s", err)
	}
	port, err := container.MappedPort(ctx, "8000/tcp")
	if err != nil {
		log.Fatalf("failed to obtain port: %s", err)
	}

	cfg := &config.Config{
		AWSRegion:      "us-east-1",
		AWSEndpointURL: fmt.Sprintf("http://%s:%s", host, port.Port()),
		AWSAccessKeyID: "local",
		AWSSecretKey:   "local",
		AWSMaxAttempts: 3,
		DynamoTables:   testTables,
	}
	testClient, err = NewClient(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to build client: %s", err)
	}
	if err := Bootstrap(ctx, testClient, testTables); err != nil {
		log.Fatalf("failed to bootstrap: %s", err)
	}

	code := m.Run()

	if err := container.Terminate(ctx); err != nil {
		log.Printf("failed to terminate container: %s", err)
	}
	os.Exit(code)
}

func newCode(identifier, hash string, expires time.Time) *domain.VerificationCode {
	return &domain.VerificationCode{
		Identifier:   identifier,
		HashedSecret: hash,
		ExpiresAt:    expires.Unix(),
		CreatedAt:    time.Now().UTC(),
	}
}

func countCodes(t *testing.T, identifier string) int {
	t.Helper()
	out, err := testClient.Scan(context.Background(), &dynamodb.ScanInput{
		TableName:                 aws.String(testTables.VerificationCodes),
		FilterExpression:          aws.String("#i = :i"),
		ExpressionAttributeNames:  map[string]string{"#i": fieldIdentifier},
		ExpressionAttributeValues: strKey(":i", identifier),
		ConsistentRead:            aws.Bool(true),
	})
	require.NoError(t, err)
	return int(out.Count)
}

func TestBootstrap_Idempotent(t *testing.T) {
	require.NoError(t, Bootstrap(context.Background(), testClient, testTables))
}

func TestCodeRepo_ReplaceKeepsSingleItem(t *testing.T) {
	ctx := context.Background()
	repo := NewCodeRepo(testClient, testTables.VerificationCodes)
	exp := time.Now().Add(30 * time.Minute)

	require.NoError(t, repo.Replace(ctx, newCode("replace@driek.dev", "h1", exp)))
	require.NoError(t, repo.Replace(ctx, newCode("replace@driek.dev", "h2", exp)))

	assert.Equal(t, 1, countCodes(t, "replace@driek.dev"))
	got, err := repo.Get(ctx, "replace@driek.dev")
	require.NoError(t, err)
	assert.Equal(t, "h2", got.HashedSecret)
	assert.Equal(t, 0, got.Attempts)
}

func TestCodeRepo_ConsumeOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewCodeRepo(testClient, testTables.VerificationCodes)
	require.NoError(t, repo.Replace(ctx, newCode("once@driek.dev", "h", time.Now().Add(time.Hour))))

	ok, err := repo.Consume(ctx, "once@driek.dev", "h")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Consume(ctx, "once@driek.dev", "h")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.Get(ctx, "once@driek.dev")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCodeRepo_ConcurrentConsume_SingleWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewCodeRepo(testClient, testTables.VerificationCodes)
	require.NoError(t, repo.Replace(ctx, newCode("race@driek.dev", "h", time.Now().Add(time.Hour))))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Consume(ctx, "race@driek.dev", "h")
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestCodeRepo_DeleteStaleHashKeepsNewerCode(t *testing.T) {
	ctx := context.Background()
	repo := NewCodeRepo(testClient, testTables.VerificationCodes)
	exp := time.Now().Add(time.Hour)
	require.NoError(t, repo.Replace(ctx, newCode("stale@driek.dev", "old", exp)))
	require.NoError(t, repo.Replace(ctx, newCode("stale@driek.dev", "new", exp)))

	require.NoError(t, repo.Delete(ctx, "stale@driek.dev", "old"))
	got, err := repo.Get(ctx, "stale@driek.dev")
	require.NoError(t, err)
	assert.Equal(t, "new", got.HashedSecret)

	require.NoError(t, repo.Delete(ctx, "stale@driek.dev", "new"))
	_, err = repo.Get(ctx, "stale@driek.dev")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCodeRepo_RecordFailureAfterReplace(t *testing.T) {
	ctx := context.Background()
	repo := NewCodeRepo(testClient, testTables.VerificationCodes)
	exp := time.Now().Add(time.Hour)
	require.NoError(t, repo.Replace(ctx, newCode("fail@driek.dev", "h1", exp)))

	n, err := repo.RecordFailure(ctx, "fail@driek.dev", "h1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = repo.RecordFailure(ctx, "fail@driek.dev", "h1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A newer code resets the counter and invalidates the old hash.
	require.NoError(t, repo.Replace(ctx, newCode("fail@driek.dev", "h2", exp)))
	_, err = repo.RecordFailure(ctx, "fail@driek.dev", "h1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	n, err = repo.RecordFailure(ctx, "fail@driek.dev", "h2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.RecordFailure(ctx, "ghost@driek.dev", "h")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUserRepo_CreateGetMark(t *testing.T) {
	ctx := context.Background()
	repo := NewUserRepo(testClient, testTables.Users)
	now := time.Now().UTC().Truncate(time.Second)
	u := &domain.User{UserID: "01HZUSER", Email: "user@driek.dev", CreatedAt: now, UpdatedAt: now}

	require.NoError(t, repo.Create(ctx, u))
	err := repo.Create(ctx, &domain.User{UserID: "01HZOTHER", Email: "user@driek.dev", CreatedAt: now, UpdatedAt: now})
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, err := repo.GetByEmail(ctx, "user@driek.dev")
	require.NoError(t, err)
	assert.Equal(t, "01HZUSER", got.UserID)
	assert.Nil(t, got.LastSignInAt)

	require.NoError(t, repo.MarkSignedIn(ctx, "user@driek.dev", now.Add(time.Minute)))
	got, err = repo.GetByEmail(ctx, "user@driek.dev")
	require.NoError(t, err)
	require.NotNil(t, got.LastSignInAt)
	assert.True(t, got.LastSignInAt.Equal(now.Add(time.Minute)))

	assert.ErrorIs(t, repo.MarkSignedIn(ctx, "ghost@driek.dev", now), domain.ErrNotFound)
	_, err = repo.GetByEmail(ctx, "ghost@driek.dev")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRateLimitRepo_ConcurrentNeverExceedsLimit(t *testing.T) {
	ctx := context.Background()
	const limit = 5
	repo := NewRateLimitRepo(testClient, testTables.RateLimits, limit, time.Hour)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 3 * limit {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := repo.Limit(ctx, "burst@driek.dev")
			assert.NoError(t, err)
			if res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(limit), allowed.Load())

	res, err := repo.Limit(ctx, "burst@driek.dev")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, limit, res.Limit)
}

func TestRateLimitRepo_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	repo := NewRateLimitRepo(testClient, testTables.RateLimits, 1, time.Hour)

	res, err := repo.Limit(ctx, "a@driek.dev")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	res, err = repo.Limit(ctx, "b@driek.dev")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = repo.Limit(ctx, "a@driek.dev")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}
