package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/go-codegate/internal/application/auth"
	"github.com/go-codegate/internal/application/session"
	"github.com/go-codegate/internal/application/user"
	"github.com/go-codegate/internal/config"
	"github.com/go-codegate/internal/domain"
	"github.com/go-codegate/internal/infrastructure/dynamo"
	jwtinfra "github.com/go-codegate/internal/infrastructure/jwt"
	"github.com/go-codegate/internal/infrastructure/memory"
	"github.com/go-codegate/internal/infrastructure/metrics"
	"github.com/go-codegate/internal/infrastructure/postgres"
	"github.com/go-codegate/internal/infrastructure/smtp"
	"github.com/go-codegate/internal/pkg/hasher"
	"github.com/go-codegate/internal/pkg/logger"
	transporthttp "github.com/go-codegate/internal/transport/http"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type userStore interface {
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	Create(ctx context.Context, u *domain.User) error
	MarkSignedIn(ctx context.Context, email string, at time.Time) error
}

type backends struct {
	codes   auth.CodeStore
	users   userStore
	limiter auth.Limiter
	closers []func() error
}

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	envErr := godotenv.Load()

	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		slog.Info("no .env file found, reading from environment")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := buildBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range b.closers {
			_ = c()
		}
	}()

	h, err := hasher.New(hasher.Options{
		Algorithm:  cfg.HashAlgorithm,
		BcryptCost: cfg.HashCost,
		Time:       cfg.Argon2Time,
		MemoryKB:   cfg.HashMemoryKB,
	})
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}

	provider, err := jwtinfra.New(cfg)
	if err != nil {
		return fmt.Errorf("session signer: %w", err)
	}

	var mailer auth.Mailer
	if cfg.MailDriver == config.MailDriverLog {
		mailer = smtp.LogMailer{Logger: slog.Default()}
	} else {
		mailer = smtp.NewMailer(cfg)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sessions := session.NewService(provider)
	users := user.NewService(user.ServiceDeps{UserRepo: b.users})
	authSvc, err := auth.NewService(auth.ServiceDeps{
		Codes:    b.codes,
		Limiter:  b.limiter,
		Mailer:   mailer,
		Hasher:   h,
		Users:    users,
		Sessions: sessions,
		Observer: m,
		Options: auth.Options{
			AllowedDomains:  cfg.AllowedEmailDomains,
			CodeLength:      cfg.CodeLength,
			CodeAlphabet:    cfg.CodeAlphabet,
			CodeTTL:         cfg.CodeTTL,
			MaxAttempts:     cfg.CodeMaxAttempts,
			UpstreamTimeout: cfg.UpstreamTimeout,
			BaseURL:         cfg.AppBaseURL,
			RevealDomains:   cfg.RevealAllowedDomains,
		},
	})
	if err != nil {
		return err
	}

	if sw, ok := b.codes.(auth.Sweeper); ok {
		go auth.RunSweeper(ctx, sw, cfg.SweepInterval)
	}

	router, err := transporthttp.NewRouter(ctx, cfg, &transporthttp.Deps{
		Auth:     authSvc,
		Sessions: sessions,
		Users:    users,
		Metrics:  m,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.AppPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.AppPort, "env", cfg.AppEnv,
			"store", cfg.StoreDriver, "rate_limit", cfg.RateLimitDriver, "mail", cfg.MailDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

func buildBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}

	var dynamoClient *dynamodb.Client
	if cfg.StoreDriver == config.DriverDynamo || cfg.RateLimitDriver == config.DriverDynamo {
		c, err := dynamo.NewClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("dynamodb client: %w", err)
		}
		// Creates missing tables and enables TTL expiry.
		if err := dynamo.Bootstrap(ctx, c, cfg.DynamoTables); err != nil {
			return nil, fmt.Errorf("bootstrap dynamodb: %w", err)
		}
		dynamoClient = c
	}

	switch cfg.StoreDriver {
	case config.DriverDynamo:
		b.codes = dynamo.NewCodeRepo(dynamoClient, cfg.DynamoTables.VerificationCodes)
		b.users = dynamo.NewUserRepo(dynamoClient, cfg.DynamoTables.Users)
	case config.DriverPostgres:
		db, err := postgres.Connect(ctx, cfg.DatabaseURL, 5)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		if err := postgres.Migrate(ctx, db); err != nil {
			return nil, err
		}
		b.codes = postgres.NewCodeRepo(db)
		b.users = postgres.NewUserRepo(db)
	case config.DriverMemory:
		slog.Warn("using in-memory store, data is lost on restart")
		b.codes = memory.NewCodeStore()
		b.users = memory.NewUserStore()
	}

	switch cfg.RateLimitDriver {
	case config.DriverDynamo:
		b.limiter = dynamo.NewRateLimitRepo(dynamoClient, cfg.DynamoTables.RateLimits, cfg.RateLimitMax, cfg.RateLimitWindow)
	case config.DriverMemory:
		slog.Warn("using in-process rate limiter, limits are not shared between instances")
		b.limiter = memory.NewLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	return b, nil
}
