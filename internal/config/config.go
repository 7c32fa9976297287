package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-codegate/internal/pkg/validate"
)

// Store and rate-limit backends selectable at startup.
const (
	DriverDynamo   = "dynamo"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	MailDriverSMTP = "smtp"
	MailDriverLog  = "log"

	SigningHS256 = "hs256"
	SigningRS256 = "rs256"

	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	AppPort    string `validate:"required,numeric"`
	AppEnv     string `validate:"oneof=development production test"`
	AppBaseURL string `validate:"required,url"`
	LogLevel   string
	LogFormat  string `validate:"oneof=text json"`

	AllowedEmailDomains []string `validate:"min=1,dive,required,hostname"`

	// RevealAllowedDomains lists the domains on the login page and names the
	// domain rule in request-code errors. Off, a rejected domain gets the same
	// message as a malformed address.
	RevealAllowedDomains bool

	CodeLength      int           `validate:"min=4,max=64"`
	CodeAlphabet    string        `validate:"min=2"`
	CodeTTL         time.Duration `validate:"gt=0"`
	CodeMaxAttempts int           `validate:"min=0"`

	HashAlgorithm string `validate:"oneof=bcrypt argon2id"`
	HashCost      int    `validate:"min=4,max=31"` // bcrypt cost
	Argon2Time    uint32 `validate:"min=1"`
	HashMemoryKB  uint32 `validate:"min=1024"`

	RateLimitMax    int           `validate:"min=1"`
	RateLimitWindow time.Duration `validate:"gt=0"`

	SessionTTL           time.Duration `validate:"gt=0"`
	SessionCookieName    string        `validate:"required"`
	SessionSecureCookies bool
	SessionSigning       string `validate:"oneof=hs256 rs256"`
	SessionSecret        string
	JWTPrivateKeyPath    string
	JWTPublicKeyPath     string

	StoreDriver     string `validate:"oneof=dynamo postgres memory"`
	RateLimitDriver string `validate:"oneof=dynamo memory"`
	DatabaseURL     string

	AWSRegion      string `validate:"required"`
	AWSEndpointURL string // empty in prod, set to LocalStack URL in dev
	AWSAccessKeyID string
	AWSSecretKey   string
	AWSMaxAttempts int `validate:"min=1"`
	DynamoTables   DynamoTables

	MailDriver     string `validate:"oneof=smtp log"`
	SMTPHost       string `validate:"required"`
	SMTPPort       string `validate:"required,numeric"`
	SMTPFrom       string `validate:"required,email"`
	SMTPUsername   string
	SMTPPassword   string
	SMTPTimeout    time.Duration `validate:"gt=0"`
	SMTPMaxRetries int           `validate:"min=0"`

	UpstreamTimeout time.Duration `validate:"gt=0"`
	RequestTimeout  time.Duration `validate:"gt=0"`
	SweepInterval   time.Duration `validate:"gt=0"`

	IPRateLimitRPS   float64 `validate:"gt=0"`
	IPRateLimitBurst int     `validate:"min=1"`
	AllowedOrigins   []string // CORS allowed origins

	// TrustedProxies are CIDRs or addresses whose forwarding headers are believed.
	TrustedProxies []string `validate:"dive,cidr|ip"`

	parseErrs []error
}

// DynamoTables holds the DynamoDB table name for each entity.
type DynamoTables struct {
	Users             string `validate:"required"`
	VerificationCodes string `validate:"required"`
	RateLimits        string `validate:"required"`
}

// Load reads all configuration from environment variables. Values that fail to
// parse keep their default and are reported by Validate.
func Load() *Config {
	l := &loader{}
	cfg := &Config{
		AppPort:    getEnv("APP_PORT", "3000"),
		AppEnv:     getEnv("APP_ENV", EnvDevelopment),
		AppBaseURL: getEnv("APP_BASE_URL", "http://localhost:3000"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "text"),

		AllowedEmailDomains:  getEnvList("ALLOWED_EMAIL_DOMAINS", "driek.dev"),
		RevealAllowedDomains: l.getEnvBool("REVEAL_ALLOWED_DOMAINS", false),

		CodeLength:      l.getEnvInt("CODE_LENGTH", 6),
		CodeAlphabet:    getEnv("CODE_ALPHABET", "0123456789"),
		CodeTTL:         l.getEnvDuration("CODE_TTL", 30*time.Minute),
		CodeMaxAttempts: l.getEnvInt("CODE_MAX_ATTEMPTS", 5),

		HashAlgorithm: getEnv("HASH_ALGORITHM", "bcrypt"),
		HashCost:      l.getEnvInt("HASH_COST", 10),
		Argon2Time:    l.getEnvUint32("ARGON2_TIME", 3),
		HashMemoryKB:  l.getEnvUint32("HASH_MEMORY_KB", 64*1024),

		RateLimitMax:    l.getEnvInt("RATE_LIMIT_MAX", 20),
		RateLimitWindow: l.getEnvDuration("RATE_LIMIT_WINDOW", 24*time.Hour),

		SessionTTL:           l.getEnvDuration("SESSION_TTL", 30*24*time.Hour),
		SessionCookieName:    getEnv("SESSION_COOKIE_NAME", "session"),
		SessionSecureCookies: l.getEnvBool("SESSION_SECURE_COOKIES", false),
		SessionSigning:       getEnv("SESSION_SIGNING", SigningHS256),
		SessionSecret:        getEnv("SESSION_SECRET", ""),
		JWTPrivateKeyPath:    getEnv("JWT_PRIVATE_KEY_PATH", "./private_key.pem"),
		JWTPublicKeyPath:     getEnv("JWT_PUBLIC_KEY_PATH", "./public_key.pem"),

		StoreDriver:     getEnv("STORE_DRIVER", DriverDynamo),
		RateLimitDriver: getEnv("RATE_LIMIT_DRIVER", DriverDynamo),
		DatabaseURL:     getEnv("DATABASE_URL", ""),

		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointURL: getEnv("AWS_ENDPOINT_URL", ""),
		AWSAccessKeyID: getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSMaxAttempts: l.getEnvInt("AWS_MAX_ATTEMPTS", 3),
		DynamoTables: DynamoTables{
			Users:             getEnv("DYNAMO_TABLE_USERS", "users"),
			VerificationCodes: getEnv("DYNAMO_TABLE_VERIFICATION_CODES", "verification_codes"),
			RateLimits:        getEnv("DYNAMO_TABLE_RATE_LIMITS", "rate_limits"),
		},

		MailDriver:     getEnv("MAIL_DRIVER", MailDriverSMTP),
		SMTPHost:       getEnv("SMTP_HOST", "localhost"),
		SMTPPort:       getEnv("SMTP_PORT", "1025"),
		SMTPFrom:       getEnv("SMTP_FROM", "noreply@example.com"),
		SMTPUsername:   getEnv("SMTP_USERNAME", ""),
		SMTPPassword:   getEnv("SMTP_PASSWORD", ""),
		SMTPTimeout:    l.getEnvDuration("SMTP_TIMEOUT", 10*time.Second),
		SMTPMaxRetries: l.getEnvInt("SMTP_MAX_RETRIES", 2),

		UpstreamTimeout: l.getEnvDuration("UPSTREAM_TIMEOUT", 5*time.Second),
		RequestTimeout:  l.getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		SweepInterval:   l.getEnvDuration("SWEEP_INTERVAL", 10*time.Minute),

		IPRateLimitRPS:   l.getEnvFloat("IP_RATE_LIMIT_RPS", 5),
		IPRateLimitBurst: l.getEnvInt("IP_RATE_LIMIT_BURST", 10),
		AllowedOrigins:   getEnvList("ALLOWED_ORIGINS", "*"),
		TrustedProxies:   getEnvList("TRUSTED_PROXIES", ""),
	}
	cfg.parseErrs = l.errs
	return cfg
}

// Validate checks field constraints and the rules that span several fields.
// It is called once at startup; a failing config aborts the process.
func (c *Config) Validate() error {
	if len(c.parseErrs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(c.parseErrs...))
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var errs []error
	switch c.SessionSigning {
	case SigningHS256:
		if len(c.SessionSecret) < 32 {
			errs = append(errs, errors.New("SESSION_SECRET must be at least 32 bytes for hs256"))
		}
	case SigningRS256:
		if c.JWTPrivateKeyPath == "" || c.JWTPublicKeyPath == "" {
			errs = append(errs, errors.New("JWT_PRIVATE_KEY_PATH and JWT_PUBLIC_KEY_PATH are required for rs256"))
		}
	}
	if c.StoreDriver == DriverPostgres && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres"))
	}
	if c.MailDriver == MailDriverLog && c.AppEnv == EnvProduction {
		errs = append(errs, errors.New("MAIL_DRIVER=log is not allowed in production"))
	}
	if c.AppEnv == EnvProduction && (c.StoreDriver == DriverMemory || c.RateLimitDriver == DriverMemory) {
		errs = append(errs, errors.New("memory drivers are not allowed in production"))
	}
	if seen := duplicateRune(c.CodeAlphabet); seen != 0 {
		errs = append(errs, fmt.Errorf("CODE_ALPHABET contains %q more than once", seen))
	}
	// bcrypt rejects inputs over 72 bytes, so the longest possible code must fit.
	if c.HashAlgorithm == "bcrypt" {
		if n := c.CodeLength * maxRuneLen(c.CodeAlphabet); n > bcryptMaxInput {
			errs = append(errs, fmt.Errorf("CODE_LENGTH x widest CODE_ALPHABET rune is %d bytes, over bcrypt's %d-byte limit", n, bcryptMaxInput))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

const bcryptMaxInput = 72

func maxRuneLen(s string) int {
	widest := 0
	for _, r := range s {
		widest = max(widest, utf8.RuneLen(r))
	}
	return widest
}

func duplicateRune(s string) rune {
	seen := make(map[rune]bool, len(s))
	for _, r := range s {
		if seen[r] {
			return r
		}
		seen[r] = true
	}
	return 0
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loader records values that are set but unparsable.
type loader struct {
	errs []error
}

func (l *loader) fail(key, kind, v string) {
	l.errs = append(l.errs, fmt.Errorf("%s: invalid %s %q", key, kind, v))
}

func (l *loader) getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(key, "integer", v)
		return fallback
	}
	return n
}

func (l *loader) getEnvUint32(key string, fallback uint32) uint32 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		l.fail(key, "unsigned integer", v)
		return fallback
	}
	return uint32(n)
}

func (l *loader) getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.fail(key, "number", v)
		return fallback
	}
	return n
}

func (l *loader) getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail(key, "boolean", v)
		return fallback
	}
	return b
}

// getEnvDuration accepts Go duration syntax ("30m", "24h").
func (l *loader) getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.fail(key, "duration", v)
		return fallback
	}
	return d
}

func getEnvList(key, fallback string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, fallback), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, strings.ToLower(item))
		}
	}
	return out
}
