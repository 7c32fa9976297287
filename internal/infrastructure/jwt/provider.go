package jwtinfra

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-codegate/internal/config"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid session token")

// Claims holds the JWT payload fields.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Provider signs and verifies session JWTs with either HS256 or RS256.
type Provider struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	expiry    time.Duration
	now       func() time.Time
}

// New picks the signing method from cfg.SessionSigning.
func New(cfg *config.Config) (*Provider, error) {
	if cfg.SessionSigning == config.SigningRS256 {
		return NewProvider(cfg)
	}
	return NewHMACProvider([]byte(cfg.SessionSecret), cfg.SessionTTL)
}

// NewHMACProvider signs with a shared secret. Rotating the secret invalidates every session.
func NewHMACProvider(secret []byte, expiry time.Duration) (*Provider, error) {
	if len(secret) < 32 {
		return nil, errors.New("hmac secret must be at least 32 bytes")
	}
	return &Provider{method: jwt.SigningMethodHS256, signKey: secret, verifyKey: secret, expiry: expiry, now: time.Now}, nil
}

// NewProvider loads an RS256 key pair from PEM files.
func NewProvider(cfg *config.Config) (*Provider, error) {
	privBytes, err := os.ReadFile(cfg.JWTPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	privKey, err := jwt.ParseRSAPrivateKeyFromPEM(privBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	pubBytes, err := os.ReadFile(cfg.JWTPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pubKey, err := jwt.ParseRSAPublicKeyFromPEM(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	return newRSA(privKey, pubKey, cfg.SessionTTL), nil
}

func newRSA(priv *rsa.PrivateKey, pub *rsa.PublicKey, expiry time.Duration) *Provider {
	return &Provider{method: jwt.SigningMethodRS256, signKey: priv, verifyKey: pub, expiry: expiry, now: time.Now}
}

// Expiry is the lifetime given to newly signed tokens.
func (p *Provider) Expiry() time.Duration { return p.expiry }

// Sign returns a token for the user and its expiry time.
func (p *Provider) Sign(userID, email string) (string, time.Time, error) {
	now := p.now()
	exp := now.Add(p.expiry)
	claims := Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(p.method, claims)
	signed, err := token.SignedString(p.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

func (p *Provider) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != p.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return p.verifyKey, nil
	},
		jwt.WithValidMethods([]string{p.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
