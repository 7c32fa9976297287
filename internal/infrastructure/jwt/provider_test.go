package jwtinfra

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-codegate/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeKeyPair(t *testing.T) (privPath, pubPath string) {
	t.Helper()
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath = filepath.Join(dir, "private.pem")
	pubPath = filepath.Join(dir, "public.pem")

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)})
	require.NoError(t, os.WriteFile(privPath, privPEM, 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(&privKey.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0600))
	return privPath, pubPath
}

func TestHMAC_SignVerify(t *testing.T) {
	p, err := NewHMACProvider([]byte(testSecret), time.Hour)
	require.NoError(t, err)

	tok, exp, err := p.Sign("u1", "a@driek.dev")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := p.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "a@driek.dev", claims.Email)
}

func TestHMAC_ShortSecretRejected(t *testing.T) {
	_, err := NewHMACProvider([]byte("short"), time.Hour)
	assert.Error(t, err)
}

func TestHMAC_RotatedSecretInvalidates(t *testing.T) {
	p1, err := NewHMACProvider([]byte(testSecret), time.Hour)
	require.NoError(t, err)
	p2, err := NewHMACProvider([]byte(strings.Repeat("z", 32)), time.Hour)
	require.NoError(t, err)

	tok, _, err := p1.Sign("u1", "a@driek.dev")
	require.NoError(t, err)
	_, err = p2.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Expired(t *testing.T) {
	p, err := NewHMACProvider([]byte(testSecret), time.Hour)
	require.NoError(t, err)
	p.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	tok, _, err := p.Sign("u1", "a@driek.dev")
	require.NoError(t, err)

	p.now = time.Now
	_, err = p.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsOtherAlgorithm(t *testing.T) {
	hmac, err := NewHMACProvider([]byte(testSecret), time.Hour)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		UserID:           "u1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	signed, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = hmac.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RequiresExpiry(t *testing.T) {
	p, err := NewHMACProvider([]byte(testSecret), time.Hour)
	require.NoError(t, err)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: "u1"})
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = p.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRSA_SignVerify(t *testing.T) {
	privPath, pubPath := writeKeyPair(t)
	p, err := New(&config.Config{
		SessionSigning:    config.SigningRS256,
		JWTPrivateKeyPath: privPath,
		JWTPublicKeyPath:  pubPath,
		SessionTTL:        time.Hour,
	})
	require.NoError(t, err)

	tok, _, err := p.Sign("u1", "a@driek.dev")
	require.NoError(t, err)
	claims, err := p.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)

	// A token from another key pair fails.
	otherPriv, otherPub := writeKeyPair(t)
	other, err := NewProvider(&config.Config{JWTPrivateKeyPath: otherPriv, JWTPublicKeyPath: otherPub, SessionTTL: time.Hour})
	require.NoError(t, err)
	_, err = other.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewProvider_MissingKey(t *testing.T) {
	_, err := NewProvider(&config.Config{JWTPrivateKeyPath: filepath.Join(t.TempDir(), "nope.pem")})
	assert.ErrorContains(t, err, "read private key")
}
