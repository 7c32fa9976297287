// Package hasher stores one-time secrets as slow salted hashes so a leaked
// verification_codes table cannot be replayed.
package hasher

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	AlgorithmBcrypt   = "bcrypt"
	AlgorithmArgon2id = "argon2id"
)

var ErrMalformedHash = errors.New("malformed hash")

// Hasher hashes and compares one-time secrets.
type Hasher interface {
	Hash(secret string) (string, error)
	Compare(hash, secret string) (bool, error)
}

// Options selects the algorithm and its cost parameters.
type Options struct {
	Algorithm  string
	BcryptCost int
	Time       uint32
	MemoryKB   uint32
}

// New returns the Hasher for opts.Algorithm.
func New(opts Options) (Hasher, error) {
	switch opts.Algorithm {
	case AlgorithmBcrypt, "":
		cost := opts.BcryptCost
		if cost == 0 {
			cost = bcrypt.DefaultCost
		}
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return nil, fmt.Errorf("bcrypt cost %d out of range", cost)
		}
		return &bcryptHasher{cost: cost}, nil
	case AlgorithmArgon2id:
		return &argon2Hasher{time: max(opts.Time, 1), memory: max(opts.MemoryKB, 1024), threads: 1, keyLen: 32}, nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", opts.Algorithm)
	}
}

type bcryptHasher struct {
	cost int
}

func (h *bcryptHasher) Hash(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), h.cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(b), nil
}

func (h *bcryptHasher) Compare(hash, secret string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("bcrypt compare: %w: %w", ErrMalformedHash, err)
	}
}

type argon2Hasher struct {
	time    uint32
	memory  uint32
	threads uint8
	keyLen  uint32
}

// Hash encodes as $argon2id$v=19$m=<mem>,t=<time>,p=<threads>$<salt>$<key>.
func (h *argon2Hasher) Hash(secret string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("argon2id salt: %w", err)
	}
	key := argon2.IDKey([]byte(secret), salt, h.time, h.memory, h.threads, h.keyLen)
	enc := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.time, h.threads, enc.EncodeToString(salt), enc.EncodeToString(key)), nil
}

// Compare reads the parameters from the encoded hash, so hashes written with
// older settings still verify after a config change.
func (h *argon2Hasher) Compare(hash, secret string) (bool, error) {
	parts := strings.Split(hash, "$")
	if len(parts) != 6 || parts[1] != AlgorithmArgon2id {
		return false, ErrMalformedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, ErrMalformedHash
	}
	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, ErrMalformedHash
	}
	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(parts[4])
	if err != nil {
		return false, ErrMalformedHash
	}
	want, err := enc.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		return false, ErrMalformedHash
	}
	got := argon2.IDKey([]byte(secret), salt, time, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
