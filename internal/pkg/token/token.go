package token

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"
)

// Generate draws length characters uniformly from alphabet using crypto/rand.
// rand.Int rejects out-of-range samples, so there is no modulo bias.
func Generate(alphabet string, length int) (string, error) {
	runes := []rune(alphabet)
	if len(runes) < 2 {
		return "", errors.New("generate code: alphabet must have at least two characters")
	}
	if length <= 0 {
		return "", errors.New("generate code: length must be positive")
	}
	size := big.NewInt(int64(len(runes)))

	var sb strings.Builder
	sb.Grow(length * utf8.UTFMax)
	for range length {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		sb.WriteRune(runes[n.Int64()])
	}
	return sb.String(), nil
}

// Matches reports whether code has the given length and uses only alphabet characters.
func Matches(code, alphabet string, length int) bool {
	if utf8.RuneCountInString(code) != length {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(alphabet, r) {
			return false
		}
	}
	return true
}
