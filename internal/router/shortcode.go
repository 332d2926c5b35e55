package router

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/rjsadow/waitline/internal/store"
)

// shortCodeAlphabet excludes 0/1/I/O to avoid human transcription errors,
// per the design's Crockford-like alphabet.
const shortCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const shortCodeLength = 6

const maxShortCodeAttempts = 20

// GenerateShortCode produces a unique 6-character code by rejection
// sampling against the durable store, bounded to maxShortCodeAttempts —
// each byte drawn from crypto/rand is reduced modulo 32, which is exactly
// unbiased because len(shortCodeAlphabet) divides 256.
func GenerateShortCode(db *store.DB) (string, error) {
	for attempt := 0; attempt < maxShortCodeAttempts; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		exists, err := db.ShortCodeExists(code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("short code generator: exhausted %d attempts without a unique code", maxShortCodeAttempts)
}

func randomCode() (string, error) {
	buf := make([]byte, shortCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.Grow(shortCodeLength)
	for _, b := range buf {
		sb.WriteByte(shortCodeAlphabet[int(b)%len(shortCodeAlphabet)])
	}
	return sb.String(), nil
}

// CanonicalizeShortCode upper-cases a user-supplied code; the route layer
// is case-insensitive but storage and comparisons are always uppercase.
func CanonicalizeShortCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
