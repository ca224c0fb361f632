// Package crypto provides the hashing, random-token, and compact-token
// primitives the control plane is built on. Secrets are stored only as
// SHA-256 hex digests and compared in constant time.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// SHA256Hex returns the lowercase hex SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeHexEqual compares two hex digests without leaking timing
// information. Digests of different lengths compare unequal.
func ConstantTimeHexEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// tokenAlphabet is URL-safe: no padding, no characters needing escaping.
const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// RandomToken returns n characters of cryptographically random material
// drawn from a URL-safe alphabet.
func RandomToken(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("token length must be positive, got %d", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out), nil
}

// MustRandomToken is RandomToken for callers where a failing system
// entropy source is unrecoverable.
func MustRandomToken(n int) string {
	s, err := RandomToken(n)
	if err != nil {
		panic(err)
	}
	return s
}

// HMACSHA256 computes the raw HMAC-SHA256 of msg under key.
func HMACSHA256(key []byte, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}
