package crypto

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Compact tokens are the three-segment form
// base64url(header).base64url(payload).base64url(HMAC-SHA256) with the
// fixed header {"alg":"HS256","typ":"JWT"}.

var (
	ErrTokenMalformed        = errors.New("token malformed")
	ErrTokenInvalidSignature = errors.New("token signature invalid")
)

type compactHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// SignCompact signs payload (a JSON-serializable claims value) under key.
func SignCompact(key []byte, payload any) (string, error) {
	headerJSON, err := json.Marshal(compactHeader{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", fmt.Errorf("marshal header: %w", err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(payloadJSON)
	sig := HMACSHA256(key, []byte(signingInput))
	return signingInput + "." + enc.EncodeToString(sig), nil
}

// VerifyCompact checks the signature of a compact token and returns the
// decoded payload object. Structural problems yield ErrTokenMalformed; a
// well-formed token with a bad signature yields ErrTokenInvalidSignature.
func VerifyCompact(key []byte, token string) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrTokenMalformed
	}

	enc := base64.RawURLEncoding
	if _, err := enc.DecodeString(parts[0]); err != nil {
		return nil, ErrTokenMalformed
	}
	payloadJSON, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	sig, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, ErrTokenMalformed
	}

	// A payload that is not a JSON object is malformed regardless of
	// signature; the structural check runs first.
	var claims map[string]any
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, ErrTokenMalformed
	}

	expected := HMACSHA256(key, []byte(parts[0]+"."+parts[1]))
	if !hmac.Equal(sig, expected) {
		return nil, ErrTokenInvalidSignature
	}
	return claims, nil
}
