package server

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	// DefaultTokenLength is the random payload size used when no length is given.
	DefaultTokenLength = 32
	// MinTokenLength is the smallest random payload NewToken accepts.
	MinTokenLength = 16

	tokenSeparator = "."
)

var tokenEncoding = base64.RawURLEncoding

// SignToken returns base64url(payload) + "." + base64url(HMAC-SHA256(secret, payload)).
func SignToken(secret, payload []byte) string {
	return tokenEncoding.EncodeToString(payload) + tokenSeparator + tokenEncoding.EncodeToString(mac(secret, payload))
}

// NewToken signs length bytes of fresh randomness. A non-positive length selects
// DefaultTokenLength.
func NewToken(secret []byte, length int) (string, error) {
	payload, err := randomBytes(length)
	if err != nil {
		return "", err
	}
	return SignToken(secret, payload), nil
}

// VerifyToken reports whether token was produced by SignToken with secret.
func VerifyToken(secret []byte, token string) bool {
	_, ok := OpenToken(secret, token)
	return ok
}

// OpenToken verifies token and returns its payload. Malformed input yields false.
func OpenToken(secret []byte, token string) ([]byte, bool) {
	parts := strings.Split(token, tokenSeparator)
	if len(parts) != 2 {
		return nil, false
	}
	payload, err := tokenEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, false
	}
	sig, err := tokenEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, false
	}
	if !hmac.Equal(sig, mac(secret, payload)) {
		return nil, false
	}
	return payload, true
}

func mac(secret, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}

func randomBytes(length int) ([]byte, error) {
	if length <= 0 {
		length = DefaultTokenLength
	}
	if length < MinTokenLength {
		return nil, fmt.Errorf("token length %d below minimum %d", length, MinTokenLength)
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return buf, nil
}

// randomString returns length random bytes encoded as unpadded base64url.
func randomString(length int) (string, error) {
	buf, err := randomBytes(length)
	if err != nil {
		return "", err
	}
	return tokenEncoding.EncodeToString(buf), nil
}
