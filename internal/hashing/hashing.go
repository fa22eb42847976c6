// Package hashing turns raw tokens into storage keys.
package hashing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Hasher computes keyed HMAC-SHA256 digests. Only digests are ever
// written to the store, never the raw token.
type Hasher struct {
	secret []byte
}

func New(secret string) *Hasher {
	return &Hasher{secret: []byte(secret)}
}

// Hash returns the lowercase hex HMAC-SHA256 of s.
func (h *Hasher) Hash(s string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(s))

	return hex.EncodeToString(mac.Sum(nil))
}

// Equal compares a raw value against a stored digest in constant time.
func (h *Hasher) Equal(raw, digest string) bool {
	return hmac.Equal([]byte(h.Hash(raw)), []byte(digest))
}
