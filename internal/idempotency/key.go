package idempotency

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// HeaderKey carries the client-generated idempotency key.
const HeaderKey = "Idempotency-Key"

// ValidateKey accepts only canonical (hyphenated, 36 character) version 4 UUIDs.
func ValidateKey(key string) error {
	if len(key) != 36 {
		return ErrInvalidKey
	}
	id, err := uuid.Parse(key)
	if err != nil || id.Version() != 4 || id.Variant() != uuid.RFC4122 {
		return ErrInvalidKey
	}
	return nil
}

// Fingerprint binds a key to the request it was first used with.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
