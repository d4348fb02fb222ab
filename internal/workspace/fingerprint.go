package workspace

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns the lowercase hex SHA-256 digest of content.
// It doubles as an integrity token on reads and an optimistic-concurrency
// precondition on writes.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// FingerprintString is a convenience wrapper for text content.
func FingerprintString(content string) string {
	return Fingerprint([]byte(content))
}
