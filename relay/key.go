package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// BuildKey derives the content-hash idempotency key for an event:
// sha256 over kind|normalized(sender)|normalized(message). Deterministic, so a
// duplicate capture of the same logical event collapses to one row.
func BuildKey(kind EventKind, sender string, message string) string {
	payload := strings.Join([]string{string(kind), normalizeField(sender), normalizeField(message)}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// NewAttemptKey returns a fresh random key. Push-origin events get one of
// these per delivery attempt instead of a content hash.
func NewAttemptKey() string {
	return uuid.NewString()
}

// KeyForCapture picks the key scheme for a freshly captured event:
// content hash for SMS, random token for push.
func KeyForCapture(kind EventKind, sender string, message string) string {
	if kind == KindPush {
		return NewAttemptKey()
	}
	return BuildKey(kind, sender, message)
}

func normalizeField(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), " ")
}
