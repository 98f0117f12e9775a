package pattern

import (
	"strings"

	"github.com/google/uuid"
)

// uidLen is the length of a UID token: a v4 UUID with dashes stripped.
const uidLen = 32

// NewUID returns a fresh UID token for a collection member.
func NewUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsUID reports whether a path segment is UID-shaped: exactly 32
// lowercase hex characters.
func IsUID(seg string) bool {
	if len(seg) != uidLen {
		return false
	}
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
