package id

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random job identifier.
func New() string {
	return uuid.NewString()
}

// Key returns a random 128-bit identifier as 32 hex characters, suitable for
// object keys.
func Key() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
