// Package idgen generates identifiers for escrows, events and subscriptions.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a dash-free UUID, e.g. "whsub_3f2a...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether s parses as a UUID. Handlers use it to reject
// malformed escrow ids before they reach the database.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
