// Package idgen generates random identifiers for predictions and requests.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random v4 UUID in canonical form.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 random hex chars (e.g. "pred_", "req_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Valid reports whether s is a canonical UUID, as accepted from X-Request-ID headers.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}
