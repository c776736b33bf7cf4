// Package idgen generates record identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Record prefixes.
const (
	PrefixOrder   = "ord_"
	PrefixEscrow  = "esc_"
	PrefixDispute = "dsp_"
	PrefixRefund  = "rfa_"
	PrefixRequest = "req_"
	PrefixWebhook = "wh_"
	PrefixEvent   = "evt_"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID
// (e.g. "esc_5f0c..."). Ids sort randomly; use created_at for ordering.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id carries prefix and a well-formed UUID body.
func Valid(prefix, id string) bool {
	body, ok := strings.CutPrefix(id, prefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(body)
	return err == nil
}
