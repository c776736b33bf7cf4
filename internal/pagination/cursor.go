// Package pagination implements keyset paging over (created_at, id).
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Page size bounds shared by list endpoints.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrInvalidCursor is returned for a cursor this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks the last row a caller has seen. Rows strictly after it, in
// (CreatedAt, ID) order, belong to the next page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Before reports whether a row keyed (createdAt, id) sorts at or before c,
// which means it was already returned.
func (c *Cursor) Before(createdAt time.Time, id string) bool {
	if c == nil {
		return false
	}
	if !createdAt.Equal(c.CreatedAt) {
		return createdAt.Before(c.CreatedAt)
	}
	return id <= c.ID
}

// String encodes the cursor as an opaque URL-safe token.
func (c Cursor) String() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 36) + "." + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Parse decodes a token produced by Cursor.String. An empty token means the
// first page and yields a nil cursor.
func Parse(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), ".")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(ts, 36, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// Limit parses a page size query value. Missing or non-positive values give
// DefaultLimit; anything larger than MaxLimit is clamped.
func Limit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}

// Page is one slice of a keyset-ordered listing.
type Page[T any] struct {
	Items      []T
	NextCursor string
	HasMore    bool
}

// Cut builds a page from rows fetched with limit+1. The extra row only
// signals that more exist; the cursor points at the last row kept.
func Cut[T any](rows []T, limit int, key func(T) (time.Time, string)) Page[T] {
	if len(rows) <= limit {
		return Page[T]{Items: rows}
	}
	rows = rows[:limit]
	createdAt, id := key(rows[limit-1])
	return Page[T]{
		Items:      rows,
		NextCursor: Cursor{CreatedAt: createdAt, ID: id}.String(),
		HasMore:    true,
	}
}
