package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 123, time.UTC)

func TestCursorToken(t *testing.T) {
	tok := Cursor{CreatedAt: t0, ID: "esc_7f3a"}.String()
	assert.NotContains(t, tok, "=")

	c, err := Parse(tok)
	require.NoError(t, err)
	assert.True(t, t0.Equal(c.CreatedAt))
	assert.Equal(t, "esc_7f3a", c.ID)
}

func TestParse_FirstPage(t *testing.T) {
	c, err := Parse("")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestParse_Rejects(t *testing.T) {
	for _, tok := range []string{
		"***",
		"bm9kb3Q",  // "nodot"
		"eHl6Lg",   // "xyz."
		"IT8uZXNj", // "!?.esc"
	} {
		_, err := Parse(tok)
		assert.ErrorIs(t, err, ErrInvalidCursor, tok)
	}
}

func TestCursorBefore(t *testing.T) {
	c := &Cursor{CreatedAt: t0, ID: "esc_b"}

	assert.True(t, c.Before(t0.Add(-time.Second), "esc_z"))
	assert.True(t, c.Before(t0, "esc_a"))
	assert.True(t, c.Before(t0, "esc_b"))
	assert.False(t, c.Before(t0, "esc_c"))
	assert.False(t, c.Before(t0.Add(time.Second), "esc_a"))

	var none *Cursor
	assert.False(t, none.Before(t0, "esc_a"))
}

func TestLimit(t *testing.T) {
	tests := map[string]int{
		"":     DefaultLimit,
		"abc":  DefaultLimit,
		"0":    DefaultLimit,
		"-4":   DefaultLimit,
		"25":   25,
		"200":  200,
		"5000": MaxLimit,
	}
	for raw, want := range tests {
		assert.Equal(t, want, Limit(raw), raw)
	}
}

func TestCut(t *testing.T) {
	key := func(n int) (time.Time, string) {
		return t0.Add(time.Duration(n) * time.Minute), "esc_" + string(rune('a'+n))
	}

	p := Cut([]int{0, 1, 2}, 3, key)
	assert.Equal(t, []int{0, 1, 2}, p.Items)
	assert.False(t, p.HasMore)
	assert.Empty(t, p.NextCursor)

	p = Cut([]int{0, 1, 2, 3}, 3, key)
	assert.Equal(t, []int{0, 1, 2}, p.Items)
	assert.True(t, p.HasMore)

	c, err := Parse(p.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "esc_c", c.ID)
	assert.True(t, c.Before(key(2)))
	assert.False(t, c.Before(key(3)))
}
