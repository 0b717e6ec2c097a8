package command

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTail_KeepsLastLines(t *testing.T) {
	tail := NewTail(3)
	for _, l := range []string{"a", "b", "c", "d", "e"} {
		tail.Add(l)
	}

	assert.Equal(t, []string{"c", "d", "e"}, tail.Lines())
	assert.Equal(t, "c\nd\ne\n", tail.String())
	assert.Equal(t, 5, tail.Total())
}

func TestTail_NotFull(t *testing.T) {
	tail := NewTail(10)
	tail.Add("one")
	tail.Add("two")

	assert.Equal(t, []string{"one", "two"}, tail.Lines())
}

func TestTail_Empty(t *testing.T) {
	tail := NewTail(0)
	assert.Equal(t, "", tail.String())
	assert.Empty(t, tail.Lines())
}

func TestTail_TruncatesLongLines(t *testing.T) {
	tail := NewTail(1)
	tail.Add(strings.Repeat("x", maxLineBytes+10))

	got := tail.Lines()[0]
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.Less(t, len(got), maxLineBytes+10)
}

func TestTail_TruncatesAtRuneBoundary(t *testing.T) {
	tail := NewTail(1)
	// The first "é" starts one byte before the limit.
	prefix := strings.Repeat("x", maxLineBytes-1)
	tail.Add(prefix + strings.Repeat("é", 10))

	got := tail.Lines()[0]
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, prefix+"…", got)
}

func TestExcerpt(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"shorter than limit", "abc", 10, "abc"},
		{"exact", "abcd", 4, "abcd"},
		{"keeps suffix", "abcdef", 3, "def"},
		{"no limit", "abcdef", 0, "abcdef"},
		{"utf8 boundary", "aé", 1, ""},
		{"utf8 whole rune", "aéb", 3, "éb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Excerpt(tt.in, tt.n))
		})
	}
}
