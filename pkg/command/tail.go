package command

import "strings"

// DefaultTailLines is the number of output lines kept for diagnostics.
const DefaultTailLines = 1000

// maxLineBytes caps a single retained line; longer lines are truncated.
const maxLineBytes = 64 * 1024

// Tail keeps the last N lines written to it.
//
// Tail is not safe for concurrent use.
type Tail struct {
	max   int
	lines []string
	next  int
	full  bool
	total int
}

// NewTail returns a Tail that retains at most max lines.
func NewTail(max int) *Tail {
	if max <= 0 {
		max = DefaultTailLines
	}
	return &Tail{max: max, lines: make([]string, 0, min(max, 256))}
}

// Add appends one line (without its trailing newline), evicting the oldest
// line once the buffer is full.
func (t *Tail) Add(line string) {
	if len(line) > maxLineBytes {
		cut := maxLineBytes
		for cut > 0 && !utf8Start(line[cut]) {
			cut--
		}
		line = line[:cut] + "…"
	}
	t.total++
	if !t.full {
		t.lines = append(t.lines, line)
		if len(t.lines) == t.max {
			t.full = true
			t.next = 0
		}
		return
	}
	t.lines[t.next] = line
	t.next = (t.next + 1) % t.max
}

// Lines returns the retained lines, oldest first.
func (t *Tail) Lines() []string {
	if !t.full {
		out := make([]string, len(t.lines))
		copy(out, t.lines)
		return out
	}
	out := make([]string, 0, t.max)
	out = append(out, t.lines[t.next:]...)
	out = append(out, t.lines[:t.next]...)
	return out
}

// Total returns the number of lines ever added.
func (t *Tail) Total() int {
	return t.total
}

// String joins the retained lines, each terminated by a newline.
func (t *Tail) String() string {
	lines := t.Lines()
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// Excerpt returns at most the last n bytes of s, cut at a UTF-8 boundary.
func Excerpt(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8Start(s[cut]) {
		cut++
	}
	return s[cut:]
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
