package match

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Errors returned by pattern expansion.
var (
	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")

	// ErrAbsolutePattern is returned for patterns that escape the root.
	ErrAbsolutePattern = errors.New("pattern must be relative to the repository root")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Validate checks that every pattern is a usable, repository-relative glob.
func Validate(patterns []string) error {
	for _, raw := range patterns {
		if _, err := compile(raw); err != nil {
			return err
		}
	}
	return nil
}

func compile(raw string) (string, error) {
	p := NormalizePattern(raw)
	if p == "" {
		return "", &PatternError{Pattern: raw, Err: ErrInvalidPattern}
	}
	if strings.HasPrefix(p, "/") || filepath.IsAbs(p) || p == ".." || strings.HasPrefix(p, "../") {
		return "", &PatternError{Pattern: raw, Err: ErrAbsolutePattern}
	}
	if !doublestar.ValidatePattern(p) {
		return "", &PatternError{Pattern: raw, Err: ErrInvalidPattern}
	}
	return p, nil
}

// Match is a single path matched under the root.
type Match struct {
	// Rel is the slash-separated path relative to the root.
	Rel string

	// Path is the absolute (root-joined) filesystem path.
	Path string

	// IsDir reports whether the match is a directory.
	IsDir bool
}

// Expand returns every file and directory under root matching any of the
// patterns. Results are de-duplicated and sorted by relative path.
//
// A root that does not exist yields no matches and no error.
func Expand(root string, patterns []string) ([]Match, error) {
	return expand(root, patterns, false)
}

// ExpandFiles is Expand restricted to regular files.
func ExpandFiles(root string, patterns []string) ([]Match, error) {
	return expand(root, patterns, true)
}

func expand(root string, patterns []string, filesOnly bool) ([]Match, error) {
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat root %s: %w", root, err)
	}

	fsys := os.DirFS(root)
	seen := make(map[string]Match)
	for _, raw := range patterns {
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}

		var opts []doublestar.GlobOption
		if filesOnly {
			opts = append(opts, doublestar.WithFilesOnly())
		}
		rels, err := doublestar.Glob(fsys, p, opts...)
		if err != nil {
			return nil, &PatternError{Pattern: raw, Err: err}
		}
		for _, rel := range rels {
			if _, ok := seen[rel]; ok {
				continue
			}
			info, err := fs.Stat(fsys, rel)
			if err != nil {
				// Removed between glob and stat.
				continue
			}
			seen[rel] = Match{
				Rel:   rel,
				Path:  filepath.Join(root, filepath.FromSlash(rel)),
				IsDir: info.IsDir(),
			}
		}
	}

	out := make([]Match, 0, len(seen))
	for _, m := range seen {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rel < out[j].Rel })
	return out, nil
}
