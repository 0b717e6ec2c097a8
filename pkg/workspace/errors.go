package workspace

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnresolvableCommit indicates a commit that does not exist in the clone.
	ErrUnresolvableCommit = errors.New("unresolvable commit")

	// ErrInvalidRepository indicates a repository slug that is not owner/name.
	ErrInvalidRepository = errors.New("invalid repository identifier")
)

// GitError describes a git invocation that exited non-zero.
type GitError struct {
	Args     []string
	ExitCode int
	Output   string
}

func (e *GitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git %s: exit status %d", strings.Join(e.Args, " "), e.ExitCode)
	}
	return fmt.Sprintf("git %s: exit status %d: %s", strings.Join(e.Args, " "), e.ExitCode, lastLine(out))
}

// CommitError wraps a failure to move the working tree to a commit.
type CommitError struct {
	Commit string
	Err    error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("reset to %s: %v", e.Commit, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// OverlayError reports the batch of paths that could not be restored.
// Paths restored by earlier batches are discarded by the next reset.
type OverlayError struct {
	Commit string
	Paths  []string
	Err    error
}

func (e *OverlayError) Error() string {
	return fmt.Sprintf("overlay %d test paths from %s: %v", len(e.Paths), e.Commit, e.Err)
}

func (e *OverlayError) Unwrap() error {
	return e.Err
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
