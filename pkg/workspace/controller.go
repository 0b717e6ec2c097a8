// Package workspace owns a reusable repository clone and moves its working
// tree between the base, head, and overlay states of a Change.
//
// All mutation of the working tree goes through a Controller. Every state
// transition starts with a hard reset so no residue from the previous state
// or Change survives.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/testshift/pkg/command"
	"github.com/3leaps/testshift/pkg/match"
)

// OverlayBatchSize is the maximum number of paths passed to one git restore.
const OverlayBatchSize = 50

// DefaultGitTimeout bounds a single git invocation.
const DefaultGitTimeout = 10 * time.Minute

// State is the working tree state a Controller last established.
type State int

const (
	Unknown State = iota
	Base
	Head
	Overlay
)

func (s State) String() string {
	switch s {
	case Base:
		return "base"
	case Head:
		return "head"
	case Overlay:
		return "overlay"
	default:
		return "unknown"
	}
}

// Refs are the commits and test paths a state transition needs.
type Refs struct {
	Base      string
	Head      string
	TestPaths []string
}

// Option configures a Controller.
type Option func(*Controller)

// WithCleanIgnored makes resets also remove ignored files (git clean -x).
func WithCleanIgnored(v bool) Option {
	return func(c *Controller) { c.cleanIgnored = v }
}

// WithGitTimeout overrides DefaultGitTimeout.
func WithGitTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.gitTimeout = d
		}
	}
}

// WithOverlayBatch overrides OverlayBatchSize.
func WithOverlayBatch(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.overlayBatch = n
		}
	}
}

// WithLogger sets the logger used for git diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// Controller drives one repository clone. It is not safe for concurrent use;
// a worker owns exactly one Controller per clone.
type Controller struct {
	dir          string
	runner       command.Runner
	cleanIgnored bool
	gitTimeout   time.Duration
	overlayBatch int
	logger       *zap.Logger

	state  State
	commit string
}

// New returns a Controller for the clone at dir.
func New(dir string, runner command.Runner, opts ...Option) *Controller {
	c := &Controller{
		dir:          dir,
		runner:       runner,
		gitTimeout:   DefaultGitTimeout,
		overlayBatch: OverlayBatchSize,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dir returns the clone directory.
func (c *Controller) Dir() string {
	return c.dir
}

// State returns the last state established. After a failed transition the
// state is Unknown.
func (c *Controller) State() State {
	return c.state
}

// Commit returns the commit checked out by the last successful reset.
func (c *Controller) Commit() string {
	return c.commit
}

// Enter moves the working tree into state s.
func (c *Controller) Enter(ctx context.Context, s State, refs Refs) error {
	c.state = Unknown
	switch s {
	case Base:
		if err := c.ResetTo(ctx, refs.Base); err != nil {
			return err
		}
	case Head:
		if err := c.ResetTo(ctx, refs.Head); err != nil {
			return err
		}
	case Overlay:
		if err := c.ResetTo(ctx, refs.Base); err != nil {
			return err
		}
		if err := c.OverlayTestFiles(ctx, refs.Head, refs.TestPaths); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cannot enter state %s", s)
	}
	c.state = s
	return nil
}

// ResetTo discards local modifications and untracked files, then checks out
// commit detached. An unknown commit yields ErrUnresolvableCommit.
func (c *Controller) ResetTo(ctx context.Context, commit string) error {
	c.state = Unknown
	c.commit = ""
	if strings.TrimSpace(commit) == "" {
		return &CommitError{Commit: commit, Err: ErrUnresolvableCommit}
	}

	if _, err := c.git(ctx, "reset", "--hard", "--quiet"); err != nil {
		return &CommitError{Commit: commit, Err: err}
	}
	cleanArgs := []string{"clean", "-fd", "--quiet"}
	if c.cleanIgnored {
		cleanArgs = []string{"clean", "-fdx", "--quiet"}
	}
	if _, err := c.git(ctx, cleanArgs...); err != nil {
		return &CommitError{Commit: commit, Err: err}
	}

	if _, err := c.git(ctx, "rev-parse", "--verify", "--quiet", commit+"^{commit}"); err != nil {
		var gitErr *GitError
		if errors.As(err, &gitErr) {
			return &CommitError{Commit: commit, Err: fmt.Errorf("%w: %s", ErrUnresolvableCommit, commit)}
		}
		return &CommitError{Commit: commit, Err: err}
	}

	if _, err := c.git(ctx, "checkout", "--quiet", "--detach", commit); err != nil {
		return &CommitError{Commit: commit, Err: err}
	}
	c.commit = commit
	c.logger.Debug("Reset working tree", zap.String("commit", commit))
	return nil
}

// OverlayTestFiles restores paths from fromCommit into the working tree only.
// The index and unlisted files are left alone. Paths are applied in batches
// of the overlay batch size; the first failing batch is reported and the caller
// must treat the whole overlay as failed.
func (c *Controller) OverlayTestFiles(ctx context.Context, fromCommit string, paths []string) error {
	for start := 0; start < len(paths); start += c.overlayBatch {
		end := min(start+c.overlayBatch, len(paths))
		batch := paths[start:end]

		args := append([]string{"restore", "--source", fromCommit, "--worktree", "--"}, batch...)
		if _, err := c.git(ctx, args...); err != nil {
			c.state = Unknown
			return &OverlayError{Commit: fromCommit, Paths: batch, Err: err}
		}
	}
	c.logger.Debug("Overlaid test paths",
		zap.String("source", fromCommit),
		zap.Int("paths", len(paths)))
	return nil
}

// ClearReportArtifacts deletes every file or directory under the clone that
// matches one of patterns.
func (c *Controller) ClearReportArtifacts(patterns []string) error {
	matches, err := match.Expand(c.dir, patterns)
	if err != nil {
		return err
	}
	for _, m := range matches {
		if m.IsDir {
			err = os.RemoveAll(m.Path)
		} else {
			err = os.Remove(m.Path)
		}
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove report artifact %s: %w", m.Rel, err)
		}
	}
	if len(matches) > 0 {
		c.logger.Debug("Cleared report artifacts", zap.Int("removed", len(matches)))
	}
	return nil
}

func (c *Controller) git(ctx context.Context, args ...string) (*command.Result, error) {
	return runGit(ctx, c.runner, c.dir, c.gitTimeout, args...)
}

func runGit(ctx context.Context, r command.Runner, dir string, timeout time.Duration, args ...string) (*command.Result, error) {
	res, err := r.Run(ctx, "git", args, command.RunOpts{
		Dir:       dir,
		Timeout:   timeout,
		TailLines: 200,
	})
	if err != nil {
		return nil, err
	}
	if res.Cancelled {
		return res, ctx.Err()
	}
	if !res.OK() {
		return res, &GitError{Args: args, ExitCode: res.ExitCode, Output: res.Output}
	}
	return res, nil
}

// ClonePath returns the directory a repository slug is cloned into.
func ClonePath(reposDir, repo string) string {
	return filepath.Join(reposDir, strings.ReplaceAll(repo, "/", "_"))
}
