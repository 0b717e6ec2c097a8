package workspace

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/testshift/pkg/command"
)

// DefaultCloneURL is the clone URL template; {repo} is replaced by the
// owner/name slug.
const DefaultCloneURL = "https://github.com/{repo}.git"

// pullRefspec makes pull request heads fetchable so head commits of
// unmerged or squashed changes resolve.
const pullRefspec = "+refs/pull/*/head:refs/remotes/origin/pr/*"

// CloneOptions configures EnsureClone.
type CloneOptions struct {
	// URLTemplate overrides DefaultCloneURL.
	URLTemplate string

	// Fetch refreshes an existing clone. New clones are always fetched.
	Fetch bool

	Logger *zap.Logger
}

// ValidateRepository checks that repo is an owner/name slug.
func ValidateRepository(repo string) error {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" ||
		strings.ContainsAny(repo, " \t\n\\") || strings.Contains(repo, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidRepository, repo)
	}
	return nil
}

// EnsureClone makes sure reposDir holds a clone of repo with pull request
// refs configured, and returns its path.
func EnsureClone(ctx context.Context, r command.Runner, reposDir, repo string, opts CloneOptions) (string, error) {
	if err := ValidateRepository(repo); err != nil {
		return "", err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tmpl := opts.URLTemplate
	if tmpl == "" {
		tmpl = DefaultCloneURL
	}

	dest := ClonePath(reposDir, repo)
	_, statErr := os.Stat(dest)
	fresh := os.IsNotExist(statErr)
	if statErr != nil && !fresh {
		return "", fmt.Errorf("stat clone %s: %w", dest, statErr)
	}

	if fresh {
		if err := os.MkdirAll(reposDir, 0o755); err != nil {
			return "", fmt.Errorf("create repos dir: %w", err)
		}
		url := strings.ReplaceAll(tmpl, "{repo}", repo)
		logger.Info("Cloning repository", zap.String("repository", repo), zap.String("url", url))
		if _, err := runGit(ctx, r, reposDir, 0, "clone", "--quiet", url, dest); err != nil {
			return "", fmt.Errorf("clone %s: %w", repo, err)
		}
	}

	if fresh || opts.Fetch {
		if err := ensureRefspec(ctx, r, dest); err != nil {
			return "", err
		}
		if _, err := runGit(ctx, r, dest, 0, "fetch", "--quiet", "--all", "--tags"); err != nil {
			return "", fmt.Errorf("fetch %s: %w", repo, err)
		}
	}
	return dest, nil
}

func ensureRefspec(ctx context.Context, r command.Runner, dir string) error {
	res, err := runGit(ctx, r, dir, 0, "config", "--get-all", "remote.origin.fetch")
	if err == nil && strings.Contains(res.Output, pullRefspec) {
		return nil
	}
	if _, err := runGit(ctx, r, dir, 0, "config", "--add", "remote.origin.fetch", pullRefspec); err != nil {
		return fmt.Errorf("configure pull refspec: %w", err)
	}
	return nil
}
