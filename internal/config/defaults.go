package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/3leaps/testshift/pkg/classify"
	"github.com/3leaps/testshift/pkg/command"
	"github.com/3leaps/testshift/pkg/workspace"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "CONSOLE")

	v.SetDefault("workers", 4)

	base := defaultDataDir()
	v.SetDefault("paths.runs_dir", filepath.Join(base, "runs"))
	v.SetDefault("paths.repos_dir", filepath.Join(base, "repos"))
	v.SetDefault("paths.cache_dir", filepath.Join(base, "cache"))

	v.SetDefault("git.remote_template", workspace.DefaultCloneURL)
	v.SetDefault("git.overlay_batch", workspace.OverlayBatchSize)
	v.SetDefault("git.clean_ignored", false)
	v.SetDefault("git.fetch_pull_refs", false)
	v.SetDefault("git.timeout", workspace.DefaultGitTimeout)

	v.SetDefault("runner.shell", "bash")
	v.SetDefault("runner.tail_lines", command.DefaultTailLines)
	v.SetDefault("runner.timeout", 2*time.Hour)
	v.SetDefault("runner.error_excerpt", classify.DefaultExcerptBytes)
	v.SetDefault("runner.failure_policy", string(classify.PolicyReports))
	v.SetDefault("runner.env", []string{})

	v.SetDefault("classify.protocol", string(classify.DefaultProtocol))

	v.SetDefault("scheduler.worker_timeout", time.Duration(0))
	v.SetDefault("scheduler.stop_grace", 30*time.Second)
	v.SetDefault("scheduler.keep_parts", false)

	v.SetDefault("container.enabled", false)
	v.SetDefault("container.docker", "docker")
	v.SetDefault("container.image", "")
	v.SetDefault("container.binary", "testshift")
	v.SetDefault("container.cache_mount", "/root/.m2")
	v.SetDefault("container.user", "")
	v.SetDefault("container.privileged", false)
	v.SetDefault("container.docker_socket", "")
	v.SetDefault("container.env", []string{})

	v.SetDefault("status.addr", "")
	v.SetDefault("publish.destination", "")

	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.refresh_per_second", 4.0)
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "testshift")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "share", "testshift")
	}
	return filepath.Join(os.TempDir(), "testshift")
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if _, err := classify.ParseProtocol(c.Classify.Protocol); err != nil {
		return err
	}
	if _, err := classify.ParseFailurePolicy(c.Runner.FailurePolicy); err != nil {
		return err
	}
	if c.Git.OverlayBatch < 1 {
		return fmt.Errorf("git.overlay_batch must be at least 1, got %d", c.Git.OverlayBatch)
	}
	if !strings.Contains(c.Git.RemoteTemplate, "{repo}") {
		return fmt.Errorf("git.remote_template must contain {repo}: %q", c.Git.RemoteTemplate)
	}
	if c.Container.Enabled && strings.TrimSpace(c.Container.Image) == "" {
		return fmt.Errorf("container.image is required when container.enabled is set")
	}
	switch strings.ToUpper(c.Logging.Profile) {
	case "STRUCTURED", "CONSOLE":
	default:
		return fmt.Errorf("logging.profile must be STRUCTURED or CONSOLE, got %q", c.Logging.Profile)
	}
	return nil
}

// ClassifyOptions converts runner and classify settings. runner.env
// entries are added to the inherited environment.
func (c *Config) ClassifyOptions() classify.Options {
	protocol, _ := classify.ParseProtocol(c.Classify.Protocol)
	policy, _ := classify.ParseFailurePolicy(c.Runner.FailurePolicy)
	var env []string
	if len(c.Runner.Env) > 0 {
		env = append(os.Environ(), c.Runner.Env...)
	}
	return classify.Options{
		Protocol:      protocol,
		FailurePolicy: policy,
		Shell:         c.Runner.Shell,
		TestTimeout:   c.Runner.Timeout,
		TailLines:     c.Runner.TailLines,
		ExcerptBytes:  c.Runner.ErrorExcerpt,
		Env:           env,
	}
}
