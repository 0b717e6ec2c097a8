package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/testshift/pkg/manifest"
	"github.com/3leaps/testshift/pkg/runregistry"
	"github.com/3leaps/testshift/pkg/scheduler"
)

func TestSanitizeRunName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"widgets", "widgets"},
		{"Spring Boot", "spring-boot"},
		{"../etc/passwd", "etc-passwd"},
		{"a__b.c-d", "a__b.c-d"},
		{"   ", "changes"},
		{"!!!", "changes"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeRunName(tt.in))
		})
	}
}

func TestCreateRunDir(t *testing.T) {
	root := filepath.Join(t.TempDir(), "runs")
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	id, dir, err := createRunDir(root, "Widgets", now)
	require.NoError(t, err)
	assert.Equal(t, "run-widgets-2026-03-04_05-06-07", id)
	assert.Equal(t, filepath.Join(root, id), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o777), info.Mode().Perm())

	t.Run("same second gets a suffix", func(t *testing.T) {
		id2, dir2, err := createRunDir(root, "Widgets", now)
		require.NoError(t, err)
		assert.NotEqual(t, id, id2)
		assert.True(t, strings.HasPrefix(id2, id+"-"))
		assert.DirExists(t, dir2)
	})

	t.Run("empty root", func(t *testing.T) {
		_, _, err := createRunDir("", "x", now)
		assert.Error(t, err)
	})
}

func TestLoadManifest(t *testing.T) {
	dir, _ := isolate(t, nil)
	path := writeManifest(t, dir)

	t.Run("all changes", func(t *testing.T) {
		m, err := loadManifest(path, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"7", "8", "9"}, m.Keys())
	})

	t.Run("selected changes keep requested order", func(t *testing.T) {
		m, err := loadManifest(path, "9, 7")
		require.NoError(t, err)
		assert.Equal(t, []string{"9", "7"}, m.Keys())
	})

	t.Run("unknown change", func(t *testing.T) {
		_, err := loadManifest(path, "7,42")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Invalid --changes value")
	})

	t.Run("missing manifest", func(t *testing.T) {
		_, err := loadManifest(filepath.Join(dir, "missing.yaml"), "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Manifest not found")
	})
}

func TestNewLauncher(t *testing.T) {
	_, cfg := isolate(t, nil)

	l, mode, err := newLauncher(cfg)
	require.NoError(t, err)
	assert.Equal(t, modeProcess, mode)
	assert.IsType(t, &scheduler.ProcessLauncher{}, l)

	cfg.Container.Enabled = true
	_, _, err = newLauncher(cfg)
	require.Error(t, err, "image is required")

	cfg.Container.Image = "ghcr.io/acme/testshift-jdk17:latest"
	l, mode, err = newLauncher(cfg)
	require.NoError(t, err)
	assert.Equal(t, modeDocker, mode)
	dl, ok := l.(*scheduler.DockerLauncher)
	require.True(t, ok)
	assert.Equal(t, cfg.Container.Image, dl.Image)
	assert.Equal(t, cfg.Paths.CacheDir, dl.CacheDir)
	assert.Equal(t, "/root/.m2", dl.CacheMount)
	assert.Equal(t, "testshift", dl.Entrypoint)
}

func TestWorkerForwardArgs(t *testing.T) {
	_, cfg := isolate(t, map[string]any{
		"classify.protocol":   "two-state",
		"git.remote_template": "file:///mirror/{repo}",
		"git.overlay_batch":   50,
	})

	args := workerForwardArgs(cfg, false)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--protocol two-state")
	assert.Contains(t, joined, "--failure-policy reports")
	assert.Contains(t, joined, "--remote-template file:///mirror/{repo}")
	assert.Contains(t, joined, "--overlay-batch 50")
	assert.Contains(t, joined, "--repos-dir "+cfg.Paths.ReposDir)

	container := strings.Join(workerForwardArgs(cfg, true), " ")
	assert.NotContains(t, container, "--repos-dir", "containers clone into their own filesystem")

	// Every forwarded flag must parse on the worker verb.
	fs := workerCmd.Flags()
	for i := 0; i < len(args); i += 2 {
		name := strings.TrimPrefix(args[i], "--")
		if fs.Lookup(name) == nil {
			assert.NotNil(t, workerCmd.InheritedFlags().Lookup(name), name)
		}
	}
}

func TestRunState(t *testing.T) {
	ok := scheduler.WorkerResult{Index: 0}
	crashed := scheduler.WorkerResult{Index: 1, ExitCode: 137, Recovered: 2}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		res  *scheduler.Result
		want runregistry.RunState
	}{
		{"clean", context.Background(), &scheduler.Result{Workers: []scheduler.WorkerResult{ok}}, runregistry.RunStateSuccess},
		{"crash", context.Background(), &scheduler.Result{Workers: []scheduler.WorkerResult{ok, crashed}}, runregistry.RunStatePartial},
		{"start failure", context.Background(), &scheduler.Result{Workers: []scheduler.WorkerResult{{ExitCode: -1, Err: errors.New("start")}}}, runregistry.RunStatePartial},
		{"cancelled", cancelled, &scheduler.Result{Workers: []scheduler.WorkerResult{ok}}, runregistry.RunStateStopped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, runState(tt.ctx, tt.res))
		})
	}
}

func TestShowRunPlan(t *testing.T) {
	dir, cfg := isolate(t, map[string]any{"workers": 2})
	m, err := manifest.Load(writeManifest(t, dir))
	require.NoError(t, err)

	assert.NoError(t, showRunPlan(cfg, m))
}

func TestPublishOutput_File(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "final.jsonl")
	require.NoError(t, os.WriteFile(final, []byte(`{"pr_number":7}`+"\n"), 0o644))

	dest := filepath.Join(dir, "published")
	loc, err := publishOutput(context.Background(), "file://"+dest, final, "run-widgets-1")
	require.NoError(t, err)
	assert.Contains(t, loc, "run-widgets-1")

	data, err := os.ReadFile(filepath.Join(dest, "run-widgets-1", "final.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, `{"pr_number":7}`+"\n", string(data))
}
