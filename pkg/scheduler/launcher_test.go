package scheduler

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerArgs(t *testing.T) {
	spec := WorkerSpec{
		Index:      2,
		InputsPath: "/runs/r1/inputs.json",
		PartPath:   "/runs/r1/final.part02.jsonl",
		LogPath:    "/runs/r1/logs/worker-02.log",
		Keys:       []string{"pr-1", "pr-2"},
		Args:       []string{"--protocol", "two-state"},
	}
	got := workerArgs(spec, func(p string) string { return p })
	assert.Equal(t, []string{
		"worker",
		"--index", "2",
		"--inputs", "/runs/r1/inputs.json",
		"--changes", "pr-1,pr-2",
		"--part", "/runs/r1/final.part02.jsonl",
		"--log", "/runs/r1/logs/worker-02.log",
		"--protocol", "two-state",
	}, got)
}

func TestDockerLauncher_Args(t *testing.T) {
	runDir := t.TempDir()
	spec := WorkerSpec{
		Index:      1,
		RunID:      "run-demo-20261019",
		RunDir:     runDir,
		InputsPath: filepath.Join(runDir, "inputs.json"),
		PartPath:   filepath.Join(runDir, "final.part01.jsonl"),
		LogPath:    filepath.Join(runDir, "logs", "worker-01.log"),
		Keys:       []string{"7"},
	}
	l := &DockerLauncher{
		Image:        "testshift-worker:latest",
		CacheDir:     "/var/cache/m2",
		CacheMount:   "/root/.m2",
		DockerSocket: "/var/run/docker.sock",
		Privileged:   true,
		User:         "1000:1000",
		Env:          []string{"JAVA_HOME=/opt/jdk"},
	}

	args, err := l.Args(spec)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"run", "--rm", "--name", "run-demo-20261019-worker-1",
		"--privileged",
		"-e", "JAVA_HOME=/opt/jdk",
		"-v", runDir + ":/workspace:rw",
		"-v", "/var/cache/m2:/root/.m2:rw",
		"-v", "/var/run/docker.sock:/var/run/docker.sock",
		"-u", "1000:1000",
		"-w", "/workspace",
		"testshift-worker:latest",
		"testshift",
		"worker",
		"--index", "1",
		"--inputs", "/workspace/inputs.json",
		"--changes", "7",
		"--part", "/workspace/final.part01.jsonl",
		"--log", "/workspace/logs/worker-01.log",
	}, args)
}

func TestDockerLauncher_PathOutsideRunDirUnchanged(t *testing.T) {
	runDir := t.TempDir()
	l := &DockerLauncher{Image: "img", Workdir: "/w", Entrypoint: "/usr/local/bin/testshift"}
	args, err := l.Args(WorkerSpec{
		RunDir:     runDir,
		InputsPath: "/elsewhere/inputs.json",
		PartPath:   filepath.Join(runDir, "p.jsonl"),
		LogPath:    filepath.Join(runDir, "l.log"),
	})
	require.NoError(t, err)
	assert.Contains(t, args, "/elsewhere/inputs.json")
	assert.Contains(t, args, "/w/p.jsonl")
	assert.Contains(t, args, "/usr/local/bin/testshift")
	assert.NotContains(t, args, "--privileged")
}

func TestDockerLauncher_RequiresImage(t *testing.T) {
	_, err := (&DockerLauncher{}).Args(WorkerSpec{RunDir: t.TempDir()})
	assert.Error(t, err)
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "r-worker-0", ContainerName("r", 0))
}
