package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// WorkerSpec describes one worker to launch.
type WorkerSpec struct {
	Index int

	// RunID names the run; container names derive from it.
	RunID string

	// RunDir is the host directory shared with the worker.
	RunDir string

	// InputsPath, PartPath and LogPath are host paths under RunDir.
	InputsPath string
	PartPath   string
	LogPath    string

	// Keys are the Change keys assigned to this worker, in order.
	Keys []string

	// Args are extra flags appended to the worker command line.
	Args []string
}

// Process is a launched worker.
type Process interface {
	// ID is a pid or container name, for display and the run registry.
	ID() string

	// PID is the local process id of the worker (or its docker client).
	PID() int

	// Output streams the worker's combined stdout and stderr. The caller
	// closes it once it has drained the stream.
	Output() io.ReadCloser

	// Wait blocks until the worker exits and returns its exit code.
	Wait() (int, error)

	// Signal delivers sig to the worker and its children.
	Signal(sig syscall.Signal) error
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, spec WorkerSpec) (Process, error)
}

// workerArgs builds the hidden worker subcommand line. Paths are mapped
// through rel so container launchers can rewrite host paths.
func workerArgs(spec WorkerSpec, rel func(string) string) []string {
	args := []string{
		"worker",
		"--index", strconv.Itoa(spec.Index),
		"--inputs", rel(spec.InputsPath),
		"--changes", strings.Join(spec.Keys, ","),
		"--part", rel(spec.PartPath),
		"--log", rel(spec.LogPath),
	}
	return append(args, spec.Args...)
}

// ProcessLauncher runs each worker as a child process of this binary.
type ProcessLauncher struct {
	// Executable is the binary to run. Empty means os.Executable().
	Executable string

	// Env is appended to the inherited environment.
	Env []string
}

// Launch starts the worker in its own process group.
func (l *ProcessLauncher) Launch(_ context.Context, spec WorkerSpec) (Process, error) {
	exe := l.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}

	cmd := exec.Command(exe, workerArgs(spec, func(p string) string { return p })...)
	cmd.Dir = spec.RunDir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return startProcess(cmd, "")
}

// DockerLauncher runs each worker in a disposable container that mounts
// the run directory at Workdir.
type DockerLauncher struct {
	// Docker is the docker CLI binary. Defaults to "docker".
	Docker string

	Image string

	// Workdir is where RunDir is mounted inside the container.
	Workdir string

	// CacheDir is a host dependency cache mounted read-write at CacheMount.
	CacheDir   string
	CacheMount string

	// DockerSocket mounts the host docker socket when set.
	DockerSocket string

	Privileged bool
	User       string
	Env        []string

	// Entrypoint is the worker binary inside the image.
	Entrypoint string
}

// DefaultContainerWorkdir is where the run directory is mounted.
const DefaultContainerWorkdir = "/workspace"

// ContainerName returns the container name of worker i in run runID.
func ContainerName(runID string, i int) string {
	return fmt.Sprintf("%s-worker-%d", runID, i)
}

// Args returns the docker CLI arguments for spec.
func (l *DockerLauncher) Args(spec WorkerSpec) ([]string, error) {
	if l.Image == "" {
		return nil, errors.New("docker launcher needs an image")
	}
	workdir := l.Workdir
	if workdir == "" {
		workdir = DefaultContainerWorkdir
	}
	hostRun, err := filepath.Abs(spec.RunDir)
	if err != nil {
		return nil, fmt.Errorf("resolve run dir: %w", err)
	}
	rel := func(p string) string {
		abs, err := filepath.Abs(p)
		if err != nil {
			return p
		}
		r, err := filepath.Rel(hostRun, abs)
		if err != nil || strings.HasPrefix(r, "..") {
			return p
		}
		return filepath.ToSlash(filepath.Join(workdir, r))
	}

	args := []string{"run", "--rm", "--name", ContainerName(spec.RunID, spec.Index)}
	if l.Privileged {
		args = append(args, "--privileged")
	}
	for _, e := range l.Env {
		args = append(args, "-e", e)
	}
	args = append(args, "-v", hostRun+":"+workdir+":rw")
	if l.CacheDir != "" && l.CacheMount != "" {
		args = append(args, "-v", l.CacheDir+":"+l.CacheMount+":rw")
	}
	if l.DockerSocket != "" {
		args = append(args, "-v", l.DockerSocket+":"+l.DockerSocket)
	}
	if l.User != "" {
		args = append(args, "-u", l.User)
	}
	args = append(args, "-w", workdir, l.Image)
	entry := l.Entrypoint
	if entry == "" {
		entry = "testshift"
	}
	args = append(args, entry)
	return append(args, workerArgs(spec, rel)...), nil
}

// Launch starts docker run for spec.
func (l *DockerLauncher) Launch(_ context.Context, spec WorkerSpec) (Process, error) {
	args, err := l.Args(spec)
	if err != nil {
		return nil, err
	}
	if l.CacheDir != "" {
		if err := os.MkdirAll(l.CacheDir, 0o777); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		_ = os.Chmod(l.CacheDir, 0o777)
	}
	docker := l.docker()
	cmd := exec.Command(docker, args...)
	cmd.Dir = spec.RunDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return startProcess(cmd, ContainerName(spec.RunID, spec.Index), func(sig syscall.Signal) error {
		return exec.Command(docker, "kill", "--signal", signalName(sig), ContainerName(spec.RunID, spec.Index)).Run()
	})
}

func (l *DockerLauncher) docker() string {
	if l.Docker == "" {
		return "docker"
	}
	return l.Docker
}

func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "KILL"
	case syscall.SIGINT:
		return "INT"
	default:
		return "TERM"
	}
}

// process is a Process backed by os/exec.
type process struct {
	cmd    *exec.Cmd
	id     string
	out    io.ReadCloser
	extra  func(syscall.Signal) error
	waitMu sync.Mutex
}

func startProcess(cmd *exec.Cmd, id string, extraSignal ...func(syscall.Signal) error) (*process, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	_ = pw.Close()

	p := &process{cmd: cmd, id: id, out: pr}
	if p.id == "" {
		p.id = strconv.Itoa(cmd.Process.Pid)
	}
	if len(extraSignal) > 0 {
		p.extra = extraSignal[0]
	}
	return p, nil
}

func (p *process) ID() string {
	return p.id
}

func (p *process) PID() int {
	return p.cmd.Process.Pid
}

func (p *process) Output() io.ReadCloser {
	return p.out
}

func (p *process) Wait() (int, error) {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *process) Signal(sig syscall.Signal) error {
	var errs []error
	if p.extra != nil {
		if err := p.extra(sig); err != nil {
			errs = append(errs, err)
		}
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
