// Package command runs external processes (git, the project's test command,
// docker) and captures a bounded tail of their combined output.
//
// Only process start failures are returned as errors. A non-zero exit,
// timeout, or cancellation is reported in Result so callers decide what it
// means for their stage.
package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// GracePeriod is the time between SIGINT and SIGKILL when terminating a
// process group on timeout or cancellation.
const GracePeriod = 3 * time.Second

// drainTimeout bounds how long output is read after the process exits.
const drainTimeout = 2 * time.Second

// RunOpts configures a single process invocation.
type RunOpts struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is the full environment. Nil inherits the parent environment.
	Env []string

	// Timeout bounds the run. Zero means no timeout beyond ctx.
	Timeout time.Duration

	// TailLines is the number of output lines retained. Zero uses DefaultTailLines.
	TailLines int

	// OnLine, when set, receives every output line as it is produced.
	OnLine func(line string)
}

// Result describes a finished process.
type Result struct {
	// ExitCode is the process exit status, or -1 when killed by a signal.
	ExitCode int

	// Output is the retained tail of combined stdout/stderr.
	Output string

	// Lines is the total number of output lines produced.
	Lines int

	// Duration is the wall time of the run.
	Duration time.Duration

	// TimedOut is set when Timeout fired.
	TimedOut bool

	// Cancelled is set when the parent context was cancelled.
	Cancelled bool
}

// OK reports whether the process exited with status zero.
func (r *Result) OK() bool {
	return r != nil && r.ExitCode == 0 && !r.TimedOut && !r.Cancelled
}

// StartError is returned when a process could not be started.
type StartError struct {
	Name string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Name, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, name string, args []string, opts RunOpts) (*Result, error)
}

// Exec is the os/exec backed Runner.
type Exec struct{}

var _ Runner = Exec{}

// Run starts name with args in its own process group, streams combined
// output through the tail buffer, and waits for it to exit.
func (Exec) Run(ctx context.Context, name string, args []string, opts RunOpts) (*Result, error) {
	runCtx := ctx
	cancel := func() {}
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &StartError{Name: name, Err: err}
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	devnull, err := os.Open(os.DevNull)
	if err == nil {
		cmd.Stdin = devnull
		defer func() { _ = devnull.Close() }()
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, &StartError{Name: name, Err: err}
	}
	// The child holds its own copy of the write end.
	_ = pw.Close()

	tail := NewTail(opts.TailLines)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readLines(pr, func(line string) {
			tail.Add(line)
			if opts.OnLine != nil {
				opts.OnLine(line)
			}
		})
	}()

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- cmd.Wait()
	}()

	res := &Result{}
	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-runCtx.Done():
		if ctx.Err() != nil {
			res.Cancelled = true
		} else {
			res.TimedOut = true
		}
		waitErr = killProcessGroup(cmd.Process.Pid, waitDone)
	}

	// Daemons forked by the command may keep the pipe open after it exits.
	select {
	case <-readDone:
	case <-time.After(drainTimeout):
		_ = pr.Close()
		<-readDone
	}
	_ = pr.Close()

	res.Duration = time.Since(start)
	res.Output = tail.String()
	res.Lines = tail.Total()
	res.ExitCode = exitCode(waitErr)
	return res, nil
}

func readLines(r io.Reader, fn func(string)) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			fn(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			return
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return -1
		}
		return exitErr.ExitCode()
	}
	return -1
}

// killProcessGroup sends SIGINT to the process group, waits up to
// GracePeriod for the leader to exit, then sends SIGKILL.
func killProcessGroup(pgid int, waitDone <-chan error) error {
	_ = syscall.Kill(-pgid, syscall.SIGINT)
	select {
	case err := <-waitDone:
		return err
	case <-time.After(GracePeriod):
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
	return <-waitDone
}

// Shell runs script through shell -lc.
func Shell(ctx context.Context, r Runner, shell, script string, opts RunOpts) (*Result, error) {
	if strings.TrimSpace(shell) == "" {
		shell = "bash"
	}
	return r.Run(ctx, shell, []string{"-lc", script}, opts)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, name string, args []string, opts RunOpts) (*Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, name string, args []string, opts RunOpts) (*Result, error) {
	return f(ctx, name, args, opts)
}
