package runregistry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/3leaps/testshift/pkg/command"
)

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 30 * time.Second

// StopOptions configures Stop.
type StopOptions struct {
	// Signal is SIGTERM (escalates to SIGKILL after Grace) or SIGKILL.
	Signal syscall.Signal
	Grace  time.Duration

	// Runner executes docker kill for container workers.
	Runner command.Runner
	Docker string
}

// StopReport describes what Stop did.
type StopReport struct {
	Signalled []string
	Forced    bool
}

// ParseSignal maps "term" and "kill" to signals.
func ParseSignal(s string) (syscall.Signal, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "term", "sigterm":
		return syscall.SIGTERM, nil
	case "kill", "sigkill":
		return syscall.SIGKILL, nil
	default:
		return 0, fmt.Errorf("unsupported signal %q (want term or kill)", s)
	}
}

// Stop terminates the coordinator and every worker of an active run. Part
// files already flushed by workers are left untouched.
func (s *Store) Stop(ctx context.Context, runID string, opts StopOptions) (*StopReport, error) {
	rec, err := s.Get(runID)
	if err != nil {
		return nil, err
	}
	if !rec.State.Active() {
		return nil, fmt.Errorf("run is not running (state=%s)", rec.State)
	}
	if opts.Signal == 0 {
		opts.Signal = syscall.SIGTERM
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultStopGrace
	}
	if opts.Runner == nil {
		opts.Runner = &command.Exec{}
	}
	if opts.Docker == "" {
		opts.Docker = "docker"
	}

	now := time.Now().UTC()
	rec.State = RunStateStopping
	rec.LastHeartbeat = &now
	_ = s.Write(rec)

	report := &StopReport{}
	report.Signalled = signalAll(ctx, rec, opts, opts.Signal)

	if opts.Signal == syscall.SIGTERM && !waitGone(ctx, rec, opts.Grace) {
		signalAll(ctx, rec, opts, syscall.SIGKILL)
		report.Forced = true
	}

	now = time.Now().UTC()
	rec.State = RunStateStopped
	rec.EndedAt = &now
	rec.LastHeartbeat = &now
	if err := s.Write(rec); err != nil {
		return report, err
	}
	return report, nil
}

func signalAll(ctx context.Context, rec *RunRecord, opts StopOptions, sig syscall.Signal) []string {
	var done []string
	for _, w := range rec.Workers {
		if w.ExitCode != nil {
			continue
		}
		if w.Container != "" {
			res, err := opts.Runner.Run(ctx, opts.Docker, []string{"kill", "--signal", signalName(sig), w.Container}, command.RunOpts{Timeout: 30 * time.Second})
			if err == nil && res.OK() {
				done = append(done, w.Container)
			}
			continue
		}
		if signalPID(w.PID, sig) == nil {
			done = append(done, fmt.Sprintf("pid %d", w.PID))
		}
	}
	if signalPID(rec.PID, sig) == nil {
		done = append(done, fmt.Sprintf("pid %d", rec.PID))
	}
	return done
}

// signalPID signals pid's process group, falling back to the process.
func signalPID(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return errors.New("no pid")
	}
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

func waitGone(ctx context.Context, rec *RunRecord, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !anyAlive(rec) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(250 * time.Millisecond):
		}
	}
	return !anyAlive(rec)
}

func anyAlive(rec *RunRecord) bool {
	if IsProcessAlive(rec.PID) {
		return true
	}
	for _, w := range rec.Workers {
		if w.ExitCode == nil && IsProcessAlive(w.PID) {
			return true
		}
	}
	return false
}

func signalName(sig syscall.Signal) string {
	if sig == syscall.SIGKILL {
		return "KILL"
	}
	return "TERM"
}
