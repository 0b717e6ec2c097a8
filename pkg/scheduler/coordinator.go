package scheduler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/testshift/pkg/classify"
	"github.com/3leaps/testshift/pkg/manifest"
	"github.com/3leaps/testshift/pkg/output"
)

// ErrNoWorkersStarted is returned when every worker failed to launch.
var ErrNoWorkersStarted = errors.New("no worker could be started")

// Defaults for Config.
const (
	DefaultStopGrace    = 30 * time.Second
	DefaultDrainTimeout = 5 * time.Second
)

// Observer receives scheduler events. Calls come from per-worker
// goroutines and must not block.
type Observer interface {
	WorkerStarted(index int, id string, pid int)
	ChangeFinished(index int, e output.Event, snap Snapshot)
	WorkerExited(index int, res WorkerResult)
}

// Config configures a Scheduler.
type Config struct {
	RunID  string
	RunDir string

	// Workers is the requested parallelism.
	Workers int

	// InputsPath is the manifest every worker resolves its keys against.
	InputsPath string

	// WorkerTimeout kills a worker that runs longer. Zero disables it.
	WorkerTimeout time.Duration

	// StopGrace is the time between SIGTERM and SIGKILL.
	StopGrace time.Duration

	// KeepParts retains part files after a successful merge.
	KeepParts bool

	// WorkerArgs are passed through to every worker command line.
	WorkerArgs []string
}

// WorkerResult describes how one worker ended.
type WorkerResult struct {
	Index     int
	ID        string
	Keys      []string
	ExitCode  int
	Err       error
	Reported  int
	Recovered int
	Duration  time.Duration
}

// Failed reports whether the worker did not exit cleanly.
func (r WorkerResult) Failed() bool {
	return r.Err != nil || r.ExitCode != 0
}

// Result describes a finished run.
type Result struct {
	Workers   []WorkerResult
	Merge     *output.MergeStats
	FinalPath string
	Snapshot  Snapshot
	Duration  time.Duration
}

// Scheduler runs one batch of Changes across workers.
type Scheduler struct {
	cfg      Config
	launcher Launcher
	logger   *zap.Logger
	observer Observer
	tracker  *Tracker
	mu       sync.Mutex
}

// New returns a Scheduler. observer and logger may be nil.
func New(cfg Config, launcher Launcher, observer Observer, logger *zap.Logger) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, launcher: launcher, observer: observer, logger: logger}
}

// Tracker returns the live tracker once Run has partitioned the work.
func (s *Scheduler) Tracker() *Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker
}

// PartPath returns the part file of worker i.
func (s *Scheduler) PartPath(i int) string {
	return filepath.Join(s.cfg.RunDir, output.PartName(i))
}

// LogPath returns the log file of worker i.
func (s *Scheduler) LogPath(i int) string {
	return filepath.Join(s.cfg.RunDir, strings.TrimSuffix(output.PartName(i), ".jsonl")+".log")
}

// Run partitions changes, runs the workers to completion, fills in error
// records for Changes a worker never wrote, and merges the parts into
// final.jsonl. Cancelling ctx stops all workers; their unfinished Changes
// are recorded as scheduler errors and the merge still happens.
func (s *Scheduler) Run(ctx context.Context, changes []manifest.Change) (*Result, error) {
	start := time.Now()
	if err := os.MkdirAll(s.cfg.RunDir, 0o777); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	chunks := Partition(changes, s.cfg.Workers)
	keyChunks := make([][]string, len(chunks))
	for i, chunk := range chunks {
		for _, c := range chunk {
			keyChunks[i] = append(keyChunks[i], c.Key())
		}
	}
	tracker := NewTracker(keyChunks)
	s.mu.Lock()
	s.tracker = tracker
	s.mu.Unlock()

	s.logger.Info("Dispatching changes",
		zap.Int("changes", len(changes)),
		zap.Int("workers", len(chunks)),
		zap.Int("chunk_size", chunkSize(len(changes), s.cfg.Workers)))

	results := make([]WorkerResult, len(chunks))
	var wg sync.WaitGroup
	started := 0

	for i := range chunks {
		spec := WorkerSpec{
			Index:      i,
			RunID:      s.cfg.RunID,
			RunDir:     s.cfg.RunDir,
			InputsPath: s.cfg.InputsPath,
			PartPath:   s.PartPath(i),
			LogPath:    s.LogPath(i),
			Keys:       keyChunks[i],
			Args:       s.cfg.WorkerArgs,
		}
		results[i] = WorkerResult{Index: i, Keys: spec.Keys}

		// Parts are pre-created so the host owns them even when the
		// worker runs as another user.
		if pw, err := output.CreatePart(spec.PartPath); err == nil {
			_ = pw.Close()
		}

		proc, err := s.launcher.Launch(ctx, spec)
		if err != nil {
			s.logger.Error("Worker failed to start", zap.Int("worker", i), zap.Error(err))
			results[i].Err = fmt.Errorf("start: %w", err)
			results[i].ExitCode = -1
			tracker.Exited(i, -1, true)
			continue
		}
		started++

		results[i].ID = proc.ID()
		tracker.Started(i, proc.ID())
		if s.observer != nil {
			s.observer.WorkerStarted(i, proc.ID(), proc.PID())
		}
		s.logger.Info("Worker started",
			zap.Int("worker", i),
			zap.String("id", proc.ID()),
			zap.Int("changes", len(spec.Keys)))

		wg.Add(1)
		go func(i int, proc Process) {
			defer wg.Done()
			s.supervise(ctx, i, proc, tracker, &results[i])
		}(i, proc)
	}

	if started == 0 && len(chunks) > 0 {
		return nil, ErrNoWorkersStarted
	}
	wg.Wait()

	for i := range chunks {
		n, err := s.recoverMissing(chunks[i], &results[i], ctx.Err())
		if err != nil {
			return nil, fmt.Errorf("recover worker %d: %w", i, err)
		}
		results[i].Recovered = n
		if s.observer != nil {
			s.observer.WorkerExited(i, results[i])
		}
	}

	parts := make([]string, len(chunks))
	for i := range chunks {
		parts[i] = s.PartPath(i)
	}
	finalPath := filepath.Join(s.cfg.RunDir, output.FinalName)
	stats, err := output.Merge(finalPath, parts, s.cfg.KeepParts)
	if err != nil {
		return nil, fmt.Errorf("merge parts: %w", err)
	}
	s.logger.Info("Merged worker output",
		zap.String("path", finalPath),
		zap.Int("records", stats.Records),
		zap.Int("truncated_parts", stats.Truncated))

	return &Result{
		Workers:   results,
		Merge:     stats,
		FinalPath: finalPath,
		Snapshot:  tracker.Snapshot(),
		Duration:  time.Since(start),
	}, nil
}

// supervise streams a worker's output into the tracker, enforces the
// worker timeout and cancellation, and records the exit.
func (s *Scheduler) supervise(ctx context.Context, i int, proc Process, tracker *Tracker, res *WorkerResult) {
	start := time.Now()
	log := s.logger.With(zap.Int("worker", i))

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		sc := bufio.NewScanner(proc.Output())
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			e, ok := output.ParseEvent(line)
			if !ok {
				log.Debug(line)
				continue
			}
			snap, counted := tracker.Record(i, e)
			if !counted {
				log.Warn("Ignoring unexpected result event", zap.String("change", e.Key))
				continue
			}
			res.Reported++
			if s.observer != nil {
				s.observer.ChangeFinished(i, e, snap)
			}
		}
	}()

	waitDone := make(chan struct{})
	var code int
	var waitErr error
	go func() {
		defer close(waitDone)
		code, waitErr = proc.Wait()
	}()

	var timeout <-chan time.Time
	if s.cfg.WorkerTimeout > 0 {
		timer := time.NewTimer(s.cfg.WorkerTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-waitDone:
	case <-ctx.Done():
		log.Warn("Stopping worker", zap.String("reason", "cancelled"))
		s.stop(proc, waitDone)
	case <-timeout:
		log.Warn("Stopping worker", zap.String("reason", "timeout"), zap.Duration("timeout", s.cfg.WorkerTimeout))
		s.stop(proc, waitDone)
		res.Err = fmt.Errorf("worker timed out after %s", s.cfg.WorkerTimeout)
	}
	<-waitDone

	select {
	case <-scanDone:
	case <-time.After(DefaultDrainTimeout):
		log.Warn("Worker output still open after exit")
	}
	_ = proc.Output().Close()
	<-scanDone

	res.ExitCode = code
	if res.Err == nil {
		res.Err = waitErr
	}
	res.Duration = time.Since(start)
	tracker.Exited(i, code, res.Failed())

	fields := []zap.Field{
		zap.Int("exit_code", code),
		zap.Int("reported", res.Reported),
		zap.Int("assigned", len(res.Keys)),
		zap.Duration("duration", res.Duration),
	}
	if res.Failed() {
		log.Error("Worker exited abnormally", append(fields, zap.Error(res.Err))...)
	} else {
		log.Info("Worker exited", fields...)
	}
}

// stop sends SIGTERM, waits StopGrace, then SIGKILL.
func (s *Scheduler) stop(proc Process, waitDone <-chan struct{}) {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debug("SIGTERM failed", zap.String("id", proc.ID()), zap.Error(err))
	}
	select {
	case <-waitDone:
		return
	case <-time.After(s.cfg.StopGrace):
	}
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		s.logger.Debug("SIGKILL failed", zap.String("id", proc.ID()), zap.Error(err))
	}
}

// recoverMissing appends a scheduler error record to the worker's part for every
// assigned Change it did not write, and returns how many were added.
func (s *Scheduler) recoverMissing(chunk []manifest.Change, res *WorkerResult, cause error) (int, error) {
	path := s.PartPath(res.Index)
	pc, err := output.ReadPart(path)
	if err != nil {
		return 0, err
	}

	var missing []manifest.Change
	for _, c := range chunk {
		if !pc.Has(c.Key()) {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 && !pc.Truncated {
		return 0, nil
	}

	pw, err := output.OpenPart(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = pw.Close() }()

	reason := recoveryReason(res, cause)
	for _, c := range missing {
		if err := pw.Write(output.NewErrorRecord(c, classify.StageScheduler, reason)); err != nil {
			return 0, err
		}
	}
	if len(missing) > 0 {
		s.logger.Warn("Recorded unprocessed changes as errors",
			zap.Int("worker", res.Index),
			zap.Int("changes", len(missing)),
			zap.String("reason", reason))
	}
	return len(missing), nil
}

func recoveryReason(res *WorkerResult, cause error) string {
	switch {
	case cause != nil:
		return fmt.Sprintf("run stopped before worker %d processed this change: %v", res.Index, cause)
	case res.Err != nil:
		return fmt.Sprintf("worker %d did not process this change: %v (exit code %d)", res.Index, res.Err, res.ExitCode)
	default:
		return fmt.Sprintf("worker %d exited with code %d before processing this change", res.Index, res.ExitCode)
	}
}

func chunkSize(n, workers int) int {
	if workers < 1 {
		workers = 1
	}
	return (n + workers - 1) / workers
}
