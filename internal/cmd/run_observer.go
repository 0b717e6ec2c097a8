package cmd

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/testshift/pkg/output"
	"github.com/3leaps/testshift/pkg/progress"
	"github.com/3leaps/testshift/pkg/runregistry"
	"github.com/3leaps/testshift/pkg/scheduler"
)

// runObserver fans scheduler events out to the terminal display, the run
// registry record and the run's status log.
type runObserver struct {
	ctx       context.Context
	store     *runregistry.Store
	status    *output.JSONLWriter
	display   *progress.Display
	tracker   func() *scheduler.Tracker
	container bool
	logger    *zap.Logger

	mu  sync.Mutex
	rec *runregistry.RunRecord
}

var _ scheduler.Observer = (*runObserver)(nil)

func newRunObserver(ctx context.Context, store *runregistry.Store, rec *runregistry.RunRecord, status *output.JSONLWriter,
	display *progress.Display, tracker func() *scheduler.Tracker, container bool, logger *zap.Logger) *runObserver {
	return &runObserver{
		ctx:       context.WithoutCancel(ctx),
		store:     store,
		status:    status,
		display:   display,
		tracker:   tracker,
		container: container,
		logger:    logger,
		rec:       rec,
	}
}

func (o *runObserver) WorkerStarted(index int, id string, pid int) {
	o.mu.Lock()
	if w := o.worker(index); w != nil {
		w.PID = pid
		if o.container {
			w.Container = id
		}
	}
	o.writeLocked()
	o.mu.Unlock()

	if o.display != nil {
		o.display.WorkerStarted(index, id, pid)
	}
}

func (o *runObserver) ChangeFinished(index int, e output.Event, snap scheduler.Snapshot) {
	o.mu.Lock()
	o.rec.Counts = runregistry.Counts{
		Total:     snap.Total,
		Done:      snap.Done,
		Succeeded: snap.Succeeded,
		Failed:    snap.Failed,
	}
	o.writeLocked()
	o.mu.Unlock()

	i := index
	_ = o.status.WriteProgress(o.ctx, &output.ProgressRecord{
		Phase:     output.PhaseRunning,
		Total:     snap.Total,
		Done:      snap.Done,
		Succeeded: snap.Succeeded,
		Failed:    snap.Failed,
		Worker:    &i,
	})
	if o.display != nil {
		o.display.ChangeFinished(index, e, snap)
	}
}

func (o *runObserver) WorkerExited(index int, res scheduler.WorkerResult) {
	wr := &output.WorkerRecord{
		Index:     index,
		Changes:   len(res.Keys),
		Reported:  res.Reported,
		ExitCode:  res.ExitCode,
		Recovered: res.Recovered,
	}
	if res.Err != nil {
		wr.Error = res.Err.Error()
	}
	if t := o.tracker(); t != nil {
		snap := t.Snapshot()
		if index < len(snap.Workers) {
			wr.Succeeded = snap.Workers[index].Succeeded
			wr.Failed = snap.Workers[index].Failed
		}
	}
	wr.Duration = res.Duration
	wr.DurationHuman = res.Duration.Round(time.Millisecond).String()
	_ = o.status.WriteWorker(o.ctx, wr)

	if res.Failed() {
		i := index
		code := output.ErrCodeWorkerExit
		if res.ExitCode == -1 && res.ID == "" {
			code = output.ErrCodeWorkerStart
		}
		_ = o.status.WriteError(o.ctx, &output.ErrorRecord{
			Code:    code,
			Message: wr.Error,
			Worker:  &i,
			Details: map[string]any{"exit_code": res.ExitCode, "recovered": res.Recovered},
		})
	}

	o.mu.Lock()
	if w := o.worker(index); w != nil {
		code := res.ExitCode
		w.ExitCode = &code
	}
	o.writeLocked()
	o.mu.Unlock()

	if o.display != nil {
		o.display.WorkerExited(index, res)
	}
}

func (o *runObserver) publishedTo(location string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rec.PublishedTo = location
}

// finish records the terminal state of the run.
func (o *runObserver) finish(state runregistry.RunState, errText, outputPath string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now().UTC()
	o.rec.State = state
	o.rec.EndedAt = &now
	o.rec.Error = errText
	o.rec.OutputPath = outputPath
	o.writeLocked()
}

func (o *runObserver) worker(index int) *runregistry.WorkerEntry {
	if index < 0 || index >= len(o.rec.Workers) {
		return nil
	}
	return &o.rec.Workers[index]
}

func (o *runObserver) writeLocked() {
	now := time.Now().UTC()
	o.rec.LastHeartbeat = &now
	if err := o.store.Write(o.rec); err != nil {
		o.logger.Warn("Failed to update run record", zap.String("run_id", o.rec.RunID), zap.Error(err))
	}
}
