// Package worker processes a chunk of Changes sequentially against one
// working tree per repository, writing one result record per Change and
// announcing each completion on a line-oriented event stream.
package worker

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/testshift/pkg/classify"
	"github.com/3leaps/testshift/pkg/command"
	"github.com/3leaps/testshift/pkg/manifest"
	"github.com/3leaps/testshift/pkg/output"
	"github.com/3leaps/testshift/pkg/workspace"
)

// Sink receives finished records. output.PartWriter implements it.
type Sink interface {
	Write(rec *output.ResultRecord) error
}

// Classifier labels one Change. classify.Classifier implements it.
type Classifier interface {
	Protocol() classify.Protocol
	Classify(ctx context.Context, in classify.Input) *classify.Result
}

// ClassifierFactory builds a Classifier for a repository working tree.
type ClassifierFactory func(ws *workspace.Controller) Classifier

// Config configures a Worker.
type Config struct {
	// Index identifies the worker in logs.
	Index int

	// ReposDir holds one clone per repository.
	ReposDir string

	Clone        workspace.CloneOptions
	CleanIgnored bool
	GitTimeout   time.Duration
	OverlayBatch int

	Classify classify.Options
}

// Stats counts what a Worker has done.
type Stats struct {
	Processed int
	Succeeded int
	Failed    int
	Panics    int
}

// Worker runs Changes one at a time. It is not safe for concurrent use.
type Worker struct {
	cfg    Config
	runner command.Runner
	sink   Sink
	events io.Writer
	logger *zap.Logger

	newClassifier ClassifierFactory
	controllers   map[string]*workspace.Controller
	classifiers   map[string]Classifier

	eventsMu sync.Mutex
	stats    Stats
}

// Option configures a Worker.
type Option func(*Worker)

// WithClassifierFactory replaces the default classifier construction.
func WithClassifierFactory(f ClassifierFactory) Option {
	return func(w *Worker) {
		if f != nil {
			w.newClassifier = f
		}
	}
}

// New returns a Worker writing records to sink and events to events.
// events may be nil, including a nil pointer of a concrete writer type.
func New(cfg Config, runner command.Runner, sink Sink, events io.Writer, logger *zap.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if isNilWriter(events) {
		events = io.Discard
	}
	w := &Worker{
		cfg:         cfg,
		runner:      runner,
		sink:        sink,
		events:      events,
		logger:      logger.With(zap.Int("worker", cfg.Index)),
		controllers: make(map[string]*workspace.Controller),
		classifiers: make(map[string]Classifier),
	}
	w.newClassifier = func(ws *workspace.Controller) Classifier {
		return classify.New(ws, runner, cfg.Classify, w.logger)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Stats returns a snapshot of the counters.
func (w *Worker) Stats() Stats {
	return w.stats
}

// Run processes changes in order. Every Change that is started yields
// exactly one record. Run stops early only when ctx is cancelled or the
// sink fails; the returned error says which.
func (w *Worker) Run(ctx context.Context, changes []manifest.Change) error {
	w.logger.Info("Worker starting", zap.Int("changes", len(changes)))
	start := time.Now()

	for i := range changes {
		if err := ctx.Err(); err != nil {
			w.logger.Warn("Worker cancelled",
				zap.Int("processed", w.stats.Processed),
				zap.Int("remaining", len(changes)-i))
			return err
		}

		change := changes[i]
		rec := w.Process(ctx, change)
		if err := w.sink.Write(rec); err != nil {
			return fmt.Errorf("write result for %s: %w", change.Key(), err)
		}

		w.stats.Processed++
		status := rec.Status()
		if status == output.StatusSuccess {
			w.stats.Succeeded++
		} else {
			w.stats.Failed++
		}
		w.emit(output.Event{Key: change.Key(), Status: status})
	}

	w.logger.Info("Worker finished",
		zap.Int("processed", w.stats.Processed),
		zap.Int("succeeded", w.stats.Succeeded),
		zap.Int("failed", w.stats.Failed),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Process classifies one Change and assembles its record. A panic while
// classifying becomes a runner error on that Change.
func (w *Worker) Process(ctx context.Context, change manifest.Change) *output.ResultRecord {
	return output.NewResultRecord(change, w.classify(ctx, change))
}

func (w *Worker) classify(ctx context.Context, change manifest.Change) (res *classify.Result) {
	defer func() {
		if r := recover(); r != nil {
			w.stats.Panics++
			w.logger.Error("Change panicked",
				zap.String("change", change.Key()),
				zap.Any("panic", r))
			res = &classify.Result{Protocol: w.protocol()}
			res.Fail(classify.StageRunner, command.Excerpt(
				fmt.Sprintf("panic: %v\n%s", r, debug.Stack()), w.excerptBytes()))
		}
	}()

	c, err := w.classifierFor(ctx, change.Repository)
	if err != nil {
		res = &classify.Result{Protocol: w.protocol()}
		res.Fail(classify.StageEnvironment, command.Excerpt(err.Error(), w.excerptBytes()))
		w.logger.Error("Repository unavailable",
			zap.String("change", change.Key()),
			zap.String("repository", change.Repository),
			zap.Error(err))
		return res
	}

	return c.Classify(ctx, classify.Input{
		Key:             change.Key(),
		BaseCommit:      change.BaseCommit,
		HeadCommit:      change.HeadCommit,
		CommandTemplate: change.TestCommand,
		TouchedPaths:    change.Paths(),
		ReportPatterns:  change.TestReportGlobPatterns,
	})
}

// classifierFor returns the classifier bound to repo's clone, cloning it
// on first use.
func (w *Worker) classifierFor(ctx context.Context, repo string) (Classifier, error) {
	if c, ok := w.classifiers[repo]; ok {
		return c, nil
	}

	cloneOpts := w.cfg.Clone
	if cloneOpts.Logger == nil {
		cloneOpts.Logger = w.logger
	}
	dir, err := workspace.EnsureClone(ctx, w.runner, w.cfg.ReposDir, repo, cloneOpts)
	if err != nil {
		return nil, err
	}

	ws := workspace.New(dir, w.runner,
		workspace.WithCleanIgnored(w.cfg.CleanIgnored),
		workspace.WithGitTimeout(w.cfg.GitTimeout),
		workspace.WithOverlayBatch(w.cfg.OverlayBatch),
		workspace.WithLogger(w.logger))
	c := w.newClassifier(ws)
	w.controllers[repo] = ws
	w.classifiers[repo] = c
	return c, nil
}

func (w *Worker) emit(e output.Event) {
	w.eventsMu.Lock()
	defer w.eventsMu.Unlock()
	_, _ = fmt.Fprintln(w.events, output.FormatEvent(e))
}

func isNilWriter(w io.Writer) bool {
	if w == nil {
		return true
	}
	v := reflect.ValueOf(w)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

func (w *Worker) protocol() classify.Protocol {
	if w.cfg.Classify.Protocol == "" {
		return classify.DefaultProtocol
	}
	return w.cfg.Classify.Protocol
}

func (w *Worker) excerptBytes() int {
	if w.cfg.Classify.ExcerptBytes > 0 {
		return w.cfg.Classify.ExcerptBytes
	}
	return classify.DefaultExcerptBytes
}
