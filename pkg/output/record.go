// Package output provides the on-disk and on-stream formats of a run.
//
// Result records are written one per line to worker part files and merged
// into the final dataset. Each line is a self-contained JSON object holding
// the Change fields plus either labels or errors.
//
// Run-level status (summaries, worker exits, run errors) is emitted as typed
// record envelopes so consumers can tell it apart from dataset lines.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/testshift/pkg/classify"
	"github.com/3leaps/testshift/pkg/manifest"
)

// Record type constants define the envelope types for status output.
// These follow the pattern: testshift.<type>.v<version>
const (
	// TypeError identifies run-level error records.
	TypeError = "testshift.error.v1"

	// TypeProgress identifies progress update records.
	TypeProgress = "testshift.progress.v1"

	// TypeWorker identifies worker exit records.
	TypeWorker = "testshift.worker.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "testshift.summary.v1"
)

// Record is the envelope for status output.
type Record struct {
	// Type identifies the record type (e.g., "testshift.summary.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this run.
	RunID string `json:"run_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// ResultRecord is one line of the dataset: the Change as dispatched, with
// the resolved test command, plus labels on success or errors otherwise.
type ResultRecord struct {
	manifest.Change

	// Protocol is the classification protocol that produced the labels.
	Protocol string `json:"protocol,omitempty"`

	*classify.Labels

	// IgnoredTests are touched test paths that matched neither the unit
	// nor the integration convention.
	IgnoredTests []string `json:"ignored_tests,omitempty"`

	// Errors maps a stage name to a truncated log excerpt.
	Errors map[string]string `json:"errors,omitempty"`
}

// NewResultRecord assembles the dataset record for a classified Change.
// This is the single point where a classify.Result becomes output.
func NewResultRecord(c manifest.Change, res *classify.Result) *ResultRecord {
	rec := &ResultRecord{Change: c, Protocol: string(res.Protocol)}
	if res.Command != "" {
		rec.TestCommand = res.Command
	}
	if len(res.Selection.Ignored) > 0 {
		rec.IgnoredTests = append([]string(nil), res.Selection.Ignored...)
	}
	if len(res.Errors) > 0 {
		rec.Errors = make(map[string]string, len(res.Errors))
		for k, v := range res.Errors {
			rec.Errors[k] = v
		}
		return rec
	}
	rec.Labels = res.Labels
	return rec
}

// NewErrorRecord builds a record carrying a single stage error.
func NewErrorRecord(c manifest.Change, stage, text string) *ResultRecord {
	return &ResultRecord{Change: c, Errors: map[string]string{stage: text}}
}

// Key returns the Change key of the record.
func (r *ResultRecord) Key() string {
	return r.Change.Key()
}

// Status returns StatusSuccess when the record carries labels.
func (r *ResultRecord) Status() Status {
	if len(r.Errors) == 0 && r.Labels != nil {
		return StatusSuccess
	}
	return StatusFailure
}

// ErrorRecord is the data payload for run-level errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Worker is the worker index related to this error, if applicable.
	Worker *int `json:"worker,omitempty"`

	// Change is the Change key related to this error, if applicable.
	Change string `json:"change,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeWorkerStart indicates a worker could not be launched.
	ErrCodeWorkerStart = "WORKER_START"

	// ErrCodeWorkerExit indicates a worker exited non-zero.
	ErrCodeWorkerExit = "WORKER_EXIT"

	// ErrCodeMissingResult indicates a dispatched Change had no record.
	ErrCodeMissingResult = "MISSING_RESULT"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// ProgressRecord is the data payload for progress updates.
type ProgressRecord struct {
	// Phase indicates the current run phase.
	Phase string `json:"phase"`

	Total     int `json:"total"`
	Done      int `json:"done"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// Worker is the reporting worker index, if applicable.
	Worker *int `json:"worker,omitempty"`
}

// Progress phase constants.
const (
	PhaseStarting = "starting"
	PhaseRunning  = "running"
	PhaseMerging  = "merging"
	PhaseComplete = "complete"
)

// WorkerRecord is the data payload for a worker exit.
type WorkerRecord struct {
	Index     int    `json:"index"`
	Changes   int    `json:"changes"`
	Reported  int    `json:"reported"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	ExitCode  int    `json:"exit_code"`
	Error     string `json:"error,omitempty"`

	// Recovered is the number of records synthesized for Changes the
	// worker never wrote.
	Recovered int `json:"recovered,omitempty"`

	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
