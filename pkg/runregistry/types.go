// Package runregistry persists one run.json per scheduler run so that
// live runs can be listed and stopped from another process.
package runregistry

import "time"

// RunState is the lifecycle state of a run.
//
// NOTE: These values are persisted in run.json.
type RunState string

const (
	RunStateRunning  RunState = "running"
	RunStateStopping RunState = "stopping"
	RunStateStopped  RunState = "stopped"
	RunStateSuccess  RunState = "success"
	RunStatePartial  RunState = "partial"
	RunStateFailed   RunState = "failed"
	RunStateUnknown  RunState = "unknown"
)

// Active reports whether a run may still have live processes.
func (s RunState) Active() bool {
	return s == RunStateRunning || s == RunStateStopping
}

// WorkerEntry records one worker of a run.
type WorkerEntry struct {
	Index     int    `json:"index"`
	PID       int    `json:"pid,omitempty"`
	Container string `json:"container,omitempty"`
	Changes   int    `json:"changes"`
	PartPath  string `json:"part_path"`
	LogPath   string `json:"log_path"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

// Counts mirrors the scheduler's progress counters.
type Counts struct {
	Total     int `json:"total"`
	Done      int `json:"done"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RunRecord is the persistent record written to run.json.
//
// Fields are only ever added.
type RunRecord struct {
	RunID        string   `json:"run_id"`
	Name         string   `json:"name,omitempty"`
	State        RunState `json:"state"`
	ManifestPath string   `json:"manifest_path"`
	RunDir       string   `json:"run_dir"`
	PID          int      `json:"pid,omitempty"`
	Mode         string   `json:"mode,omitempty"`
	Protocol     string   `json:"protocol,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	Workers []WorkerEntry `json:"workers,omitempty"`
	Counts  Counts        `json:"counts"`

	OutputPath  string `json:"output_path,omitempty"`
	PublishedTo string `json:"published_to,omitempty"`
	Error       string `json:"error,omitempty"`
}
