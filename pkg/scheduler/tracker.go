package scheduler

import (
	"sync"
	"time"

	"github.com/3leaps/testshift/pkg/output"
)

// Worker lifecycle states reported in snapshots.
const (
	WorkerPending = "pending"
	WorkerRunning = "running"
	WorkerExited  = "exited"
	WorkerFailed  = "failed"
)

// WorkerProgress is one worker's view in a Snapshot.
type WorkerProgress struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	State     string `json:"state"`
	Total     int    `json:"total"`
	Done      int    `json:"done"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	LastKey   string `json:"last_change,omitempty"`
}

// Snapshot is a consistent copy of the run counters.
type Snapshot struct {
	Total     int              `json:"total"`
	Done      int              `json:"done"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Started   time.Time        `json:"started"`
	Workers   []WorkerProgress `json:"workers"`
}

// Remaining returns the number of Changes not yet reported.
func (s Snapshot) Remaining() int {
	return s.Total - s.Done
}

// Tracker keeps global and per-worker counters. Updates never block on
// consumers; readers take snapshots.
type Tracker struct {
	mu      sync.Mutex
	snap    Snapshot
	owner   map[string]int
	counted map[string]bool
}

// NewTracker creates a tracker for the given chunks of Change keys.
func NewTracker(chunks [][]string) *Tracker {
	t := &Tracker{
		owner:   make(map[string]int),
		counted: make(map[string]bool),
	}
	t.snap.Started = time.Now()
	for i, keys := range chunks {
		t.snap.Workers = append(t.snap.Workers, WorkerProgress{Index: i, State: WorkerPending, Total: len(keys)})
		t.snap.Total += len(keys)
		for _, k := range keys {
			t.owner[k] = i
		}
	}
	return t
}

// Started marks worker i as running under id (a pid or container name).
func (t *Tracker) Started(i int, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w := t.worker(i); w != nil {
		w.State = WorkerRunning
		w.ID = id
	}
}

// Record counts a completion event from worker i. Events for keys the
// worker does not own, or repeated events, are ignored and reported as
// not counted.
func (t *Tracker) Record(i int, e output.Event) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	owner, ok := t.owner[e.Key]
	if !ok || owner != i || t.counted[e.Key] {
		return t.copyLocked(), false
	}
	t.counted[e.Key] = true

	w := t.worker(i)
	w.Done++
	w.LastKey = e.Key
	t.snap.Done++
	if e.Status == output.StatusSuccess {
		w.Succeeded++
		t.snap.Succeeded++
	} else {
		w.Failed++
		t.snap.Failed++
	}
	return t.copyLocked(), true
}

// Exited records worker i's exit status.
func (t *Tracker) Exited(i int, code int, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.worker(i)
	if w == nil {
		return
	}
	c := code
	w.ExitCode = &c
	if failed {
		w.State = WorkerFailed
	} else {
		w.State = WorkerExited
	}
}

// Counted reports whether an event for key has been recorded.
func (t *Tracker) Counted(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counted[key]
}

// Snapshot returns a copy of the counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copyLocked()
}

func (t *Tracker) worker(i int) *WorkerProgress {
	if i < 0 || i >= len(t.snap.Workers) {
		return nil
	}
	return &t.snap.Workers[i]
}

func (t *Tracker) copyLocked() Snapshot {
	out := t.snap
	out.Workers = make([]WorkerProgress, len(t.snap.Workers))
	copy(out.Workers, t.snap.Workers)
	return out
}
