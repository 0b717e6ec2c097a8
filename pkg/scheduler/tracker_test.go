package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/testshift/pkg/output"
)

func TestTracker_Record(t *testing.T) {
	tr := NewTracker([][]string{{"a", "b"}, {"c"}})

	snap := tr.Snapshot()
	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, 3, snap.Remaining())
	require.Len(t, snap.Workers, 2)
	assert.Equal(t, WorkerPending, snap.Workers[0].State)

	tr.Started(0, "123")
	snap, ok := tr.Record(0, output.Event{Key: "a", Status: output.StatusSuccess})
	require.True(t, ok)
	assert.Equal(t, 1, snap.Done)
	assert.Equal(t, 1, snap.Succeeded)
	assert.Equal(t, WorkerRunning, snap.Workers[0].State)
	assert.Equal(t, "a", snap.Workers[0].LastKey)

	snap, ok = tr.Record(1, output.Event{Key: "c", Status: output.StatusFailure})
	require.True(t, ok)
	assert.Equal(t, 2, snap.Done)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Workers[1].Failed)
	assert.True(t, tr.Counted("c"))
	assert.False(t, tr.Counted("b"))
}

func TestTracker_IgnoresUnexpectedEvents(t *testing.T) {
	tr := NewTracker([][]string{{"a"}, {"b"}})

	_, ok := tr.Record(0, output.Event{Key: "a", Status: output.StatusSuccess})
	require.True(t, ok)

	tests := []struct {
		name   string
		worker int
		key    string
	}{
		{"duplicate", 0, "a"},
		{"unknown key", 0, "zzz"},
		{"other worker's key", 0, "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, ok := tr.Record(tt.worker, output.Event{Key: tt.key, Status: output.StatusSuccess})
			assert.False(t, ok)
			assert.Equal(t, 1, snap.Done)
		})
	}
}

func TestTracker_Exited(t *testing.T) {
	tr := NewTracker([][]string{{"a"}, {"b"}})
	tr.Exited(0, 0, false)
	tr.Exited(1, 137, true)
	tr.Exited(7, 1, true)

	snap := tr.Snapshot()
	assert.Equal(t, WorkerExited, snap.Workers[0].State)
	assert.Equal(t, WorkerFailed, snap.Workers[1].State)
	require.NotNil(t, snap.Workers[1].ExitCode)
	assert.Equal(t, 137, *snap.Workers[1].ExitCode)
}

func TestTracker_SnapshotIsCopy(t *testing.T) {
	tr := NewTracker([][]string{{"a"}})
	snap := tr.Snapshot()
	snap.Workers[0].Done = 42
	assert.Equal(t, 0, tr.Snapshot().Workers[0].Done)
}
