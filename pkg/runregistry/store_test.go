package runregistry

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_WriteGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	code := 0
	rec := &RunRecord{
		RunID:        "run-demo-2026-10-19_12-00-00",
		Name:         "demo",
		State:        RunStateSuccess,
		ManifestPath: "/tmp/changes.yaml",
		CreatedAt:    now,
		StartedAt:    &now,
		Workers: []WorkerEntry{
			{Index: 0, Container: "run-demo-worker-0", Changes: 3, ExitCode: &code},
		},
		Counts: Counts{Total: 3, Done: 3, Succeeded: 2, Failed: 1},
	}

	if err := s.Write(rec); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got, err := s.Get(rec.RunID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.RunID != rec.RunID {
		t.Fatalf("run_id mismatch: got=%q want=%q", got.RunID, rec.RunID)
	}
	if got.State != rec.State {
		t.Fatalf("state mismatch: got=%q want=%q", got.State, rec.State)
	}
	if len(got.Workers) != 1 || got.Workers[0].Container != "run-demo-worker-0" {
		t.Fatalf("workers not persisted: %+v", got.Workers)
	}
	if got.Counts.Failed != 1 {
		t.Fatalf("counts not persisted: %+v", got.Counts)
	}
}

func TestStore_ListSortsNewestFirst(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	t1 := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 10, 19, 13, 0, 0, 0, time.UTC)

	if err := s.Write(&RunRecord{RunID: "run-a", State: RunStateSuccess, CreatedAt: t1, StartedAt: &t1}); err != nil {
		t.Fatalf("Write run-a: %v", err)
	}
	if err := s.Write(&RunRecord{RunID: "run-b", State: RunStateSuccess, CreatedAt: t2, StartedAt: &t2}); err != nil {
		t.Fatalf("Write run-b: %v", err)
	}
	// Directories without run.json are skipped.
	if err := os.MkdirAll(s.RunDir("scratch"), 0755); err != nil {
		t.Fatal(err)
	}

	got, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unexpected run count: %d", len(got))
	}
	if got[0].RunID != "run-b" {
		t.Fatalf("expected newest first, got[0]=%q", got[0].RunID)
	}
}

func TestStore_ListMissingRoot(t *testing.T) {
	got, err := NewStore(t.TempDir() + "/nope").List()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_GetMarksDeadRunUnknown(t *testing.T) {
	s := NewStore(t.TempDir())

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("true not available: %v", err)
	}
	deadPID := cmd.Process.Pid

	require.NoError(t, s.Write(&RunRecord{RunID: "run-x", State: RunStateRunning, PID: deadPID, CreatedAt: time.Now()}))

	got, err := s.Get("run-x")
	require.NoError(t, err)
	assert.Equal(t, RunStateUnknown, got.State)
	assert.NotNil(t, got.LastHeartbeat)
}

func TestStore_Resolve(t *testing.T) {
	s := NewStore(t.TempDir())
	now := time.Now()
	for _, id := range []string{"run-alpha-1", "run-alpha-2", "run-beta-1"} {
		require.NoError(t, s.Write(&RunRecord{RunID: id, State: RunStateSuccess, CreatedAt: now}))
	}

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"exact", "run-alpha-1", "run-alpha-1", false},
		{"unique prefix", "run-b", "run-beta-1", false},
		{"ambiguous prefix", "run-alpha", "", true},
		{"no match", "run-gamma", "", true},
		{"empty", " ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Resolve(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := s.Resolve("zzz")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestParseSignal(t *testing.T) {
	sig, err := ParseSignal("")
	require.NoError(t, err)
	assert.Equal(t, syscall.SIGTERM, sig)

	sig, err = ParseSignal("KILL")
	require.NoError(t, err)
	assert.Equal(t, syscall.SIGKILL, sig)

	_, err = ParseSignal("hup")
	assert.Error(t, err)
}

func TestStore_StopTerminatesWorkers(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	s := NewStore(t.TempDir())

	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	require.NoError(t, s.Write(&RunRecord{
		RunID:     "run-stop",
		State:     RunStateRunning,
		PID:       cmd.Process.Pid,
		CreatedAt: time.Now(),
		Workers:   []WorkerEntry{{Index: 0, PID: cmd.Process.Pid}},
	}))

	report, err := s.Stop(context.Background(), "run-stop", StopOptions{Grace: 5 * time.Second})
	require.NoError(t, err)
	assert.NotEmpty(t, report.Signalled)
	assert.False(t, report.Forced)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("worker still running after stop")
	}

	got, err := s.Get("run-stop")
	require.NoError(t, err)
	assert.Equal(t, RunStateStopped, got.State)
	assert.NotNil(t, got.EndedAt)
}

func TestStore_StopRejectsFinishedRun(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Write(&RunRecord{RunID: "run-done", State: RunStateSuccess, CreatedAt: time.Now()}))

	_, err := s.Stop(context.Background(), "run-done", StopOptions{})
	assert.Error(t, err)
}
