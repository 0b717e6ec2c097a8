package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/testshift/pkg/output"
	"github.com/3leaps/testshift/pkg/scheduler"
)

func snapshot() scheduler.Snapshot {
	return scheduler.Snapshot{
		Total:     10,
		Done:      4,
		Succeeded: 3,
		Failed:    1,
		Started:   time.Now().Add(-40 * time.Second),
		Workers: []scheduler.WorkerProgress{
			{Index: 0, State: scheduler.WorkerRunning, Total: 4, Done: 3, Succeeded: 3, LastKey: "pr-1234"},
			{Index: 1, State: scheduler.WorkerFailed, Total: 4, Done: 1, Failed: 1, LastKey: "pr-99"},
			{Index: 2, State: scheduler.WorkerPending, Total: 2},
		},
	}
}

func TestDisplay_PlainOutput(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, Options{NoColor: true})

	d.WorkerStarted(0, "4242", 4242)
	snap := snapshot()
	d.ChangeFinished(0, output.Event{Key: "pr-1234", Status: output.StatusSuccess}, snap)
	d.WorkerExited(1, scheduler.WorkerResult{Index: 1, ExitCode: 137, Keys: []string{"a", "b"}, Reported: 1, Recovered: 1})
	d.Finish(snap)

	out := buf.String()
	assert.Contains(t, out, "worker 0 started (4242, pid 4242)")
	assert.Contains(t, out, "[4/10] pr-1234 SUCCESS (worker 0)")
	assert.Contains(t, out, "worker 1 exited with code 137 (1/2 reported, 1 recorded as errors)")
	assert.Contains(t, ansi.Strip(out), "4/10  ok 3  err 1")
	assert.NotContains(t, out, "\033[A")
}

func TestDisplay_Lines(t *testing.T) {
	d := New(&bytes.Buffer{}, Options{NoColor: true, Width: 80})
	lines := d.Lines(snapshot())
	require.Len(t, lines, 4)

	assert.Contains(t, ansi.Strip(lines[0]), "4/10")
	assert.Contains(t, ansi.Strip(lines[0]), "eta")
	assert.Contains(t, ansi.Strip(lines[1]), "w0  running 3/4 last pr-1234")
	assert.Contains(t, ansi.Strip(lines[2]), "failed 1/4 err 1")
	assert.Contains(t, ansi.Strip(lines[3]), "pending 0/2")
	for _, line := range lines {
		assert.LessOrEqual(t, runewidth.StringWidth(ansi.Strip(line)), 80)
	}
}

func TestDisplay_LinesTruncateToWidth(t *testing.T) {
	d := New(&bytes.Buffer{}, Options{NoColor: true, Width: 20})
	snap := snapshot()
	snap.Workers[0].LastKey = strings.Repeat("x", 60)
	for _, line := range d.Lines(snap) {
		assert.LessOrEqual(t, runewidth.StringWidth(ansi.Strip(line)), 20)
	}
}

func TestDisplay_TTYRedrawsInPlace(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, Options{NoColor: true, ForceTTY: true, RefreshPerSecond: 1000})

	d.WorkerStarted(0, "1", 1)
	snap := snapshot()
	d.ChangeFinished(0, output.Event{Key: "a", Status: output.StatusSuccess}, snap)
	snap.Done = 10
	d.ChangeFinished(0, output.Event{Key: "b", Status: output.StatusSuccess}, snap)
	d.Finish(snap)

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\033[?25l"))
	assert.Contains(t, out, strings.Repeat("\033[A", 4))
	assert.True(t, strings.HasSuffix(out, "\033[?25h"))
}

func TestEstimate(t *testing.T) {
	now := time.Now()
	snap := scheduler.Snapshot{Total: 10, Done: 2, Started: now.Add(-20 * time.Second)}
	eta, ok := estimate(snap, now)
	require.True(t, ok)
	assert.Equal(t, 80*time.Second, eta)

	_, ok = estimate(scheduler.Snapshot{Total: 3}, now)
	assert.False(t, ok)
}
