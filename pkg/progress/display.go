// Package progress renders scheduler progress on a terminal. On a TTY it
// redraws a fixed block in place; otherwise it prints one line per event.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
	"golang.org/x/time/rate"

	"github.com/3leaps/testshift/pkg/output"
	"github.com/3leaps/testshift/pkg/scheduler"
)

// DefaultRefreshPerSecond caps redraws of the TTY block.
const DefaultRefreshPerSecond = 4

const defaultWidth = 100

// Options configures a Display.
type Options struct {
	RefreshPerSecond float64

	// Width overrides the detected terminal width.
	Width int

	// ForceTTY and NoColor are for tests and piped output.
	ForceTTY bool
	NoColor  bool
}

// Display implements scheduler.Observer.
type Display struct {
	out     io.Writer
	isTTY   bool
	width   int
	limiter *rate.Limiter
	bar     progress.Model
	styles  styles

	mu        sync.Mutex
	lineCount int
	last      scheduler.Snapshot
	started   bool
}

var _ scheduler.Observer = (*Display)(nil)

type styles struct {
	title   lipgloss.Style
	ok      lipgloss.Style
	fail    lipgloss.Style
	dim     lipgloss.Style
	running lipgloss.Style
}

func newStyles(noColor bool) styles {
	if noColor {
		plain := lipgloss.NewStyle()
		return styles{title: plain, ok: plain, fail: plain, dim: plain, running: plain}
	}
	return styles{
		title:   lipgloss.NewStyle().Bold(true),
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		fail:    lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		running: lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
	}
}

// New creates a Display writing to out.
func New(out io.Writer, opts Options) *Display {
	isTTY := opts.ForceTTY
	width := opts.Width
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		isTTY = true
		if width == 0 {
			if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
				width = w
			}
		}
	}
	if width <= 0 {
		width = defaultWidth
	}
	rps := opts.RefreshPerSecond
	if rps <= 0 {
		rps = DefaultRefreshPerSecond
	}

	barOpts := []progress.Option{progress.WithWidth(min(40, width/3)), progress.WithoutPercentage()}
	if opts.NoColor {
		barOpts = append(barOpts, progress.WithFillCharacters('#', '.'))
	} else {
		barOpts = append(barOpts, progress.WithDefaultGradient())
	}

	return &Display{
		out:     out,
		isTTY:   isTTY,
		width:   width,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		bar:     progress.New(barOpts...),
		styles:  newStyles(opts.NoColor),
	}
}

// WorkerStarted implements scheduler.Observer.
func (d *Display) WorkerStarted(index int, id string, pid int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isTTY {
		if !d.started {
			_, _ = fmt.Fprint(d.out, "\033[?25l")
			d.started = true
		}
		return
	}
	_, _ = fmt.Fprintf(d.out, "worker %d started (%s, pid %d)\n", index, id, pid)
}

// ChangeFinished implements scheduler.Observer.
func (d *Display) ChangeFinished(index int, e output.Event, snap scheduler.Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = snap
	if !d.isTTY {
		_, _ = fmt.Fprintf(d.out, "[%d/%d] %s %s (worker %d)\n", snap.Done, snap.Total, e.Key, e.Status, index)
		return
	}
	if snap.Done == snap.Total || d.limiter.Allow() {
		d.renderLocked(snap)
	}
}

// WorkerExited implements scheduler.Observer.
func (d *Display) WorkerExited(index int, res scheduler.WorkerResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.isTTY {
		line := fmt.Sprintf("worker %d exited with code %d (%d/%d reported", index, res.ExitCode, res.Reported, len(res.Keys))
		if res.Recovered > 0 {
			line += fmt.Sprintf(", %d recorded as errors", res.Recovered)
		}
		_, _ = fmt.Fprintln(d.out, line+")")
		return
	}
	d.renderLocked(d.last)
}

// Finish draws snap one last time and restores the cursor.
func (d *Display) Finish(snap scheduler.Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.isTTY {
		_, _ = fmt.Fprintln(d.out, d.summaryLine(snap))
		return
	}
	d.renderLocked(snap)
	if d.started {
		_, _ = fmt.Fprint(d.out, "\033[?25h")
		d.started = false
	}
}

func (d *Display) renderLocked(snap scheduler.Snapshot) {
	lines := d.Lines(snap)
	var sb strings.Builder
	if d.lineCount > 0 {
		sb.WriteString(strings.Repeat("\033[A", d.lineCount))
		sb.WriteString("\r")
	}
	for _, line := range lines {
		sb.WriteString("\033[K")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	_, _ = fmt.Fprint(d.out, sb.String())
	d.lineCount = len(lines)
}

// Lines renders snap as the TTY block: a global line followed by one line
// per worker, each truncated to the display width.
func (d *Display) Lines(snap scheduler.Snapshot) []string {
	lines := make([]string, 0, len(snap.Workers)+1)
	lines = append(lines, d.fit(d.bar.ViewAs(ratio(snap.Done, snap.Total))+" "+d.summaryLine(snap)))
	for _, w := range snap.Workers {
		lines = append(lines, d.fit(d.workerLine(w)))
	}
	return lines
}

func (d *Display) summaryLine(snap scheduler.Snapshot) string {
	s := fmt.Sprintf("%s  %s  %s",
		d.styles.title.Render(fmt.Sprintf("%d/%d", snap.Done, snap.Total)),
		d.styles.ok.Render(fmt.Sprintf("ok %d", snap.Succeeded)),
		d.styles.fail.Render(fmt.Sprintf("err %d", snap.Failed)))
	if eta, ok := estimate(snap, time.Now()); ok {
		s += d.styles.dim.Render("  eta " + eta.Round(time.Second).String())
	}
	return s
}

func (d *Display) workerLine(w scheduler.WorkerProgress) string {
	state := w.State
	switch w.State {
	case scheduler.WorkerRunning:
		state = d.styles.running.Render(state)
	case scheduler.WorkerFailed:
		state = d.styles.fail.Render(state)
	default:
		state = d.styles.dim.Render(state)
	}
	line := fmt.Sprintf("  w%-2d %s %d/%d", w.Index, state, w.Done, w.Total)
	if w.Failed > 0 {
		line += d.styles.fail.Render(fmt.Sprintf(" err %d", w.Failed))
	}
	if w.LastKey != "" {
		line += d.styles.dim.Render(" last " + w.LastKey)
	}
	return line
}

// fit truncates text to the display width without splitting escape
// sequences or wide runes.
func (d *Display) fit(s string) string {
	if lipgloss.Width(s) <= d.width {
		return s
	}
	if s == ansi.Strip(s) {
		return runewidth.Truncate(s, d.width, "…")
	}
	return ansi.Truncate(s, d.width, "…")
}

func ratio(done, total int) float64 {
	if total <= 0 {
		return 1
	}
	return float64(done) / float64(total)
}

// estimate projects the remaining time from the mean time per finished
// Change.
func estimate(snap scheduler.Snapshot, now time.Time) (time.Duration, bool) {
	if snap.Done == 0 || snap.Started.IsZero() || snap.Remaining() <= 0 {
		return 0, false
	}
	elapsed := now.Sub(snap.Started)
	per := elapsed / time.Duration(snap.Done)
	return per * time.Duration(snap.Remaining()), true
}

