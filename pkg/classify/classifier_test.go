package classify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/testshift/pkg/command"
	"github.com/3leaps/testshift/pkg/workspace"
)

// fakeWorkspace tracks state transitions over a real directory so report
// files written by the fake runner can be parsed.
type fakeWorkspace struct {
	dir      string
	current  workspace.State
	entered  []workspace.State
	refs     []workspace.Refs
	enterErr map[workspace.State]error
	cleared  int
}

func (w *fakeWorkspace) Dir() string { return w.dir }

func (w *fakeWorkspace) Enter(_ context.Context, s workspace.State, refs workspace.Refs) error {
	w.entered = append(w.entered, s)
	w.refs = append(w.refs, refs)
	if err := w.enterErr[s]; err != nil {
		w.current = workspace.Unknown
		return err
	}
	w.current = s
	return nil
}

func (w *fakeWorkspace) ClearReportArtifacts(_ []string) error {
	w.cleared++
	return os.RemoveAll(filepath.Join(w.dir, "target"))
}

// stateRun is what the fake test command does in one state.
type stateRun struct {
	exit    int
	passed  []string
	failed  []string
	output  string
	timeout bool
}

func fakeRunner(ws *fakeWorkspace, runs map[workspace.State]stateRun, commands *[]string) command.Runner {
	return command.RunnerFunc(func(_ context.Context, name string, args []string, opts command.RunOpts) (*command.Result, error) {
		if commands != nil {
			*commands = append(*commands, args[len(args)-1])
		}
		run := runs[ws.current]
		if len(run.passed)+len(run.failed) > 0 {
			writeReport(ws.dir, run.passed, run.failed)
		}
		return &command.Result{ExitCode: run.exit, Output: run.output, TimedOut: run.timeout}, nil
	})
}

func writeReport(dir string, passed, failed []string) {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><testsuite>`)
	for _, id := range passed {
		cls, name, _ := strings.Cut(id, "#")
		fmt.Fprintf(&b, `<testcase classname="%s" name="%s"/>`, cls, name)
	}
	for _, id := range failed {
		cls, name, _ := strings.Cut(id, "#")
		fmt.Fprintf(&b, `<testcase classname="%s" name="%s"><failure message="x"/></testcase>`, cls, name)
	}
	b.WriteString(`</testsuite>`)

	reports := filepath.Join(dir, "target", "surefire-reports")
	if err := os.MkdirAll(reports, 0o755); err != nil {
		panic(err)
	}
	if err := os.WriteFile(filepath.Join(reports, "TEST-suite.xml"), []byte(b.String()), 0o644); err != nil {
		panic(err)
	}
}

func input() Input {
	return Input{
		Key:             "42",
		BaseCommit:      "base",
		HeadCommit:      "head",
		CommandTemplate: "mvn -Dtest=<unit_tests> -Dit.test=<integration_tests> test",
		TouchedPaths: []string{
			"src/main/java/Calc.java",
			"src/test/java/CalcTest.java",
			"src/test/resources/fixture.json",
		},
	}
}

func TestClassify_ThreeState(t *testing.T) {
	ws := &fakeWorkspace{dir: t.TempDir()}
	var commands []string
	runner := fakeRunner(ws, map[workspace.State]stateRun{
		workspace.Overlay: {exit: 1, passed: []string{"C#y"}, failed: []string{"C#x", "C#z"}},
		workspace.Base:    {exit: 1, passed: []string{"C#y"}, failed: []string{"C#x"}},
		workspace.Head:    {exit: 0, passed: []string{"C#x", "C#y", "C#z"}},
	}, &commands)

	res := New(ws, runner, Options{Protocol: ThreeState}, nil).Classify(context.Background(), input())

	require.True(t, res.OK(), "errors: %v", res.Errors)
	assert.Equal(t, []workspace.State{workspace.Overlay, workspace.Base, workspace.Head}, ws.entered)
	assert.Equal(t, 3, ws.cleared)
	assert.Equal(t, []string{"C#z"}, res.Labels.Fail2Pass)
	assert.Equal(t, []string{"C#x"}, res.Labels.Ignore2Pass)
	assert.Equal(t, []string{"C#y"}, res.Labels.Pass2Pass)
	assert.Equal(t, "mvn -Dtest=CalcTest -Dit.test=NO_INTEGRATION_TESTS test", res.Command)
	assert.Equal(t, []string{"src/test/resources/fixture.json"}, res.Selection.Ignored)
	assert.Len(t, res.Executions, 3)
	for _, c := range commands {
		assert.Equal(t, res.Command, c)
	}

	// Overlay only restores test paths.
	assert.Equal(t, []string{"src/test/java/CalcTest.java", "src/test/resources/fixture.json"}, ws.refs[0].TestPaths)
}

func TestClassify_TwoStateSkipsBase(t *testing.T) {
	ws := &fakeWorkspace{dir: t.TempDir()}
	runner := fakeRunner(ws, map[workspace.State]stateRun{
		workspace.Overlay: {exit: 1, passed: []string{"C#x", "C#z"}, failed: []string{"C#y"}},
		workspace.Head:    {exit: 0, passed: []string{"C#x", "C#y", "C#z"}},
	}, nil)

	res := New(ws, runner, Options{Protocol: TwoState}, nil).Classify(context.Background(), input())

	require.True(t, res.OK())
	assert.Equal(t, []workspace.State{workspace.Overlay, workspace.Head}, ws.entered)
	assert.Equal(t, TwoState, res.Protocol)
	assert.Equal(t, []string{"C#y"}, res.Labels.Fail2Pass)
	assert.Empty(t, res.Labels.Ignore2Pass)
	assert.Equal(t, []string{"C#x", "C#z"}, res.Labels.Pass2Pass)
}

func TestClassify_OverlayExecutionErrorStops(t *testing.T) {
	ws := &fakeWorkspace{dir: t.TempDir()}
	runner := fakeRunner(ws, map[workspace.State]stateRun{
		workspace.Overlay: {exit: 1, output: strings.Repeat("a", 5000) + "BUILD FAILURE\n"},
	}, nil)

	res := New(ws, runner, Options{}, nil).Classify(context.Background(), input())

	assert.False(t, res.OK())
	assert.Nil(t, res.Labels)
	require.Contains(t, res.Errors, StageOverlay)
	assert.Len(t, res.Errors[StageOverlay], DefaultExcerptBytes)
	assert.True(t, strings.HasSuffix(res.Errors[StageOverlay], "BUILD FAILURE\n"))
	assert.Equal(t, []workspace.State{workspace.Overlay}, ws.entered)
}

func TestClassify_SilentExecutionError(t *testing.T) {
	tests := []struct {
		name   string
		policy FailurePolicy
		runs   map[workspace.State]stateRun
	}{
		{
			name:   "reports policy, no output and no reports",
			policy: PolicyReports,
			runs: map[workspace.State]stateRun{
				workspace.Overlay: {exit: 127},
				workspace.Base:    {exit: 127},
				workspace.Head:    {exit: 127},
			},
		},
		{
			name:   "exit-code policy, reports but no output",
			policy: PolicyExitCode,
			runs: map[workspace.State]stateRun{
				workspace.Overlay: {exit: 1, passed: []string{"C#x"}, failed: []string{"C#y"}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := &fakeWorkspace{dir: t.TempDir()}
			res := New(ws, fakeRunner(ws, tt.runs, nil), Options{FailurePolicy: tt.policy}, nil).
				Classify(context.Background(), input())

			assert.False(t, res.OK())
			assert.Nil(t, res.Labels)
			require.Contains(t, res.Errors, StageOverlay)
			assert.Contains(t, res.Errors[StageOverlay], "[exit status")
			assert.Contains(t, res.Errors[StageOverlay], "no output]")
			assert.Equal(t, []workspace.State{workspace.Overlay}, ws.entered)
		})
	}
}

func TestClassify_BaseErrorKeepsHeadLog(t *testing.T) {
	ws := &fakeWorkspace{dir: t.TempDir()}
	runner := fakeRunner(ws, map[workspace.State]stateRun{
		workspace.Overlay: {exit: 1, passed: []string{"C#y"}, failed: []string{"C#x"}},
		workspace.Base:    {exit: 1, output: "base does not compile\n"},
		workspace.Head:    {exit: 2, output: "head does not compile\n"},
	}, nil)

	res := New(ws, runner, Options{Protocol: ThreeState}, nil).Classify(context.Background(), input())

	assert.False(t, res.OK())
	assert.Equal(t, []workspace.State{workspace.Overlay, workspace.Base, workspace.Head}, ws.entered)
	assert.Equal(t, map[string]string{
		StageBase: "base does not compile\n",
		StageHead: "head does not compile\n",
	}, res.Errors)
	assert.Len(t, res.Executions, 3)
}

func TestClassify_BaseErrorWithHealthyHead(t *testing.T) {
	ws := &fakeWorkspace{dir: t.TempDir()}
	runner := fakeRunner(ws, map[workspace.State]stateRun{
		workspace.Overlay: {exit: 1, passed: []string{"C#y"}, failed: []string{"C#x"}},
		workspace.Base:    {exit: 1},
		workspace.Head:    {exit: 0, passed: []string{"C#x", "C#y"}},
	}, nil)

	res := New(ws, runner, Options{Protocol: ThreeState}, nil).Classify(context.Background(), input())

	assert.False(t, res.OK())
	assert.Nil(t, res.Labels)
	assert.Equal(t, map[string]string{StageBase: "[exit status 1, no output]"}, res.Errors)
	assert.Equal(t, []workspace.State{workspace.Overlay, workspace.Base, workspace.Head}, ws.entered)
}

func TestClassify_HeadExecutionError(t *testing.T) {
	ws := &fakeWorkspace{dir: t.TempDir()}
	runner := fakeRunner(ws, map[workspace.State]stateRun{
		workspace.Overlay: {exit: 0, passed: []string{"C#x"}},
		workspace.Base:    {exit: 0, passed: []string{"C#x"}},
		workspace.Head:    {exit: 2, output: "compilation error\n"},
	}, nil)

	res := New(ws, runner, Options{}, nil).Classify(context.Background(), input())

	assert.False(t, res.OK())
	assert.Equal(t, map[string]string{StageHead: "compilation error\n"}, res.Errors)
}

func TestClassify_FailurePolicy(t *testing.T) {
	runs := map[workspace.State]stateRun{
		workspace.Overlay: {exit: 1, passed: []string{"C#x"}, failed: []string{"C#y"}},
		workspace.Base:    {exit: 0, passed: []string{"C#x"}},
		workspace.Head:    {exit: 0, passed: []string{"C#x", "C#y"}},
	}

	t.Run("reports tolerates failing tests", func(t *testing.T) {
		ws := &fakeWorkspace{dir: t.TempDir()}
		res := New(ws, fakeRunner(ws, runs, nil), Options{FailurePolicy: PolicyReports}, nil).
			Classify(context.Background(), input())
		require.True(t, res.OK())
		assert.Equal(t, []string{"C#y"}, res.Labels.Fail2Pass)
	})

	t.Run("exit-code rejects any non-zero exit", func(t *testing.T) {
		ws := &fakeWorkspace{dir: t.TempDir()}
		res := New(ws, fakeRunner(ws, runs, nil), Options{FailurePolicy: PolicyExitCode}, nil).
			Classify(context.Background(), input())
		assert.False(t, res.OK())
		assert.Contains(t, res.Errors, StageOverlay)
	})
}

func TestClassify_TimeoutIsExecutionError(t *testing.T) {
	ws := &fakeWorkspace{dir: t.TempDir()}
	runner := fakeRunner(ws, map[workspace.State]stateRun{
		workspace.Overlay: {exit: -1, passed: []string{"C#x"}, timeout: true, output: "hung\n"},
	}, nil)

	res := New(ws, runner, Options{}, nil).Classify(context.Background(), input())
	require.Contains(t, res.Errors, StageOverlay)
	assert.Contains(t, res.Errors[StageOverlay], "timed out")
}

func TestClassify_EnvironmentError(t *testing.T) {
	ws := &fakeWorkspace{
		dir:      t.TempDir(),
		enterErr: map[workspace.State]error{workspace.Overlay: errors.New("unresolvable commit")},
	}
	runner := fakeRunner(ws, nil, nil)

	res := New(ws, runner, Options{}, nil).Classify(context.Background(), input())

	require.Contains(t, res.Errors, StageEnvironment)
	assert.Contains(t, res.Errors[StageEnvironment], "overlay: unresolvable commit")
	assert.Empty(t, res.Executions)
}

func TestClassify_StartFailure(t *testing.T) {
	ws := &fakeWorkspace{dir: t.TempDir()}
	runner := command.RunnerFunc(func(context.Context, string, []string, command.RunOpts) (*command.Result, error) {
		return nil, &command.StartError{Name: "bash", Err: os.ErrNotExist}
	})

	res := New(ws, runner, Options{}, nil).Classify(context.Background(), input())
	require.Contains(t, res.Errors, StageOverlay)
	assert.Contains(t, res.Errors[StageOverlay], "start bash")
}

func TestClassify_StaleReportsDoNotLeak(t *testing.T) {
	ws := &fakeWorkspace{dir: t.TempDir()}
	// Head writes no report; a leftover overlay report must not be parsed.
	runner := fakeRunner(ws, map[workspace.State]stateRun{
		workspace.Overlay: {exit: 1, failed: []string{"C#x"}},
		workspace.Base:    {exit: 0, passed: []string{"C#x"}},
		workspace.Head:    {exit: 0},
	}, nil)

	res := New(ws, runner, Options{}, nil).Classify(context.Background(), input())
	require.True(t, res.OK())
	assert.Equal(t, []string{"C#x"}, res.Labels.Fail2Pass)
	assert.True(t, res.Executions[2].Outcome.Empty())
}

func TestClassify_CancelledContext(t *testing.T) {
	ws := &fakeWorkspace{dir: t.TempDir()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := New(ws, fakeRunner(ws, nil, nil), Options{}, nil).Classify(ctx, input())
	assert.Contains(t, res.Errors, StageEnvironment)
	assert.Empty(t, ws.entered)
}

func TestResult_Fail(t *testing.T) {
	res := &Result{Labels: &Labels{}}
	require.True(t, res.OK())

	res.Fail(StageRunner, "panic")
	assert.False(t, res.OK())
	assert.Nil(t, res.Labels)
	assert.Equal(t, "panic", res.Errors[StageRunner])

	res.Fail(StageRunner, "again")
	assert.Equal(t, "panic\nagain", res.Errors[StageRunner])
}
