package classify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/testshift/pkg/command"
	"github.com/3leaps/testshift/pkg/report"
	"github.com/3leaps/testshift/pkg/selector"
	"github.com/3leaps/testshift/pkg/workspace"
)

// Stage names used as keys of Result.Errors.
const (
	StageOverlay     = "overlay_run"
	StageBase        = "base_tests"
	StageHead        = "head_tests"
	StageEnvironment = "environment"
	StageRunner      = "runner"
	StageScheduler   = "scheduler"
)

// DefaultExcerptBytes bounds the log text stored per error stage.
const DefaultExcerptBytes = 4000

// FailurePolicy decides when a test command run is an execution error.
type FailurePolicy string

const (
	// PolicyReports treats a run as failed only when it exits non-zero and
	// produced no test cases. Failing tests alone are not an execution error.
	PolicyReports FailurePolicy = "reports"

	// PolicyExitCode treats every non-zero exit as an execution error.
	PolicyExitCode FailurePolicy = "exit-code"
)

// ParseFailurePolicy parses a policy name. Empty selects PolicyReports.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return PolicyReports, nil
	case PolicyReports:
		return PolicyReports, nil
	case PolicyExitCode, "exit_code", "exitcode":
		return PolicyExitCode, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q (want %s or %s)", s, PolicyReports, PolicyExitCode)
	}
}

// Workspace is the part of workspace.Controller the classifier drives.
type Workspace interface {
	Dir() string
	Enter(ctx context.Context, s workspace.State, refs workspace.Refs) error
	ClearReportArtifacts(patterns []string) error
}

// Input is one Change as the classifier sees it.
type Input struct {
	Key             string
	BaseCommit      string
	HeadCommit      string
	CommandTemplate string
	TouchedPaths    []string
	ReportPatterns  []string
}

// Execution is the record of running the test command in one state. It is
// kept for diagnostics and summaries only.
type Execution struct {
	State    workspace.State
	ExitCode int
	TimedOut bool
	Duration time.Duration
	Log      string
	Outcome  *report.Outcome
}

// Result is the outcome of classifying one Change: either Labels or Errors.
type Result struct {
	Protocol   Protocol
	Command    string
	Selection  selector.Selection
	Labels     *Labels
	Errors     map[string]string
	Executions []Execution
}

// OK reports whether the Change was classified.
func (r *Result) OK() bool {
	return r != nil && r.Labels != nil && len(r.Errors) == 0
}

// Fail records an error for stage and clears any labels. A second error
// for the same stage is appended on a new line.
func (r *Result) Fail(stage, text string) {
	if r.Errors == nil {
		r.Errors = make(map[string]string)
	}
	if prev, ok := r.Errors[stage]; ok && prev != "" {
		text = prev + "\n" + text
	}
	r.Errors[stage] = text
	r.Labels = nil
}

// Options configures a Classifier.
type Options struct {
	Protocol      Protocol
	FailurePolicy FailurePolicy

	// Shell runs the resolved test command with -lc. Defaults to bash.
	Shell string

	// TestTimeout bounds one test command run. Zero means no limit.
	TestTimeout time.Duration

	TailLines    int
	ExcerptBytes int

	// Env is the test command environment. Nil inherits the process env.
	Env []string
}

// Classifier runs the differential protocol for Changes on one workspace.
type Classifier struct {
	ws     Workspace
	runner command.Runner
	opts   Options
	logger *zap.Logger
}

// New returns a Classifier. A nil logger disables logging.
func New(ws Workspace, runner command.Runner, opts Options, logger *zap.Logger) *Classifier {
	if opts.Protocol == "" {
		opts.Protocol = DefaultProtocol
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = PolicyReports
	}
	if opts.ExcerptBytes <= 0 {
		opts.ExcerptBytes = DefaultExcerptBytes
	}
	if opts.TailLines <= 0 {
		opts.TailLines = command.DefaultTailLines
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{ws: ws, runner: runner, opts: opts, logger: logger}
}

// Protocol returns the configured protocol.
func (c *Classifier) Protocol() Protocol {
	return c.opts.Protocol
}

// Classify runs overlay, then base (three-state only), then head, and
// computes labels. An overlay failure stops the Change at once; a base
// failure is recorded and head still runs for its log. Failures are
// returned in Result.Errors; Classify itself never fails.
func (c *Classifier) Classify(ctx context.Context, in Input) *Result {
	testPaths := selector.TestPaths(in.TouchedPaths)
	cmd, sel := selector.Resolve(in.CommandTemplate, testPaths)
	patterns := in.ReportPatterns
	if len(patterns) == 0 {
		patterns = report.DefaultPatterns
	}

	res := &Result{Protocol: c.opts.Protocol, Command: cmd, Selection: sel}
	refs := workspace.Refs{Base: in.BaseCommit, Head: in.HeadCommit, TestPaths: testPaths}
	log := c.logger.With(zap.String("change", in.Key))

	log.Info("Classifying change",
		zap.String("protocol", string(c.opts.Protocol)),
		zap.Int("test_paths", len(testPaths)),
		zap.Int("unit", len(sel.Unit)),
		zap.Int("integration", len(sel.Integration)),
		zap.Int("ignored", len(sel.Ignored)))

	plan := []struct {
		state workspace.State
		stage string
	}{
		{workspace.Overlay, StageOverlay},
		{workspace.Base, StageBase},
		{workspace.Head, StageHead},
	}

	outcomes := make(map[workspace.State]*report.Outcome, len(plan))
	for _, step := range plan {
		if step.state == workspace.Base && !c.opts.Protocol.RunsBase() {
			continue
		}
		exec, failure := c.runState(ctx, log, step.state, step.stage, refs, cmd, patterns)
		if exec != nil {
			res.Executions = append(res.Executions, *exec)
		}
		if failure != nil {
			res.Fail(failure.stage, failure.text)
			log.Error("Change not classified",
				zap.String("stage", failure.stage),
				zap.String("state", step.state.String()))
			// Overlay failures end the Change. A failing base still lets
			// head run so the record carries both logs.
			if step.state == workspace.Overlay || ctx.Err() != nil {
				return res
			}
			continue
		}
		outcomes[step.state] = exec.Outcome
	}
	if len(res.Errors) > 0 {
		return res
	}

	sets := Compute(c.opts.Protocol, outcomes[workspace.Base], outcomes[workspace.Head], outcomes[workspace.Overlay])
	res.Labels = sets.Labels()
	log.Info("Change classified",
		zap.Int("fail2pass", sets.Fail2Pass.Len()),
		zap.Int("ignore2pass", sets.Ignore2Pass.Len()),
		zap.Int("pass2pass", sets.Pass2Pass.Len()))
	return res
}

// stageFailure stops classification of a Change. text is never empty.
type stageFailure struct {
	stage string
	text  string
}

// runState moves the workspace into state, runs the command, and parses
// reports. A non-nil failure names the Errors key it belongs under.
func (c *Classifier) runState(ctx context.Context, log *zap.Logger, state workspace.State, stage string,
	refs workspace.Refs, cmd string, patterns []string) (*Execution, *stageFailure) {

	envFailure := func(format string, args ...any) *stageFailure {
		return &stageFailure{stage: StageEnvironment, text: state.String() + ": " + fmt.Sprintf(format, args...)}
	}

	if err := ctx.Err(); err != nil {
		return nil, envFailure("%v", err)
	}
	if err := c.ws.Enter(ctx, state, refs); err != nil {
		return nil, envFailure("%v", err)
	}
	if err := c.ws.ClearReportArtifacts(patterns); err != nil {
		return nil, envFailure("clear reports: %v", err)
	}

	log.Debug("Running test command", zap.String("state", state.String()), zap.String("command", cmd))
	run, err := command.Shell(ctx, c.runner, c.opts.Shell, cmd, command.RunOpts{
		Dir:       c.ws.Dir(),
		Env:       c.opts.Env,
		Timeout:   c.opts.TestTimeout,
		TailLines: c.opts.TailLines,
		OnLine: func(line string) {
			log.Debug(line, zap.String("state", state.String()))
		},
	})
	if err != nil {
		return nil, &stageFailure{stage: stage, text: fmt.Sprintf("%s: %v", state, err)}
	}

	outcome, err := report.Parse(c.ws.Dir(), patterns)
	if err != nil {
		return nil, envFailure("parse reports: %v", err)
	}
	for _, skipped := range outcome.Skipped {
		log.Warn("Skipped malformed report",
			zap.String("state", state.String()),
			zap.String("file", skipped.Path),
			zap.String("error", skipped.Err))
	}

	exec := &Execution{
		State:    state,
		ExitCode: run.ExitCode,
		TimedOut: run.TimedOut,
		Duration: run.Duration,
		Log:      run.Output,
		Outcome:  outcome,
	}
	log.Info("State finished",
		zap.String("state", state.String()),
		zap.Int("exit_code", run.ExitCode),
		zap.Int("tests", outcome.All.Len()),
		zap.Int("failed", outcome.Failed.Len()),
		zap.Duration("duration", run.Duration))

	if run.Cancelled {
		return exec, envFailure("cancelled")
	}
	if c.isExecutionError(run, outcome) {
		return exec, &stageFailure{stage: stage, text: c.failureText(run)}
	}
	return exec, nil
}

// failureText is the Errors entry for a failed run: the tail of its output,
// or a marker with the exit status when the command printed nothing.
func (c *Classifier) failureText(run *command.Result) string {
	text := run.Output
	if run.TimedOut {
		text += fmt.Sprintf("\n[timed out after %s]\n", c.opts.TestTimeout)
	}
	text = command.Excerpt(text, c.opts.ExcerptBytes)
	if strings.TrimSpace(text) == "" {
		text = fmt.Sprintf("[exit status %d, no output]", run.ExitCode)
	}
	return text
}

func (c *Classifier) isExecutionError(run *command.Result, outcome *report.Outcome) bool {
	if run.TimedOut {
		return true
	}
	if run.ExitCode == 0 {
		return false
	}
	if c.opts.FailurePolicy == PolicyExitCode {
		return true
	}
	return outcome.All.Len() == 0
}
