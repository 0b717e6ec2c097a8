package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/testshift/internal/config"
	"github.com/3leaps/testshift/internal/observability"
	"github.com/3leaps/testshift/internal/server"
	"github.com/3leaps/testshift/internal/server/handlers"
	"github.com/3leaps/testshift/pkg/manifest"
	"github.com/3leaps/testshift/pkg/output"
	"github.com/3leaps/testshift/pkg/progress"
	"github.com/3leaps/testshift/pkg/publish"
	"github.com/3leaps/testshift/pkg/runregistry"
	"github.com/3leaps/testshift/pkg/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Classify a manifest of changes across parallel workers",
	Long: `Split the changes of a manifest over isolated workers, watch their
progress, and merge their records into final.jsonl in a new run directory.

Workers are child processes by default, or disposable containers when
container.enabled is set. A worker that crashes leaves error records with
stage "scheduler" for every change it did not finish.

Example:
  testshift run --job changes.yaml
  testshift run --job changes.yaml --workers 8 --name spring
  testshift run --job changes.yaml --dry-run
  testshift run --job changes.yaml --status-addr 127.0.0.1:8089`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runJobPath string
	runName    string
	runChanges string
	runDryRun  bool
)

const (
	inputsFileName = "inputs.json"
	statusFileName = "status.jsonl"
	runDirLayout   = "2006-01-02_15-04-05"
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runJobPath, "job", "j", "", "Path to change manifest (required)")
	runCmd.Flags().StringVar(&runName, "name", "", "Run name (default: manifest file name)")
	runCmd.Flags().StringVar(&runChanges, "changes", "", "Only run these comma-separated change keys")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Show the worker assignment without running")
	runCmd.Flags().Int("workers", 0, "Number of workers")
	bindConfigFlag(runCmd.Flags(), "workers", "workers")
	bindConfigFlag(runCmd.Flags(), "runs-dir", "paths.runs_dir")
	bindConfigFlag(runCmd.Flags(), "image", "container.image")
	bindConfigFlag(runCmd.Flags(), "status-addr", "status.addr")
	bindConfigFlag(runCmd.Flags(), "publish", "publish.destination")
	bindWorkerConfigFlags(runCmd)

	_ = runCmd.MarkFlagRequired("job")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := config.GetConfig()
	logger := observability.CLILogger

	m, err := loadManifest(runJobPath, runChanges)
	if err != nil {
		return err
	}
	if len(m.Changes) == 0 {
		return exitError(foundry.ExitInvalidArgument, "Nothing to run", errors.New("manifest selects no changes"))
	}
	name := runName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(runJobPath), filepath.Ext(runJobPath))
	}

	if runDryRun {
		return showRunPlan(cfg, m)
	}

	runID, runDir, err := createRunDir(cfg.Paths.RunsDir, name, time.Now())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create run directory", err)
	}
	inputs := filepath.Join(runDir, inputsFileName)
	if err := manifest.Save(inputs, m); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to copy manifest into run directory", err)
	}
	_ = os.Chmod(inputs, 0o666)

	launcher, mode, err := newLauncher(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid container settings", err)
	}

	statusFile, err := os.OpenFile(filepath.Join(runDir, statusFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open status log", err)
	}
	defer func() { _ = statusFile.Close() }()
	status := output.NewJSONLWriter(statusFile, runID)
	defer func() { _ = status.Close() }()

	store := runregistry.NewStore(cfg.Paths.RunsDir)
	now := time.Now().UTC()
	manifestPath, _ := filepath.Abs(runJobPath)
	rec := &runregistry.RunRecord{
		RunID:        runID,
		Name:         name,
		State:        runregistry.RunStateRunning,
		ManifestPath: manifestPath,
		RunDir:       runDir,
		PID:          os.Getpid(),
		Mode:         mode,
		Protocol:     cfg.Classify.Protocol,
		CreatedAt:    now,
		StartedAt:    &now,
		Counts:       runregistry.Counts{Total: len(m.Changes)},
	}

	var display *progress.Display
	if cfg.Progress.Enabled {
		display = progress.New(os.Stderr, progress.Options{RefreshPerSecond: cfg.Progress.RefreshPerSecond})
	}
	var sched *scheduler.Scheduler
	obs := newRunObserver(ctx, store, rec, status, display, func() *scheduler.Tracker { return sched.Tracker() }, mode == modeDocker, logger)

	sched = scheduler.New(scheduler.Config{
		RunID:         runID,
		RunDir:        runDir,
		Workers:       cfg.Workers,
		InputsPath:    inputs,
		WorkerTimeout: cfg.Scheduler.WorkerTimeout,
		StopGrace:     cfg.Scheduler.StopGrace,
		KeepParts:     cfg.Scheduler.KeepParts,
		WorkerArgs:    workerForwardArgs(cfg, mode == modeDocker),
	}, launcher, obs, logger)

	for i, chunk := range scheduler.Partition(m.Changes, cfg.Workers) {
		rec.Workers = append(rec.Workers, runregistry.WorkerEntry{
			Index:    i,
			Changes:  len(chunk),
			PartPath: sched.PartPath(i),
			LogPath:  sched.LogPath(i),
		})
	}
	if err := store.Write(rec); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write run record", err)
	}

	_ = status.WriteProgress(ctx, &output.ProgressRecord{Phase: output.PhaseStarting, Total: len(m.Changes)})

	if cfg.Status.Addr != "" {
		stopServer, err := startStatusServer(ctx, cfg, runID, runDir, sched, mode == modeDocker)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to start status server", err)
		}
		defer stopServer()
	}

	logger.Info("Run starting",
		zap.String("run_id", runID),
		zap.String("run_dir", runDir),
		zap.String("mode", mode),
		zap.Int("changes", len(m.Changes)),
		zap.Int("workers", cfg.Workers))

	res, runErr := sched.Run(ctx, m.Changes)
	if runErr != nil {
		obs.finish(runregistry.RunStateFailed, runErr.Error(), "")
		_ = status.WriteError(context.WithoutCancel(ctx), &output.ErrorRecord{Code: output.ErrCodeInternal, Message: runErr.Error()})
		if errors.Is(runErr, scheduler.ErrNoWorkersStarted) {
			return exitError(foundry.ExitExternalServiceUnavailable, "No worker could be started", runErr)
		}
		return exitError(foundry.ExitFileWriteError, "Run failed", runErr)
	}
	if display != nil {
		display.Finish(res.Snapshot)
	}

	summary, err := output.Summarize(res.FinalPath)
	if err != nil {
		logger.Warn("Failed to summarize output", zap.Error(err))
		summary = &output.SummaryRecord{Output: res.FinalPath}
	}
	summary.Workers = len(res.Workers)
	summary.SetDuration(res.Duration)
	_ = status.WriteProgress(context.WithoutCancel(ctx), &output.ProgressRecord{
		Phase:     output.PhaseComplete,
		Total:     res.Snapshot.Total,
		Done:      res.Snapshot.Done,
		Succeeded: res.Snapshot.Succeeded,
		Failed:    res.Snapshot.Failed,
	})
	_ = status.WriteSummary(context.WithoutCancel(ctx), summary)
	printRunSummary(runID, summary)

	state := runState(ctx, res)
	if ctx.Err() != nil {
		obs.finish(state, "interrupted", res.FinalPath)
		return exitError(foundry.ExitSignalInt, "Run interrupted", ctx.Err())
	}

	published := ""
	if cfg.Publish.Destination != "" {
		published, err = publishOutput(ctx, cfg.Publish.Destination, res.FinalPath, runID)
		if err != nil {
			obs.finish(state, err.Error(), res.FinalPath)
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to publish output", err)
		}
		fmt.Printf("Published:   %s\n", published)
	}
	obs.publishedTo(published)
	obs.finish(state, "", res.FinalPath)
	return nil
}

func showRunPlan(cfg *config.Config, m *manifest.Manifest) error {
	chunks := scheduler.Partition(m.Changes, cfg.Workers)
	mode := modeProcess
	if cfg.Container.Enabled {
		mode = modeDocker + " (" + cfg.Container.Image + ")"
	}
	fmt.Println("=== Run Plan (dry-run) ===")
	fmt.Println()
	fmt.Printf("Changes:     %d\n", len(m.Changes))
	fmt.Printf("Workers:     %d\n", len(chunks))
	fmt.Printf("Mode:        %s\n", mode)
	fmt.Printf("Protocol:    %s\n", cfg.Classify.Protocol)
	fmt.Printf("Policy:      %s\n", cfg.Runner.FailurePolicy)
	fmt.Printf("Runs dir:    %s\n", cfg.Paths.RunsDir)
	fmt.Println()
	for i, chunk := range chunks {
		keys := make([]string, len(chunk))
		for j := range chunk {
			keys[j] = chunk[j].Key()
		}
		fmt.Printf("worker %d: %d changes [%s]\n", i, len(chunk), strings.Join(keys, ", "))
	}
	return nil
}

var unsafeNameChars = regexp.MustCompile(`[^a-z0-9_.-]+`)

func sanitizeRunName(name string) string {
	s := unsafeNameChars.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return "changes"
	}
	return s
}

// createRunDir makes a world-writable run-<name>-<timestamp> directory
// under root and returns its name and path.
func createRunDir(root, name string, now time.Time) (string, string, error) {
	if strings.TrimSpace(root) == "" {
		return "", "", errors.New("paths.runs_dir is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", "", err
	}
	id := fmt.Sprintf("run-%s-%s", sanitizeRunName(name), now.Format(runDirLayout))
	dir := filepath.Join(root, id)
	if err := os.Mkdir(dir, 0o777); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return "", "", err
		}
		id += "-" + uuid.NewString()[:8]
		dir = filepath.Join(root, id)
		if err := os.Mkdir(dir, 0o777); err != nil {
			return "", "", err
		}
	}
	if err := os.Chmod(dir, 0o777); err != nil {
		return "", "", err
	}
	return id, dir, nil
}

const (
	modeProcess = "process"
	modeDocker  = "docker"
)

func newLauncher(cfg *config.Config) (scheduler.Launcher, string, error) {
	if !cfg.Container.Enabled {
		return &scheduler.ProcessLauncher{}, modeProcess, nil
	}
	if cfg.Container.Image == "" {
		return nil, "", errors.New("container.image is required when container.enabled is set")
	}
	return &scheduler.DockerLauncher{
		Docker:       cfg.Container.Docker,
		Image:        cfg.Container.Image,
		CacheDir:     cfg.Paths.CacheDir,
		CacheMount:   cfg.Container.CacheMount,
		DockerSocket: cfg.Container.DockerSocket,
		Privileged:   cfg.Container.Privileged,
		User:         cfg.Container.User,
		Env:          cfg.Container.Env,
		Entrypoint:   cfg.Container.Binary,
	}, modeDocker, nil
}

func runState(ctx context.Context, res *scheduler.Result) runregistry.RunState {
	if ctx.Err() != nil {
		return runregistry.RunStateStopped
	}
	for _, w := range res.Workers {
		if w.Failed() || w.Recovered > 0 {
			return runregistry.RunStatePartial
		}
	}
	return runregistry.RunStateSuccess
}

func printRunSummary(runID string, s *output.SummaryRecord) {
	fmt.Println()
	fmt.Printf("Run:         %s\n", runID)
	fmt.Printf("Output:      %s\n", s.Output)
	fmt.Printf("Changes:     %d\n", s.Changes)
	fmt.Printf("Successes:   %d\n", s.Classified)
	fmt.Printf("Failures:    %d\n", s.Errored)
	fmt.Printf("With f2p:    %d\n", s.WithFail2Pass)
	fmt.Printf("Tests:       f2p=%d i2p=%d p2p=%d\n", s.Fail2Pass, s.Ignore2Pass, s.Pass2Pass)
	for _, stage := range sortedStages(s.ErrorsByStage) {
		fmt.Printf("  %-12s %d\n", stage+":", s.ErrorsByStage[stage])
	}
	fmt.Printf("Duration:    %s\n", s.DurationHuman)
}

func sortedStages(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func publishOutput(ctx context.Context, raw, finalPath, runID string) (string, error) {
	dest, err := publish.ParseDestination(raw)
	if err != nil {
		return "", err
	}
	pub, err := publish.Open(ctx, dest, observability.CLILogger)
	if err != nil {
		return "", err
	}
	defer func() { _ = pub.Close() }()
	return pub.PublishFile(ctx, finalPath, runID)
}

func startStatusServer(ctx context.Context, cfg *config.Config, runID, runDir string, sched *scheduler.Scheduler, docker bool) (func(), error) {
	host, portStr, err := net.SplitHostPort(cfg.Status.Addr)
	if err != nil {
		return nil, fmt.Errorf("parse status.addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parse status.addr port: %w", err)
	}

	hm := handlers.InitHealthManager(versionInfo.Version)
	hm.RegisterChecker("git", binaryHealthChecker{name: "git"})
	hm.RegisterChecker("run_dir", dirHealthChecker{dir: runDir})
	if docker {
		hm.RegisterChecker("docker", binaryHealthChecker{name: cfg.Container.Docker})
	}

	srv := server.New(host, port,
		server.WithStatus(runID, handlers.TrackerSource(sched.Tracker)),
		server.WithLogger(observability.CLILogger))
	if err := srv.Listen(); err != nil {
		return nil, err
	}
	observability.CLILogger.Info("Status server started", zap.String("url", "http://"+srv.Addr()+"/status"))

	srvCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(srvCtx); err != nil {
			observability.CLILogger.Warn("Status server stopped", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}
