package cmd

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/testshift/internal/config"
	"github.com/3leaps/testshift/internal/observability"
	"github.com/3leaps/testshift/pkg/command"
	"github.com/3leaps/testshift/pkg/manifest"
	"github.com/3leaps/testshift/pkg/output"
	"github.com/3leaps/testshift/pkg/worker"
	"github.com/3leaps/testshift/pkg/workspace"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Process an assigned chunk of changes (started by run)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

var (
	workerIndex   int
	workerInputs  string
	workerChanges string
	workerPart    string
	workerLog     string
)

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().IntVar(&workerIndex, "index", 0, "Worker index")
	workerCmd.Flags().StringVar(&workerInputs, "inputs", "", "Manifest copy in the run directory")
	workerCmd.Flags().StringVar(&workerChanges, "changes", "", "Comma-separated change keys, in order")
	workerCmd.Flags().StringVar(&workerPart, "part", "", "Part file to append records to")
	workerCmd.Flags().StringVar(&workerLog, "log", "", "Worker log file")
	bindWorkerConfigFlags(workerCmd)

	_ = workerCmd.MarkFlagRequired("inputs")
	_ = workerCmd.MarkFlagRequired("part")
}

// bindWorkerConfigFlags adds the flags run forwards to its workers.
func bindWorkerConfigFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	bindConfigFlag(fs, "repos-dir", "paths.repos_dir")
	bindConfigFlag(fs, "remote-template", "git.remote_template")
	bindConfigFlag(fs, "protocol", "classify.protocol")
	bindConfigFlag(fs, "failure-policy", "runner.failure_policy")
	bindConfigFlag(fs, "test-timeout", "runner.timeout")
	bindConfigFlag(fs, "shell", "runner.shell")
	bindConfigFlag(fs, "overlay-batch", "git.overlay_batch")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := config.GetConfig()

	logger := observability.CLILogger
	if workerLog != "" {
		l, closeLog, err := observability.NewWorkerLogger(workerLog, workerIndex, cfg.Logging.Level)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to open worker log", err)
		}
		defer func() { _ = closeLog() }()
		logger = l
	}

	m, err := manifest.Load(workerInputs)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid inputs", err)
	}
	keys := splitKeys(workerChanges)
	if len(keys) == 0 {
		keys = m.Keys()
	}

	existing, err := output.ReadPart(workerPart)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read part file", err)
	}
	keys = pendingKeys(keys, existing)
	changes, err := m.Select(keys)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown changes assigned", err)
	}

	part, err := output.OpenPart(workerPart)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open part file", err)
	}
	defer func() { _ = part.Close() }()

	w := worker.New(workerConfig(cfg, workerIndex), command.Exec{}, part, os.Stdout, logger)
	if err := w.Run(ctx, changes); err != nil {
		if errors.Is(err, context.Canceled) {
			return exitError(foundry.ExitSignalInt, "Worker interrupted", err)
		}
		return exitError(foundry.ExitFileWriteError, "Worker stopped", err)
	}
	if err := part.Close(); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to close part file", err)
	}
	stats := w.Stats()
	logger.Info("Worker done",
		zap.Int("records", part.Count()),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed))
	return nil
}

// workerConfig maps runtime config onto a worker.
func workerConfig(cfg *config.Config, index int) worker.Config {
	return worker.Config{
		Index:    index,
		ReposDir: cfg.Paths.ReposDir,
		Clone: workspace.CloneOptions{
			URLTemplate: cfg.Git.RemoteTemplate,
			Fetch:       cfg.Git.FetchPullRefs,
		},
		CleanIgnored: cfg.Git.CleanIgnored,
		GitTimeout:   cfg.Git.Timeout,
		OverlayBatch: cfg.Git.OverlayBatch,
		Classify:     cfg.ClassifyOptions(),
	}
}

func splitKeys(s string) []string {
	var out []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// pendingKeys drops keys the part file already holds a record for.
func pendingKeys(keys []string, part *output.PartContents) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !part.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

func workerForwardArgs(cfg *config.Config, container bool) []string {
	args := []string{
		"--protocol", cfg.Classify.Protocol,
		"--failure-policy", cfg.Runner.FailurePolicy,
		"--test-timeout", cfg.Runner.Timeout.String(),
		"--shell", cfg.Runner.Shell,
		"--log-level", cfg.Logging.Level,
	}
	if cfg.Git.RemoteTemplate != "" {
		args = append(args, "--remote-template", cfg.Git.RemoteTemplate)
	}
	if !container {
		args = append(args, "--repos-dir", cfg.Paths.ReposDir)
	}
	if cfg.Git.OverlayBatch > 0 {
		args = append(args, "--overlay-batch", strconv.Itoa(cfg.Git.OverlayBatch))
	}
	return args
}
