package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/testshift/internal/config"
	"github.com/3leaps/testshift/internal/observability"
	"github.com/3leaps/testshift/pkg/command"
	"github.com/3leaps/testshift/pkg/manifest"
	"github.com/3leaps/testshift/pkg/output"
	"github.com/3leaps/testshift/pkg/worker"
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify changes sequentially in this process",
	Long: `Classify every change of a manifest one after another, without worker
processes. Each record is written as soon as its change finishes.

Example:
  testshift classify --job changes.yaml
  testshift classify --job changes.yaml --output results.jsonl
  testshift classify --job changes.yaml --changes 1234,1240`,
	Args: cobra.NoArgs,
	RunE: runClassify,
}

var (
	classifyJobPath string
	classifyOutput  string
	classifyChanges string
)

func init() {
	rootCmd.AddCommand(classifyCmd)

	classifyCmd.Flags().StringVarP(&classifyJobPath, "job", "j", "", "Path to change manifest (required)")
	classifyCmd.Flags().StringVarP(&classifyOutput, "output", "o", "", "Write records to this file instead of stdout")
	classifyCmd.Flags().StringVar(&classifyChanges, "changes", "", "Only classify these comma-separated change keys")
	bindWorkerConfigFlags(classifyCmd)

	_ = classifyCmd.MarkFlagRequired("job")
}

func runClassify(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := config.GetConfig()

	m, err := loadManifest(classifyJobPath, classifyChanges)
	if err != nil {
		return err
	}

	var sink worker.Sink
	if classifyOutput != "" {
		part, err := output.CreatePart(classifyOutput)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to create output file", err)
		}
		defer func() { _ = part.Close() }()
		sink = part
	} else {
		sink = newStreamSink(os.Stdout)
	}

	tally := &tallySink{next: sink}
	w := worker.New(workerConfig(cfg, 0), command.Exec{}, tally, nil, observability.CLILogger)
	runErr := w.Run(ctx, m.Changes)

	observability.CLILogger.Info("Classification finished",
		zap.Int("changes", tally.summary.Changes),
		zap.Int("successes", tally.summary.Classified),
		zap.Int("failures", tally.summary.Errored),
		zap.Int("fail2pass", tally.summary.Fail2Pass),
		zap.Int("ignore2pass", tally.summary.Ignore2Pass),
		zap.Int("pass2pass", tally.summary.Pass2Pass))

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return exitError(foundry.ExitSignalInt, "Classification interrupted", runErr)
		}
		return exitError(foundry.ExitFileWriteError, "Classification stopped", runErr)
	}
	return nil
}

// loadManifest loads a manifest and optionally narrows its Changes to keys.
func loadManifest(path, keys string) (*manifest.Manifest, error) {
	m, err := manifest.Load(path)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", path),
			zap.Error(err))
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(foundry.ExitFileNotFound, "Manifest not found", err)
		}
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	selected := splitKeys(keys)
	if len(selected) == 0 {
		return m, nil
	}
	changes, err := m.Select(selected)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --changes value", err)
	}
	m.Changes = changes
	return m, nil
}

// streamSink writes one JSON record per line to an unbuffered writer.
type streamSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newStreamSink(w io.Writer) *streamSink {
	return &streamSink{enc: json.NewEncoder(w)}
}

func (s *streamSink) Write(rec *output.ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(rec); err != nil {
		return &output.WriteError{Op: "encode", Err: fmt.Errorf("record %s: %w", rec.Key(), err)}
	}
	return nil
}

// tallySink counts records on their way to next.
type tallySink struct {
	next    worker.Sink
	summary output.SummaryRecord
}

func (t *tallySink) Write(rec *output.ResultRecord) error {
	if err := t.next.Write(rec); err != nil {
		return err
	}
	t.summary.Tally(rec)
	return nil
}
