package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/testshift/internal/observability"
	"github.com/3leaps/testshift/pkg/output"
)

var mergeCmd = &cobra.Command{
	Use:   "merge [part.jsonl...]",
	Short: "Concatenate record files into one dataset",
	Long: `Merge record files into a single JSONL dataset. Blank lines and a
cut-off trailing line are dropped; inputs are left in place.

Example:
  testshift merge --output final.jsonl final.part00.jsonl final.part01.jsonl
  testshift merge --output all.jsonl --dir runs/ --pattern '**/final.jsonl'`,
	RunE: runMerge,
}

var (
	mergeOutput  string
	mergeDir     string
	mergePattern string
)

func init() {
	rootCmd.AddCommand(mergeCmd)

	mergeCmd.Flags().StringVarP(&mergeOutput, "output", "o", "", "Merged output file (required)")
	mergeCmd.Flags().StringVar(&mergeDir, "dir", "", "Directory to search for inputs")
	mergeCmd.Flags().StringVar(&mergePattern, "pattern", "final*.jsonl", "Glob for inputs under --dir")

	_ = mergeCmd.MarkFlagRequired("output")
}

func runMerge(cmd *cobra.Command, args []string) error {
	inputs, err := mergeInputs(args, mergeDir, mergePattern, mergeOutput)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid merge inputs", err)
	}
	if len(inputs) == 0 {
		return exitError(foundry.ExitFileNotFound, "No input files", errors.New("nothing matched"))
	}

	stats, err := output.Merge(mergeOutput, inputs, true)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Merge failed", err)
	}
	observability.CLILogger.Info("Merged records",
		zap.String("output", mergeOutput),
		zap.Int("inputs", len(inputs)),
		zap.Int("records", stats.Records),
		zap.Int("truncated_parts", stats.Truncated))
	fmt.Printf("merged=%d inputs=%d output=%s\n", stats.Records, len(inputs), mergeOutput)
	return nil
}

// mergeInputs lists explicit args followed by sorted glob matches under
// dir, skipping the output file itself.
func mergeInputs(args []string, dir, pattern, out string) ([]string, error) {
	outAbs, _ := filepath.Abs(out)
	seen := make(map[string]bool)
	var inputs []string
	add := func(p string) {
		abs, err := filepath.Abs(p)
		if err != nil || abs == outAbs || seen[abs] {
			return
		}
		seen[abs] = true
		inputs = append(inputs, p)
	}

	for _, a := range args {
		add(a)
	}
	if dir != "" {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid --pattern %q", pattern)
		}
		matches, err := doublestar.FilepathGlob(filepath.Join(dir, pattern), doublestar.WithFilesOnly())
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		for _, m := range matches {
			add(m)
		}
	}
	return inputs, nil
}
