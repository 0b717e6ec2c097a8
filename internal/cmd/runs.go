package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/testshift/internal/config"
	"github.com/3leaps/testshift/pkg/command"
	"github.com/3leaps/testshift/pkg/runregistry"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and stop runs",
	Long: `Inspect run records kept in each run directory (run.json), and stop
runs that are still going.

Run ids may be abbreviated to any unique prefix.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsStatusCmd = &cobra.Command{
	Use:   "status <run_id>",
	Short: "Show a run record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsStatus,
}

var runsStopCmd = &cobra.Command{
	Use:   "stop <run_id>",
	Short: "Terminate a run and its workers",
	Long: `Signal the coordinator and every live worker of a run. Containers are
stopped with docker kill. With --signal term, anything still alive after
the grace period is killed. Records already written to part files are kept.`,
	Args: cobra.ExactArgs(1),
	RunE: runRunsStop,
}

var runsLogsCmd = &cobra.Command{
	Use:   "logs <run_id>",
	Short: "Show a worker log",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsLogs,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsStatusCmd)
	runsCmd.AddCommand(runsStopCmd)
	runsCmd.AddCommand(runsLogsCmd)

	bindConfigFlag(runsCmd.PersistentFlags(), "runs-dir", "paths.runs_dir")
	runsListCmd.Flags().Bool("json", false, "Output as JSON")
	runsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	runsStopCmd.Flags().String("signal", "term", "Signal to send: term or kill")
	runsStopCmd.Flags().Duration("grace", runregistry.DefaultStopGrace, "Wait before escalating term to kill")
	runsLogsCmd.Flags().Int("worker", 0, "Worker index")
	runsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = all)")
}

func runsStore() *runregistry.Store {
	return runregistry.NewStore(config.GetConfig().Paths.RunsDir)
}

// resolveRun maps an id or prefix to a record.
func resolveRun(store *runregistry.Store, idOrPrefix string) (*runregistry.RunRecord, error) {
	id, err := store.Resolve(idOrPrefix)
	if err != nil {
		if errors.Is(err, runregistry.ErrRunNotFound) {
			return nil, exitError(foundry.ExitFileNotFound, "Unknown run", err)
		}
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid run id", err)
	}
	rec, err := store.Get(id)
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to read run record", err)
	}
	return rec, nil
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	runs, err := runsStore().List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list runs", err)
	}
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if runs == nil {
			runs = []runregistry.RunRecord{}
		}
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No runs found")
		return nil
	}
	return writeRunsTable(os.Stdout, runs)
}

func writeRunsTable(out io.Writer, runs []runregistry.RunRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN ID\tSTATE\tMODE\tWORKERS\tDONE\tOK\tERR\tSTARTED\tENDED")
	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\t%d\t%d\t%s\t%s\n",
			r.RunID,
			r.State,
			dash(r.Mode),
			len(r.Workers),
			r.Counts.Done, r.Counts.Total,
			r.Counts.Succeeded,
			r.Counts.Failed,
			formatOptionalTime(r.StartedAt),
			formatOptionalTime(r.EndedAt),
		)
	}
	return w.Flush()
}

func runRunsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	rec, err := resolveRun(runsStore(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}
	writeRunStatus(os.Stdout, rec)
	return nil
}

func writeRunStatus(out io.Writer, rec *runregistry.RunRecord) {
	_, _ = fmt.Fprintf(out, "run_id=%s\n", rec.RunID)
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(out, "run_dir=%s\n", rec.RunDir)
	_, _ = fmt.Fprintf(out, "manifest_path=%s\n", rec.ManifestPath)
	if rec.Mode != "" {
		_, _ = fmt.Fprintf(out, "mode=%s\n", rec.Mode)
	}
	if rec.Protocol != "" {
		_, _ = fmt.Fprintf(out, "protocol=%s\n", rec.Protocol)
	}
	_, _ = fmt.Fprintf(out, "done=%d/%d succeeded=%d failed=%d\n",
		rec.Counts.Done, rec.Counts.Total, rec.Counts.Succeeded, rec.Counts.Failed)
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(out, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	for _, w := range rec.Workers {
		exit := "-"
		if w.ExitCode != nil {
			exit = fmt.Sprintf("%d", *w.ExitCode)
		}
		id := w.Container
		if id == "" {
			id = fmt.Sprintf("pid %d", w.PID)
		}
		_, _ = fmt.Fprintf(out, "worker[%d] %s changes=%d exit=%s log=%s\n", w.Index, id, w.Changes, exit, w.LogPath)
	}
	if rec.OutputPath != "" {
		_, _ = fmt.Fprintf(out, "output=%s\n", rec.OutputPath)
	}
	if rec.PublishedTo != "" {
		_, _ = fmt.Fprintf(out, "published_to=%s\n", rec.PublishedTo)
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(out, "error=%s\n", rec.Error)
	}
}

func runRunsStop(cmd *cobra.Command, args []string) error {
	sigStr, _ := cmd.Flags().GetString("signal")
	grace, _ := cmd.Flags().GetDuration("grace")
	sig, err := runregistry.ParseSignal(sigStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --signal value", err)
	}

	store := runsStore()
	rec, err := resolveRun(store, args[0])
	if err != nil {
		return err
	}
	report, err := store.Stop(cmd.Context(), rec.RunID, runregistry.StopOptions{
		Signal: sig,
		Grace:  grace,
		Runner: command.Exec{},
		Docker: config.GetConfig().Container.Docker,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to stop run", err)
	}

	sent := "term"
	if sig == syscall.SIGKILL {
		sent = "kill"
	}
	if report.Forced {
		sent += ";forced=kill"
	}
	_, _ = fmt.Fprintf(os.Stdout, "sent=%s signalled=%s\n", sent, strings.Join(report.Signalled, ","))
	return nil
}

func runRunsLogs(cmd *cobra.Command, args []string) error {
	index, _ := cmd.Flags().GetInt("worker")
	tailN, _ := cmd.Flags().GetInt("tail")

	rec, err := resolveRun(runsStore(), args[0])
	if err != nil {
		return err
	}
	if index < 0 || index >= len(rec.Workers) {
		return exitError(foundry.ExitInvalidArgument, "Invalid --worker value",
			fmt.Errorf("run has %d workers", len(rec.Workers)))
	}
	if err := printLogTail(os.Stdout, rec.Workers[index].LogPath, tailN); err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read worker log", err)
	}
	return nil
}

func printLogTail(out io.Writer, path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(out, f)
		return err
	}

	tail := command.NewTail(tailN)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		tail.Add(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	for _, line := range tail.Lines() {
		_, _ = fmt.Fprintln(out, line)
	}
	return nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
