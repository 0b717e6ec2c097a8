// Package cmd holds the testshift cobra verbs.
package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/3leaps/testshift/internal/config"
	apperrors "github.com/3leaps/testshift/internal/errors"
	"github.com/3leaps/testshift/internal/observability"
	"github.com/3leaps/testshift/internal/server/handlers"
)

// configKeyAnnotation marks flags that override a config key.
const configKeyAnnotation = "testshift/config-key"

var (
	cfgFile string
	verbose bool

	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

var rootCmd = &cobra.Command{
	Use:   "testshift",
	Short: "Classify tests by differential execution across code changes",
	Long: `testshift runs a project's tests against a code change in up to three
repository states and classifies each test as fail-to-pass, ignore-to-pass
or pass-to-pass. Runs fan out over worker processes or containers and
produce one JSON record per change.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./testshift.yaml or ~/.config/testshift/testshift.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	bindConfigFlag(rootCmd.PersistentFlags(), "log-level", "logging.level")
}

// SetVersionInfo records build metadata for --version and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate)
	handlers.SetVersionInfo(version, commit, buildDate)
}

// ExecuteContext runs the root command.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)
	cfg, err := config.Load(cmd.Context(), flagOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	observability.InitCLILogger("testshift", verbose, observability.Options{
		Level:      cfg.Logging.Level,
		Structured: strings.EqualFold(cfg.Logging.Profile, "STRUCTURED"),
	})
	return nil
}

// bindConfigFlag registers a string flag whose value, when set, overrides
// the config key.
func bindConfigFlag(fs *pflag.FlagSet, name, key string) {
	if fs.Lookup(name) == nil {
		fs.String(name, "", "Override config key "+key)
	}
	_ = fs.SetAnnotation(name, configKeyAnnotation, []string{key})
}

// flagOverrides collects config overrides from the flags the user set.
func flagOverrides(cmd *cobra.Command) map[string]any {
	out := make(map[string]any)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		keys := f.Annotations[configKeyAnnotation]
		if len(keys) == 0 {
			return
		}
		out[keys[0]] = f.Value.String()
	})
	return out
}

func exitError(code int, message string, err error) error {
	return &apperrors.ExitError{Code: code, Message: message, Err: err}
}
