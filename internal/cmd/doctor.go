package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/testshift/internal/config"
	"github.com/3leaps/testshift/internal/observability"
	"github.com/3leaps/testshift/pkg/command"
	"github.com/3leaps/testshift/pkg/publish"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the tools and directories a run needs and
suggest fixes for common issues.

Examples:
  testshift doctor
  testshift doctor --config ci.yaml`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// doctorCheck is one diagnostic. run returns a short detail on success.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func doctorChecks(cfg *config.Config, r command.Runner) []doctorCheck {
	checks := []doctorCheck{
		{"environment", func(context.Context) (string, error) {
			return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
		}},
		{"git", func(ctx context.Context) (string, error) {
			return toolVersion(ctx, r, "git", "--version")
		}},
		{"shell " + cfg.Runner.Shell, func(ctx context.Context) (string, error) {
			return toolVersion(ctx, r, cfg.Runner.Shell, "-c", "echo ok")
		}},
		{"runs directory", func(ctx context.Context) (string, error) {
			if err := os.MkdirAll(cfg.Paths.RunsDir, 0o755); err != nil {
				return "", err
			}
			return cfg.Paths.RunsDir, dirHealthChecker{dir: cfg.Paths.RunsDir}.CheckHealth(ctx)
		}},
		{"repositories directory", func(ctx context.Context) (string, error) {
			if err := os.MkdirAll(cfg.Paths.ReposDir, 0o755); err != nil {
				return "", err
			}
			return cfg.Paths.ReposDir, dirHealthChecker{dir: cfg.Paths.ReposDir}.CheckHealth(ctx)
		}},
	}
	if cfg.Container.Enabled {
		checks = append(checks, doctorCheck{"docker", func(ctx context.Context) (string, error) {
			return toolVersion(ctx, r, cfg.Container.Docker, "version", "--format", "{{.Server.Version}}")
		}})
	}
	if cfg.Publish.Destination != "" {
		checks = append(checks, doctorCheck{"publish destination", func(ctx context.Context) (string, error) {
			dest, err := publish.ParseDestination(cfg.Publish.Destination)
			if err != nil {
				return "", err
			}
			if dest.Scheme != publish.SchemeS3 {
				return dest.String(), nil
			}
			return checkAWSCredentials(ctx, dest)
		}})
	}
	return checks
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg := config.GetConfig()
	log := observability.CLILogger

	log.Info("=== testshift doctor ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	checks := doctorChecks(cfg, command.Exec{})
	failed := 0
	for i, c := range checks {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		detail, err := c.run(ctx)
		cancel()
		if err != nil {
			failed++
			log.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %v", i+1, len(checks), c.name, err),
				zap.String("check", c.name))
			if strings.HasPrefix(c.name, "publish") {
				printAWSCredentialsHelp()
			}
			continue
		}
		log.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", i+1, len(checks), c.name, detail),
			zap.String("check", c.name))
	}

	log.Info("")
	if failed > 0 {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		log.Info("")
		log.Info("=== End Diagnostics ===")
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed",
			fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	log.Info("✅ All checks passed! testshift is ready to run.")
	log.Info("")
	log.Info("=== End Diagnostics ===")
	return nil
}

// toolVersion runs a short probe command and returns its first output line.
func toolVersion(ctx context.Context, r command.Runner, name string, args ...string) (string, error) {
	if name == "" {
		return "", errors.New("not configured")
	}
	res, err := r.Run(ctx, name, args, command.RunOpts{Timeout: 20 * time.Second, TailLines: 20})
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", fmt.Errorf("%s exited with code %d: %s", name, res.ExitCode, strings.TrimSpace(res.Output))
	}
	line, _, _ := strings.Cut(strings.TrimSpace(res.Output), "\n")
	return line, nil
}

func checkAWSCredentials(ctx context.Context, dest publish.Destination) (string, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if dest.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(dest.Profile))
	}
	if dest.Region != "" {
		opts = append(opts, awsconfig.WithRegion(dest.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("cannot load AWS config: %w", err)
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("cannot retrieve credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s (access key %s, source %s)", dest.String(), maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), add ?endpoint=... to the destination")
	observability.CLILogger.Info("")
}
