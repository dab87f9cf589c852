package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/agentdock/internal/config"
	apperrors "github.com/3leaps/agentdock/internal/errors"
	"github.com/3leaps/agentdock/internal/observability"
	"github.com/3leaps/agentdock/pkg/archive"
	"github.com/3leaps/agentdock/pkg/containerpool/docker"
)

var (
	doctorSkipDocker bool
	doctorArchive    bool
	doctorProbe      bool
	doctorTimeout    time.Duration
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment agentdock needs: the run
database, the container daemon and, when archiving is enabled, S3 credentials.

Examples:
  agentdock doctor                # Full environment check
  agentdock doctor --skip-docker  # Skip the container daemon check
  agentdock doctor --archive      # Check S3 credentials even if archive.enabled is false
  agentdock doctor --probe-write  # Also write and delete a marker object in the bucket`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorSkipDocker, "skip-docker", false, "Skip the container daemon check")
	doctorCmd.Flags().BoolVar(&doctorArchive, "archive", false, "Run S3 archive checks regardless of archive.enabled")
	doctorCmd.Flags().BoolVar(&doctorProbe, "probe-write", false, "Write and delete a marker object in the archive bucket")
	doctorCmd.Flags().DurationVar(&doctorTimeout, "timeout", 10*time.Second, "Timeout for each external check")
}

// doctorReport numbers and logs check results.
type doctorReport struct {
	num   int
	total int
	ok    bool
}

func (r *doctorReport) pass(check, detail string, fields ...zap.Field) {
	r.num++
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", r.num, r.total, check, detail), fields...)
}

func (r *doctorReport) warn(check, detail string, fields ...zap.Field) {
	r.num++
	r.ok = false
	observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking %s... ⚠️  %s", r.num, r.total, check, detail), fields...)
}

func (r *doctorReport) fail(check, detail string, fields ...zap.Field) {
	r.num++
	r.ok = false
	observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %s", r.num, r.total, check, detail), fields...)
}

func runDoctor(cmd *cobra.Command, _ []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		ExitWithCode(observability.CLILogger, foundry.ExitInvalidArgument, "Invalid configuration",
			apperrors.NewBadRequest(err.Error()))
		return
	}

	archiveChecks := doctorArchive || cfg.Archive.Enabled
	r := &doctorReport{total: 6, ok: true}
	if !doctorSkipDocker {
		r.total++
	}
	if archiveChecks {
		r.total += 2
		if doctorProbe {
			r.total++
		}
	}

	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		r.pass("Go version", goVersion, zap.String("go_version", goVersion))
	} else {
		r.warn("Go version", goVersion+" (recommended: go1.23+)", zap.String("go_version", goVersion))
	}

	version := crucible.GetVersion()
	if version.Crucible != "" {
		r.pass("Crucible access", "v"+version.Crucible, zap.String("crucible_version", version.Crucible))
	} else {
		r.fail("Crucible access", "Cannot access Crucible")
	}
	if version.Gofulmen != "" {
		r.pass("Gofulmen access", "v"+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
	} else {
		r.fail("Gofulmen access", "Cannot access Gofulmen")
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		r.fail("config directory", "Cannot find config directory", zap.Error(err))
		ExitWithCode(observability.CLILogger, foundry.ExitFileNotFound, "Cannot find config directory",
			apperrors.WrapInternal(cmd.Context(), err, "Cannot find config directory"))
		return
	}
	r.pass("config directory", configDir, zap.String("config_dir", configDir))

	r.pass("environment", runtime.GOOS+"/"+runtime.GOARCH,
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))

	checkDatabase(cmd.Context(), r, cfg)
	if !doctorSkipDocker {
		checkDocker(cmd.Context(), r, cfg)
	}
	if archiveChecks {
		runS3Checks(cmd.Context(), r, cfg.ArchiveSettings())
	}

	observability.CLILogger.Info("")
	if r.ok {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

func checkDatabase(ctx context.Context, r *doctorReport, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()

	target := cfg.Database.Path
	if cfg.Database.URL != "" {
		target = redactURL(cfg.Database.URL)
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		r.fail("run database", "Cannot open "+cfg.Database.Driver+" store",
			zap.String("target", target), zap.Error(err))
		return
	}
	defer func() { _ = store.Close() }()
	if err := store.Ping(ctx); err != nil {
		r.fail("run database", "Ping failed", zap.String("target", target), zap.Error(err))
		return
	}
	r.pass("run database", cfg.Database.Driver+" "+target,
		zap.String("driver", cfg.Database.Driver))
}

func checkDocker(ctx context.Context, r *doctorReport, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()

	daemon := docker.New(cfg.Pool.DockerBinary)
	if err := daemon.Preflight(ctx); err != nil {
		r.fail("container daemon", "Daemon unreachable", zap.String("binary", cfg.Pool.DockerBinary), zap.Error(err))
		observability.CLILogger.Info("")
		observability.CLILogger.Info("Make sure the docker daemon is running and the current user can reach it,")
		observability.CLILogger.Info("or point pool.docker_binary at a compatible CLI (for example podman).")
		observability.CLILogger.Info("")
		return
	}
	r.pass("container daemon", cfg.Pool.DockerBinary, zap.String("image", cfg.Pool.Image))
}

// runS3Checks verifies the archive bucket settings and AWS credentials.
func runS3Checks(ctx context.Context, r *doctorReport, ac archive.Config) {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Archive Checks:")

	if err := ac.Validate(); err != nil {
		r.fail("archive settings", "Invalid", zap.Error(err))
	} else {
		r.pass("archive settings", "s3://"+ac.Bucket+"/"+ac.Prefix, zap.String("endpoint", ac.Endpoint))
	}

	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()

	awsCfg, err := archive.LoadAWSConfig(ctx, ac)
	if err != nil {
		r.fail("AWS credentials", "Cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		r.fail("AWS credentials", "Cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	r.pass("AWS credentials", "Found credentials",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", source),
		zap.String("region", awsCfg.Region))

	if doctorProbe {
		probeArchiveWrite(ctx, r, ac)
	}
}

func probeArchiveWrite(ctx context.Context, r *doctorReport, ac archive.Config) {
	a, err := archive.New(ctx, ac)
	if err != nil {
		r.fail("archive write", "Cannot create archiver", zap.Error(err))
		return
	}
	results, err := a.Probe(ctx)
	if err != nil {
		r.fail("archive write", "Upload denied", zap.Error(err))
		return
	}
	for _, res := range results {
		if !res.Allowed {
			observability.CLILogger.Warn("Probe marker could not be removed",
				zap.String("key", res.Key), zap.String("detail", res.Detail))
		}
	}
	r.pass("archive write", "s3://"+ac.Bucket+"/"+results[0].Key)
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure archive credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Set archive.profile to a profile created with 'aws configure', or")
	observability.CLILogger.Info("  3. Use an IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - archive.endpoint and archive.force_path_style")
	observability.CLILogger.Info("")
}
