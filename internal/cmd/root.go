// Package cmd implements the agentdock command line.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/agentdock/internal/config"
	"github.com/3leaps/agentdock/internal/observability"
	"github.com/3leaps/agentdock/internal/server/handlers"
)

var (
	cfgFile  string
	verbose  bool
	logLevel string

	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

	appIdentity *config.Identity
)

var rootCmd = &cobra.Command{
	Use:   "agentdock",
	Short: "Run queue and container pool for sandboxed agent execution",
	Long: `agentdock turns submitted prompts into leased runs, provisions executor
containers for their sessions and dispatches the work.

Examples:
  agentdock serve                      # HTTP API plus dispatch workers
  agentdock worker --workers 8         # dispatch workers only
  agentdock runs enqueue --user u1 --prompt "summarize the repo"
  agentdock doctor`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: agentdock.yaml in the user config dir or project root)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level for the service logger")
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		var ce *cliError
		if errors.As(err, &ce) {
			observability.CLILogger.Error(ce.Message, zap.Error(ce.Err))
			return ce.Code
		}
		observability.CLILogger.Error("Command failed", zap.Error(err))
		return 1
	}
	return 0
}

// SetVersionInfo records build metadata.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity set by initConfig, or nil.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

func initConfig() {
	appIdentity = config.DefaultIdentity()
	observability.InitCLILogger(appIdentity.BinaryName, verbose)
	config.SetConfigFile(cfgFile)
	setDefaults()
	viper.SetEnvPrefix(appIdentity.EnvPrefix)
	viper.AutomaticEnv()
}

func setDefaults() {
	config.ApplyDefaults(viper.GetViper())
}

// loadConfig loads configuration with flag overrides applied last.
func loadConfig(cmd *cobra.Command, overrides map[string]any) (*config.Config, error) {
	if overrides == nil {
		overrides = map[string]any{}
	}
	if logLevel != "" {
		overrides["logging"] = map[string]any{"level": logLevel}
	}
	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// cliError carries a process exit code.
type cliError struct {
	Code    int
	Message string
	Err     error
}

func (e *cliError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *cliError) Unwrap() error {
	return e.Err
}

func exitError(code int, message string, err error) error {
	return &cliError{Code: code, Message: message, Err: err}
}

// ExitWithCode logs and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger == nil {
		logger = observability.CLILogger
	}
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	os.Exit(code)
}
