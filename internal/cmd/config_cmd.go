package cmd

import (
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/agentdock/internal/config"
)

var configShowDefaults bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after defaults, config files, environment
variables and flags are merged. Credentials are omitted and database URLs
are redacted.

Examples:
  agentdock config show
  agentdock config show --defaults
  agentdock --config ./agentdock.yaml config show`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configShowCmd.Flags().BoolVar(&configShowDefaults, "defaults", false, "Print only the built-in defaults")
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()

	if configShowDefaults {
		v := viper.New()
		config.ApplyDefaults(v)
		settings := v.AllSettings()
		for _, section := range []string{"pool", "archive", "database"} {
			if m, ok := settings[section].(map[string]any); ok {
				for _, k := range []string{"anthropic_api_key", "access_key_id", "secret_access_key", "auth_token"} {
					delete(m, k)
				}
			}
		}
		if err := enc.Encode(settings); err != nil {
			return exitError(foundry.ExitFileWriteError, "Encode defaults", err)
		}
		return nil
	}

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load config", err)
	}
	if cfg.Database.URL != "" {
		cfg.Database.URL = redactURL(cfg.Database.URL)
	}
	if err := enc.Encode(cfg); err != nil {
		return exitError(foundry.ExitFileWriteError, "Encode config", err)
	}
	return nil
}
