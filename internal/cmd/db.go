package cmd

import (
	"net/url"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/agentdock/internal/observability"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the run database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the run database schema",
	Long: `Open the configured run database and apply its schema. Serving and
worker processes migrate on startup as well; this command lets operators do
it ahead of a rollout.

Examples:
  agentdock db migrate
  AGENTDOCK_DB_DRIVER=postgres AGENTDOCK_DATABASE_URL=postgres://... agentdock db migrate`,
	Args: cobra.NoArgs,
	RunE: runDBMigrate,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbMigrateCmd)
}

func runDBMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load config", err)
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Migration failed", err)
	}
	if err := store.Close(); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Close failed", err)
	}

	target := cfg.Database.Path
	if cfg.Database.URL != "" {
		target = redactURL(cfg.Database.URL)
	}
	observability.CLILogger.Info("Schema up to date",
		zap.String("driver", cfg.Database.Driver),
		zap.String("target", target))
	return nil
}

// redactURL hides any password in a connection URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable url>"
	}
	return u.Redacted()
}
