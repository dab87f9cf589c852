package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	workerCount  int
	workerPrefix string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run dispatch workers without the HTTP API",
	Long: `Run only the dispatch loop. Any number of worker processes may share
one database; claims are exclusive across all of them.

Examples:
  agentdock worker
  agentdock worker --workers 8 --worker-prefix node-a`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().IntVar(&workerCount, "workers", 0, "Override dispatch.workers")
	workerCmd.Flags().StringVar(&workerPrefix, "worker-prefix", "", "Override dispatch.worker_id_prefix")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	d := map[string]any{}
	if workerCount > 0 {
		d["workers"] = workerCount
	}
	if workerPrefix != "" {
		d["worker_id_prefix"] = workerPrefix
	}
	cfg, err := loadConfig(cmd, map[string]any{"dispatch": d})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load config", err)
	}
	logger, err := serviceLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize worker", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Close failed", zap.Error(err))
		}
	}()

	if err := a.daemon.Preflight(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Container daemon unavailable", err)
	}
	return a.dispatcher.Run(ctx)
}
