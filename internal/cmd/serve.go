package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/agentdock/internal/config"
	"github.com/3leaps/agentdock/internal/observability"
	"github.com/3leaps/agentdock/internal/server"
	"github.com/3leaps/agentdock/internal/server/handlers"
)

var (
	serveHost       string
	servePort       int
	serveNoDispatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the dispatch workers",
	Long: `Run the agentdock HTTP API. Unless --no-dispatch is given (or
dispatch.enabled is false) the dispatch workers run in the same process.

Examples:
  agentdock serve
  agentdock serve --port 9000 --no-dispatch`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Override server.host")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override server.port")
	serveCmd.Flags().BoolVar(&serveNoDispatch, "no-dispatch", false, "Serve the API without dispatch workers")
}

// signalHealthChecker reports the process as able to receive signals.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error {
	return nil
}

// identityHealthChecker verifies the application identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("identity: missing binary name")
	case c.envPrefix == "":
		return errors.New("identity: missing env prefix")
	case c.configName == "":
		return errors.New("identity: missing config name")
	}
	return nil
}

func serverOverrides() map[string]any {
	srv := map[string]any{}
	if serveHost != "" {
		srv["host"] = serveHost
	}
	if servePort != 0 {
		srv["port"] = servePort
	}
	if len(srv) == 0 {
		return nil
	}
	return map[string]any{"server": srv}
}

// serviceLogger builds the service logger from cfg.Logging.
func serviceLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := observability.NewLogger(observability.LoggingConfig{
		Level:   cfg.Logging.Level,
		Profile: cfg.Logging.Profile,
	})
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid logging config", err)
	}
	return logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, serverOverrides())
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
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize service", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Close failed", zap.Error(err))
		}
	}()

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("signal", signalHealthChecker{})
	if id := GetAppIdentity(); id != nil {
		health.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}
	a.registerHealth(health)

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithAPI(a.api()),
		server.WithLogger(logger.Named("http")),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout))

	dispatchOn := cfg.Dispatch.Enabled && !serveNoDispatch
	logger.Info("Starting agentdock",
		zap.String("version", versionInfo.Version),
		zap.String("addr", srv.Addr()),
		zap.String("database", cfg.Database.Driver),
		zap.Bool("dispatch", dispatchOn),
		zap.Bool("archive", cfg.Archive.Enabled))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx, cfg.Server.ShutdownTimeout)
	})
	if dispatchOn {
		g.Go(func() error {
			return a.dispatcher.Run(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server stopped with error", err)
	}
	logger.Info("agentdock stopped")
	return nil
}
