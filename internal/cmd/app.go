package cmd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/agentdock/internal/config"
	"github.com/3leaps/agentdock/internal/server/handlers"
	"github.com/3leaps/agentdock/pkg/archive"
	"github.com/3leaps/agentdock/pkg/containerpool"
	"github.com/3leaps/agentdock/pkg/containerpool/docker"
	"github.com/3leaps/agentdock/pkg/dispatch"
	"github.com/3leaps/agentdock/pkg/runqueue"
	"github.com/3leaps/agentdock/pkg/runstore"
	"github.com/3leaps/agentdock/pkg/runstore/postgres"
)

// runStore is a queue store that can be pinged and closed.
type runStore interface {
	runqueue.Store
	Ping(ctx context.Context) error
	Close() error
}

// openStore opens and migrates the configured run store.
func openStore(ctx context.Context, cfg *config.Config) (runStore, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.PostgresSettings())
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverSQLite:
		s, err := runstore.OpenStore(ctx, cfg.StoreSettings())
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
}

// pingChecker adapts a ping function to handlers.HealthChecker.
type pingChecker func(ctx context.Context) error

func (p pingChecker) CheckHealth(ctx context.Context) error {
	return p(ctx)
}

// app is the assembled service.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      runStore
	queue      *runqueue.Service
	daemon     *docker.CLI
	pool       *containerpool.Pool
	finisher   *dispatch.Finisher
	canceller  *dispatch.Canceller
	dispatcher *dispatch.Dispatcher
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: store}
	a.queue = runqueue.NewService(store, runqueue.WithLogger(logger.Named("runqueue")))
	a.daemon = docker.New(cfg.Pool.DockerBinary)

	volumes := cfg.VolumeResolver()
	a.pool = containerpool.New(cfg.PoolSettings(), a.daemon, volumes,
		containerpool.WithLogger(logger.Named("pool")))

	var (
		archiver archive.Archiver
		dirFn    dispatch.WorkspaceDirFunc
	)
	if cfg.Archive.Enabled {
		dirs, ok := volumes.(containerpool.DirResolver)
		if !ok {
			_ = store.Close()
			return nil, errors.New("archive.enabled requires host directory workspaces (pool.workspace_volume_prefix must be empty)")
		}
		s3a, err := archive.New(ctx, cfg.ArchiveSettings(), archive.WithLogger(logger.Named("archive")))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("create archiver: %w", err)
		}
		archiver, dirFn = s3a, dirs.Dir
	}

	a.finisher = dispatch.NewFinisher(a.queue, a.pool, archiver, dirFn, logger.Named("finisher"))
	a.canceller = dispatch.NewCanceller(a.queue, a.pool, logger.Named("canceller"))
	submitter := &dispatch.HTTPSubmitter{Timeout: cfg.Dispatch.SubmitTimeout}
	a.dispatcher = dispatch.NewDispatcher(cfg.DispatchSettings(), a.queue, a.pool, submitter, logger.Named("dispatch"))
	return a, nil
}

func (a *app) api() *handlers.API {
	return &handlers.API{
		Queue:     a.queue,
		Finisher:  a.finisher,
		Canceller: a.canceller,
		Pool:      a.pool,
		Logger:    a.logger.Named("api"),
	}
}

func (a *app) registerHealth(m *handlers.HealthManager) {
	m.RegisterChecker("database", pingChecker(a.store.Ping))
	m.RegisterChecker("docker", a.daemon)
}

// Close waits for pending archive uploads and closes the store.
func (a *app) Close() error {
	a.finisher.Wait()
	return a.store.Close()
}
