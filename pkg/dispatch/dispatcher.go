package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/3leaps/agentdock/pkg/containerpool"
	"github.com/3leaps/agentdock/pkg/runqueue"
)

// DefaultLeaseSeconds covers the pool's default start and readiness
// timeouts so a slow container does not cost the claim.
const DefaultLeaseSeconds = 120

// LeaseSecondsFor returns a lease long enough to outlast provisioning, never
// below minimum and never above runqueue.MaxLeaseSeconds.
func LeaseSecondsFor(minimum int, provision time.Duration) int {
	need := int((provision+30*time.Second+time.Second-1)/time.Second)
	lease := max(minimum, need)
	return min(lease, runqueue.MaxLeaseSeconds)
}

// Config holds dispatcher settings.
type Config struct {
	// Workers is the number of concurrent pollers.
	Workers int
	// WorkerIDPrefix prefixes worker ids as <prefix>-<n>.
	WorkerIDPrefix string
	LeaseSeconds   int
	// PollInterval is the minimum gap between two claims of one worker.
	PollInterval  time.Duration
	ScheduleModes []string

	// Container defaults used when the run config does not say otherwise.
	ContainerMode  containerpool.Mode
	BrowserEnabled bool

	// CallbackBaseURL is where executors report progress.
	CallbackBaseURL string

	// FailTimeout bounds the cleanup after a failed dispatch.
	FailTimeout time.Duration
}

// DefaultConfig returns dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		WorkerIDPrefix: "agentdock",
		LeaseSeconds:   DefaultLeaseSeconds,
		PollInterval:   2 * time.Second,
		ContainerMode:  containerpool.ModeEphemeral,
		FailTimeout:    10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if strings.TrimSpace(c.WorkerIDPrefix) == "" {
		c.WorkerIDPrefix = def.WorkerIDPrefix
	}
	if c.LeaseSeconds <= 0 {
		c.LeaseSeconds = def.LeaseSeconds
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.ContainerMode == "" {
		c.ContainerMode = def.ContainerMode
	}
	if c.FailTimeout <= 0 {
		c.FailTimeout = def.FailTimeout
	}
	return c
}

// Dispatcher runs the claim → container → start → submit loop.
type Dispatcher struct {
	cfg       Config
	queue     Queue
	pool      Pool
	submitter Submitter
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher. A nil submitter uses HTTPSubmitter.
func NewDispatcher(cfg Config, queue Queue, pool Pool, submitter Submitter, logger *zap.Logger) *Dispatcher {
	if submitter == nil {
		submitter = &HTTPSubmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:       cfg.withDefaults(),
		queue:     queue,
		pool:      pool,
		submitter: submitter,
		logger:    logger,
	}
}

// WorkerID returns the id of worker n.
func (d *Dispatcher) WorkerID(n int) string {
	return fmt.Sprintf("%s-%d", d.cfg.WorkerIDPrefix, n)
}

// Run starts the pollers and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		workerID := d.WorkerID(i)
		g.Go(func() error {
			return d.poll(gctx, workerID)
		})
	}
	d.logger.Info("dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Duration("poll_interval", d.cfg.PollInterval))
	err := g.Wait()
	d.logger.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) poll(ctx context.Context, workerID string) error {
	limiter := rate.NewLimiter(rate.Every(d.cfg.PollInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			// Wait fails once ctx is done or its deadline cannot be met.
			return nil
		}
		if _, err := d.DispatchOnce(ctx, workerID); err != nil && ctx.Err() == nil {
			d.logger.Warn("dispatch failed", zap.String("worker_id", workerID), zap.Error(err))
		}
	}
}

// DispatchOnce claims at most one run and executes it. It reports whether a
// run was claimed. When anything after the claim fails the run is failed with
// the error text and the session's container is released.
func (d *Dispatcher) DispatchOnce(ctx context.Context, workerID string) (bool, error) {
	claim, err := d.queue.ClaimDispatch(ctx, runqueue.ClaimParams{
		WorkerID:      workerID,
		LeaseSeconds:  d.cfg.LeaseSeconds,
		ScheduleModes: d.cfg.ScheduleModes,
	})
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if claim == nil {
		return false, nil
	}

	run := claim.Run
	log := d.logger.With(
		zap.String("run_id", run.ID),
		zap.String("session_id", run.SessionID),
		zap.String("worker_id", workerID))
	log.Info("run claimed")

	if err := d.execute(ctx, workerID, claim); err != nil {
		d.abort(ctx, workerID, run, err, log)
		return true, err
	}
	log.Info("run dispatched")
	return true, nil
}

func (d *Dispatcher) execute(ctx context.Context, workerID string, claim *runqueue.Claim) error {
	run := claim.Run
	cfg := claim.ConfigSnapshot

	acq, err := d.pool.GetOrCreateContainer(ctx, containerpool.Request{
		SessionID:      run.SessionID,
		UserID:         claim.UserID,
		BrowserEnabled: boolSetting(cfg, configBrowserEnabled, d.cfg.BrowserEnabled),
		Mode:           containerpool.Mode(stringSetting(cfg, configContainerMode, string(d.cfg.ContainerMode))),
		ContainerID:    stringSetting(cfg, configContainerID, ""),
	})
	if err != nil {
		return fmt.Errorf("acquire container: %w", err)
	}

	if _, err := d.queue.StartRun(ctx, run.ID, workerID); err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	if err := d.submitter.Submit(ctx, acq.Endpoint, Task{
		RunID:           run.ID,
		SessionID:       run.SessionID,
		UserID:          claim.UserID,
		WorkerID:        workerID,
		Prompt:          claim.Prompt,
		Config:          cfg,
		SDKSessionID:    claim.SDKSessionID,
		CallbackBaseURL: d.cfg.CallbackBaseURL,
		ContainerID:     acq.ContainerID,
	}); err != nil {
		return fmt.Errorf("submit task: %w", err)
	}
	return nil
}

func (d *Dispatcher) abort(ctx context.Context, workerID string, run *runqueue.Run, cause error, log *zap.Logger) {
	// Cleanup must outlive a canceled dispatch context.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.FailTimeout)
	defer cancel()

	reason := cause.Error()
	if _, err := d.queue.FailRun(cctx, run.ID, workerID, &reason); err != nil {
		if errors.Is(err, runqueue.ErrForbidden) {
			// The session's container now belongs to the new owner.
			log.Warn("run taken over before it could be failed", zap.Error(err), zap.NamedError("cause", cause))
			return
		}
		log.Error("failed to mark run failed", zap.Error(err))
	}
	d.pool.OnTaskComplete(cctx, run.SessionID)
	log.Warn("run dispatch aborted", zap.Error(cause))
}
