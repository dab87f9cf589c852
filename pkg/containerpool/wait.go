package containerpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var errWaitTimeout = errors.New("wait timed out")

// poll calls check immediately and then every interval until it reports done,
// the timeout elapses or ctx is canceled.
func poll(ctx context.Context, timeout, interval time.Duration, check func(context.Context) bool) (int, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		if check(ctx) {
			return attempts, nil
		}
		select {
		case <-ctx.Done():
			return attempts, ctx.Err()
		case <-deadline.C:
			return attempts, errWaitTimeout
		case <-ticker.C:
		}
	}
}

func (p *Pool) waitRunning(ctx context.Context, containerID, name, daemonID string) (*ContainerInfo, error) {
	started := p.now()
	var last *ContainerInfo
	attempts, err := poll(ctx, p.cfg.StartTimeout, p.cfg.PollInterval, func(ctx context.Context) bool {
		info, err := p.daemon.Inspect(ctx, daemonID)
		if err != nil {
			p.logger.Debug("inspect while waiting failed", zap.String("container_name", name), zap.Error(err))
			return false
		}
		last = info
		return info.Running()
	})

	status := ""
	if last != nil {
		status = last.Status
	}
	if err != nil {
		p.logger.Warn("timing",
			zap.String("step", "container_wait_running_timeout"),
			zap.Int64("duration_ms", p.now().Sub(started).Milliseconds()),
			zap.Int("attempts", attempts),
			zap.String("container_name", name),
			zap.String("status", status))
		if errors.Is(err, errWaitTimeout) {
			return nil, startFailed("wait_running", containerID,
				fmt.Sprintf("container %s failed to start within %s", name, p.cfg.StartTimeout), nil)
		}
		return nil, startFailed("wait_running", containerID, "wait for container interrupted", err)
	}

	p.logger.Info("timing",
		zap.String("step", "container_wait_running"),
		zap.Int64("duration_ms", p.now().Sub(started).Milliseconds()),
		zap.Int("attempts", attempts),
		zap.String("container_name", name),
		zap.String("status", status))
	return last, nil
}

func (p *Pool) waitService(ctx context.Context, containerID, endpoint string) error {
	started := p.now()
	attempts, err := poll(ctx, p.cfg.ReadyTimeout, p.cfg.PollInterval, func(ctx context.Context) bool {
		return p.prober.Probe(ctx, endpoint) == nil
	})
	if err != nil {
		p.logger.Warn("timing",
			zap.String("step", "container_wait_service_ready_timeout"),
			zap.Int64("duration_ms", p.now().Sub(started).Milliseconds()),
			zap.Int("attempts", attempts),
			zap.String("executor_url", endpoint))
		if errors.Is(err, errWaitTimeout) {
			return startFailed("wait_service", containerID,
				fmt.Sprintf("executor service at %s not ready within %s", endpoint, p.cfg.ReadyTimeout), nil)
		}
		return startFailed("wait_service", containerID, "wait for service interrupted", err)
	}

	p.logger.Info("timing",
		zap.String("step", "container_wait_service_ready"),
		zap.Int64("duration_ms", p.now().Sub(started).Milliseconds()),
		zap.Int("attempts", attempts),
		zap.String("executor_url", endpoint))
	return nil
}
