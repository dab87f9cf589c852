package containerpool

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config holds pool settings.
type Config struct {
	// Image is the default executor image.
	Image string
	// BrowserImage is used when a browser is requested. Empty falls back to Image.
	BrowserImage string
	// PublishedHost is the host part of returned endpoints.
	PublishedHost string
	// ServicePort is the executor's port inside the container.
	ServicePort int
	// WorkspaceMount is where the workspace volume is mounted.
	WorkspaceMount string
	// Owner is written as the owner label.
	Owner string

	StartTimeout time.Duration
	ReadyTimeout time.Duration
	PollInterval time.Duration
	StopTimeout  time.Duration

	AnthropicBaseURL string
	AnthropicAPIKey  string
	DefaultModel     string
	Timezone         string
	BrowserViewport  string
	ExtraHosts       []string
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		Image:           "agentdock/executor:latest",
		PublishedHost:   "localhost",
		ServicePort:     8000,
		WorkspaceMount:  "/workspace",
		Owner:           "agentdock",
		StartTimeout:    30 * time.Second,
		ReadyTimeout:    60 * time.Second,
		PollInterval:    time.Second,
		StopTimeout:     10 * time.Second,
		Timezone:        "UTC",
		BrowserViewport: "1280x720",
		ExtraHosts:      []string{"host.docker.internal:host-gateway"},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Image) == "" {
		c.Image = def.Image
	}
	if strings.TrimSpace(c.PublishedHost) == "" {
		c.PublishedHost = def.PublishedHost
	}
	if c.ServicePort <= 0 {
		c.ServicePort = def.ServicePort
	}
	if c.WorkspaceMount == "" {
		c.WorkspaceMount = def.WorkspaceMount
	}
	if c.Owner == "" {
		c.Owner = def.Owner
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = def.StartTimeout
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = def.ReadyTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.BrowserViewport == "" {
		c.BrowserViewport = def.BrowserViewport
	}
	if c.ExtraHosts == nil {
		c.ExtraHosts = def.ExtraHosts
	}
	return c
}

func (c Config) portKey() string {
	return strconv.Itoa(c.ServicePort) + "/tcp"
}

// Pool provisions, reuses and tears down executor containers.
type Pool struct {
	cfg      Config
	daemon   Daemon
	prober   HealthProber
	volumes  VolumeResolver
	registry *Registry
	logger   *zap.Logger
	now      func() time.Time
	flight   singleflight.Group
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithProber overrides the readiness prober.
func WithProber(prober HealthProber) Option {
	return func(p *Pool) {
		if prober != nil {
			p.prober = prober
		}
	}
}

// WithRegistry injects a registry, e.g. one shared with other components.
func WithRegistry(r *Registry) Option {
	return func(p *Pool) {
		if r != nil {
			p.registry = r
		}
	}
}

// New creates a pool. The prober defaults to HTTPProber.
func New(cfg Config, daemon Daemon, volumes VolumeResolver, opts ...Option) *Pool {
	p := &Pool{
		cfg:      cfg.withDefaults(),
		daemon:   daemon,
		prober:   &HTTPProber{},
		volumes:  volumes,
		registry: NewRegistry(),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Registry returns the pool's registry.
func (p *Pool) Registry() *Registry {
	return p.registry
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// GetOrCreateContainer returns an endpoint for the session, reusing a tracked
// container when req.ContainerID names one and otherwise provisioning a new one.
func (p *Pool) GetOrCreateContainer(ctx context.Context, req Request) (*Acquisition, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.ContainerID = strings.TrimSpace(req.ContainerID)
	if req.SessionID == "" {
		return nil, &PoolError{Op: "acquire", Msg: "session_id cannot be empty", Err: ErrInvalidRequest}
	}
	if req.Mode == "" {
		req.Mode = ModeEphemeral
	}
	if !req.Mode.Valid() {
		return nil, &PoolError{Op: "acquire", Msg: "invalid container_mode: " + string(req.Mode), Err: ErrInvalidRequest}
	}

	started := p.now()
	if req.ContainerID != "" {
		if acq, ok := p.reuse(ctx, req, started); ok {
			return acq, nil
		}
	}

	containerID := ContainerIDFor(req.SessionID)
	v, err, _ := p.flight.Do(containerID, func() (any, error) {
		return p.provision(ctx, req, containerID, started)
	})
	if err != nil {
		return nil, err
	}
	p.registry.Bind(req.SessionID, containerID)
	return v.(*Acquisition), nil
}

func (p *Pool) reuse(ctx context.Context, req Request, started time.Time) (*Acquisition, bool) {
	tracked, ok := p.registry.Get(req.ContainerID)
	if !ok {
		return nil, false
	}
	p.logger.Info("reusing existing container",
		zap.String("container_id", req.ContainerID),
		zap.String("session_id", req.SessionID))
	p.registry.Bind(req.SessionID, req.ContainerID)

	info, err := p.daemon.Inspect(ctx, tracked.DaemonID)
	switch {
	case err == nil:
		p.registry.Update(req.ContainerID, func(c *ManagedContainer) {
			c.Status = info.Status
			if len(info.Labels) > 0 {
				c.Labels = info.Labels
			}
			if port := info.Ports[p.cfg.portKey()]; port > 0 {
				c.HostPort = port
				c.Endpoint = p.endpoint(port)
			}
		})
		tracked, _ = p.registry.Get(req.ContainerID)
	case IsNotFound(err):
		p.logger.Warn("tracked container is gone, recreating",
			zap.String("container_id", req.ContainerID),
			zap.String("daemon_id", tracked.DaemonID))
		p.registry.Forget(req.ContainerID)
		p.registry.UnbindAll(req.ContainerID)
		return nil, false
	default:
		p.logger.Debug("container refresh failed, using cached state",
			zap.String("container_id", req.ContainerID), zap.Error(err))
	}

	if req.BrowserEnabled && !tracked.BrowserEnabled() {
		p.logger.Info("container_reuse_mismatch_recreate",
			zap.String("session_id", req.SessionID),
			zap.String("user_id", req.UserID),
			zap.String("container_id", req.ContainerID),
			zap.String("container_mode", string(req.Mode)),
			zap.Bool("browser_enabled", true))
		p.DeleteContainer(ctx, req.ContainerID)
		return nil, false
	}
	if tracked.Endpoint == "" {
		// No usable port mapping; provision afresh.
		p.DeleteContainer(ctx, req.ContainerID)
		return nil, false
	}

	p.timing("container_reuse_total", started,
		zap.String("session_id", req.SessionID),
		zap.String("user_id", req.UserID),
		zap.String("container_id", req.ContainerID),
		zap.String("container_mode", string(req.Mode)),
		zap.Bool("browser_enabled", req.BrowserEnabled))
	return &Acquisition{Endpoint: tracked.Endpoint, ContainerID: req.ContainerID, Reused: true}, true
}

func (p *Pool) provision(ctx context.Context, req Request, containerID string, started time.Time) (*Acquisition, error) {
	name := ContainerNameFor(req.SessionID)

	step := p.now()
	removed := false
	if err := p.daemon.Remove(ctx, name); err == nil {
		removed = true
		p.logger.Warn("removed stale container", zap.String("container_name", name))
	} else if !IsNotFound(err) {
		p.logger.Warn("failed to remove stale container", zap.String("container_name", name), zap.Error(err))
	}
	p.timing("container_cleanup_stale", step,
		zap.String("session_id", req.SessionID),
		zap.String("container_id", containerID),
		zap.String("container_name", name),
		zap.Bool("removed", removed))

	p.logger.Info("creating container",
		zap.String("container_id", containerID),
		zap.String("container_mode", string(req.Mode)))

	step = p.now()
	volume, err := p.volumes.Resolve(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, startFailed("workspace", containerID, "resolve workspace volume", err)
	}
	p.timing("container_prepare_workspace_volume", step,
		zap.String("session_id", req.SessionID),
		zap.String("container_id", containerID))

	labels := map[string]string{
		LabelOwner:          p.cfg.Owner,
		LabelSessionID:      req.SessionID,
		LabelContainerID:    containerID,
		LabelUser:           req.UserID,
		LabelContainerMode:  string(req.Mode),
		LabelBrowserEnabled: strconv.FormatBool(req.BrowserEnabled),
	}

	step = p.now()
	image := p.resolveImage(req.BrowserEnabled)
	daemonID, err := p.daemon.Run(ctx, RunSpec{
		Name:        name,
		Image:       image,
		Labels:      labels,
		Env:         p.environment(req),
		Mounts:      []Mount{{Source: volume, Target: p.cfg.WorkspaceMount}},
		PublishPort: p.cfg.ServicePort,
		ExtraHosts:  p.cfg.ExtraHosts,
		AutoRemove:  true,
	})
	if err != nil {
		return nil, startFailed("run", containerID, "start container "+name, err)
	}
	p.timing("container_docker_run", step,
		zap.String("session_id", req.SessionID),
		zap.String("container_id", containerID),
		zap.String("container_name", name),
		zap.String("image", image),
		zap.Bool("browser_enabled", req.BrowserEnabled))

	p.registry.Track(&ManagedContainer{
		ContainerID: containerID,
		Name:        name,
		DaemonID:    daemonID,
		Mode:        req.Mode,
		Status:      "created",
		Labels:      labels,
		CreatedAt:   p.now().UTC(),
	})
	p.registry.Bind(req.SessionID, containerID)

	acq, err := p.awaitReady(ctx, req, containerID, name, daemonID)
	if err != nil {
		p.abandon(containerID, daemonID)
		return nil, err
	}

	p.timing("container_create_total", started,
		zap.String("session_id", req.SessionID),
		zap.String("user_id", req.UserID),
		zap.String("container_id", containerID),
		zap.String("container_name", name),
		zap.String("container_mode", string(req.Mode)))
	return acq, nil
}

func (p *Pool) awaitReady(ctx context.Context, req Request, containerID, name, daemonID string) (*Acquisition, error) {
	info, err := p.waitRunning(ctx, containerID, name, daemonID)
	if err != nil {
		return nil, err
	}

	port := info.Ports[p.cfg.portKey()]
	if port <= 0 {
		return nil, startFailed("port_mapping", containerID, fmt.Sprintf("container %s has no port mapping", name), nil)
	}
	endpoint := p.endpoint(port)

	if err := p.waitService(ctx, containerID, endpoint); err != nil {
		return nil, err
	}

	p.registry.Update(containerID, func(c *ManagedContainer) {
		c.Status = info.Status
		c.HostPort = port
		c.Endpoint = endpoint
	})
	p.logger.Info("container started",
		zap.String("container_id", containerID),
		zap.String("session_id", req.SessionID),
		zap.Int("host_port", port))
	return &Acquisition{Endpoint: endpoint, ContainerID: containerID}, nil
}

// abandon drops a container that never became ready and stops it best-effort.
func (p *Pool) abandon(containerID, daemonID string) {
	p.registry.Forget(containerID)
	p.registry.UnbindAll(containerID)

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StopTimeout+5*time.Second)
	defer cancel()
	if err := p.daemon.Stop(ctx, daemonID, p.cfg.StopTimeout); err != nil && !IsNotFound(err) {
		p.logger.Warn("failed to stop unready container",
			zap.String("container_id", containerID), zap.Error(err))
	}
}

func (p *Pool) resolveImage(browser bool) string {
	if !browser {
		return p.cfg.Image
	}
	if img := strings.TrimSpace(p.cfg.BrowserImage); img != "" {
		return img
	}
	p.logger.Warn("executor_browser_image_not_configured_falling_back",
		zap.String("executor_image", p.cfg.Image))
	return p.cfg.Image
}

func (p *Pool) environment(req Request) map[string]string {
	env := map[string]string{
		"ANTHROPIC_BASE_URL": p.cfg.AnthropicBaseURL,
		"DEFAULT_MODEL":      p.cfg.DefaultModel,
		"WORKSPACE_PATH":     p.cfg.WorkspaceMount,
		"USER_ID":            req.UserID,
		"SESSION_ID":         req.SessionID,
		"EXECUTOR_TIMEZONE":  p.cfg.Timezone,
	}
	if key := strings.TrimSpace(p.cfg.AnthropicAPIKey); key != "" {
		env["ANTHROPIC_API_KEY"] = key
	}
	if req.BrowserEnabled {
		env["BROWSER_VIEWPORT_SIZE"] = p.cfg.BrowserViewport
	}
	return env
}

func (p *Pool) endpoint(port int) string {
	return fmt.Sprintf("http://%s:%d", p.cfg.PublishedHost, port)
}

// OnTaskComplete releases a session's hold on its container. The container is
// stopped only when no other session is bound and it is ephemeral.
func (p *Pool) OnTaskComplete(ctx context.Context, sessionID string) {
	if ctx == nil {
		ctx = context.Background()
	}
	containerID, remaining, ok := p.registry.Unbind(sessionID)
	if !ok {
		return
	}
	if remaining > 0 {
		p.logger.Info("container still in use",
			zap.String("container_id", containerID),
			zap.Int("sessions", remaining))
		return
	}

	c, ok := p.registry.Forget(containerID)
	if !ok {
		return
	}
	if c.ModeOrDefault() != ModeEphemeral {
		return
	}
	p.logger.Info("container is ephemeral, stopping", zap.String("container_id", containerID))
	if err := p.daemon.Stop(ctx, c.DaemonID, p.cfg.StopTimeout); err != nil && !IsNotFound(err) {
		p.logger.Error("failed to stop container",
			zap.String("container_id", containerID), zap.Error(err))
	}
}

// DeleteContainer unbinds every session, forgets the container and stops and
// removes it. Unknown or blank ids are ignored.
func (p *Pool) DeleteContainer(ctx context.Context, containerID string) {
	if ctx == nil {
		ctx = context.Background()
	}
	cid := strings.TrimSpace(containerID)
	if cid == "" {
		return
	}
	p.registry.UnbindAll(cid)
	c, ok := p.registry.Forget(cid)
	if !ok {
		return
	}

	if err := p.daemon.Stop(ctx, c.DaemonID, p.cfg.StopTimeout); err != nil && !IsNotFound(err) {
		p.logger.Error("failed to stop container",
			zap.String("container_id", cid), zap.Error(err))
	}
	// Auto-remove usually wins this race.
	if err := p.daemon.Remove(ctx, c.DaemonID); err != nil && !IsNotFound(err) {
		p.logger.Debug("container remove failed",
			zap.String("container_id", cid), zap.Error(err))
	}
}

// cancelTarget is one container resolved for cancellation.
type cancelTarget struct {
	daemonID  string
	logicalID string
	source    string
}

// CancelTask stops every container that could be running the session's work.
//
// Lookups run in order: registry binding, session_id label, container_id label,
// deterministic name. Results are de-duplicated by daemon id, so a container
// found by several lookups is stopped once. Containers are stopped, not removed.
func (p *Pool) CancelTask(ctx context.Context, sessionID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.logger.Info("cancelling task", zap.String("session_id", sessionID))

	containerID, _, _ := p.registry.Unbind(sessionID)

	var targets []cancelTarget
	seen := make(map[string]bool)
	add := func(daemonID, logicalID, source string) {
		if daemonID == "" || seen[daemonID] {
			return
		}
		seen[daemonID] = true
		targets = append(targets, cancelTarget{daemonID: daemonID, logicalID: logicalID, source: source})
	}

	if containerID != "" {
		if tracked, ok := p.registry.Forget(containerID); ok {
			add(tracked.DaemonID, containerID, "registry")
		}
	}

	if ids, err := p.daemon.ListByLabel(ctx, LabelSessionID, sessionID); err == nil {
		for _, id := range ids {
			add(id, "", "session_label")
		}
	} else {
		p.logger.Debug("session label lookup failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	if containerID != "" {
		if ids, err := p.daemon.ListByLabel(ctx, LabelContainerID, containerID); err == nil {
			for _, id := range ids {
				add(id, containerID, "container_label")
			}
		} else {
			p.logger.Debug("container label lookup failed", zap.String("container_id", containerID), zap.Error(err))
		}
	}

	if info, err := p.daemon.Inspect(ctx, ContainerNameFor(sessionID)); err == nil {
		add(info.ID, info.Labels[LabelContainerID], "name")
	} else if !IsNotFound(err) {
		p.logger.Debug("name lookup failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(targets) == 0 {
		p.logger.Info("cancel_task_no_container_found",
			zap.String("session_id", sessionID),
			zap.String("container_id", containerID))
		return nil
	}

	for _, t := range targets {
		logicalID := t.logicalID
		if logicalID == "" {
			if info, err := p.daemon.Inspect(ctx, t.daemonID); err == nil {
				logicalID = info.Labels[LabelContainerID]
			}
		}

		err := p.daemon.Stop(ctx, t.daemonID, p.cfg.StopTimeout)
		switch {
		case err == nil:
			p.logger.Info("container_stopped",
				zap.String("session_id", sessionID),
				zap.String("container_id", firstNonEmpty(logicalID, containerID)),
				zap.String("docker_id", t.daemonID),
				zap.String("found_by", t.source))
		case IsNotFound(err):
		default:
			p.logger.Error("container_stop_failed",
				zap.String("session_id", sessionID),
				zap.String("container_id", firstNonEmpty(logicalID, containerID)),
				zap.String("docker_id", t.daemonID),
				zap.Error(err))
		}

		if logicalID != "" {
			p.registry.Forget(logicalID)
			p.registry.UnbindAll(logicalID)
		}
	}
	return nil
}

// Stats summarizes the containers tracked by this process.
func (p *Pool) Stats() Stats {
	snap := p.registry.Snapshot()
	stats := Stats{TotalActive: len(snap), Containers: make([]ContainerSummary, 0, len(snap))}
	for _, c := range snap {
		mode := c.ModeOrDefault()
		if mode == ModePersistent {
			stats.Persistent++
		} else {
			stats.Ephemeral++
		}
		id := c.Labels[LabelContainerID]
		if id == "" {
			id = c.Name
		}
		stats.Containers = append(stats.Containers, ContainerSummary{
			ContainerID: id,
			Name:        c.Name,
			Status:      c.Status,
			Mode:        mode,
		})
	}
	return stats
}

func (p *Pool) timing(step string, started time.Time, fields ...zap.Field) {
	fields = append([]zap.Field{
		zap.String("step", step),
		zap.Int64("duration_ms", p.now().Sub(started).Milliseconds()),
	}, fields...)
	p.logger.Info("timing", fields...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
