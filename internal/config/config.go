// Package config loads agentdock configuration from defaults, config files,
// AGENTDOCK_* environment variables and runtime overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/spf13/viper"

	"github.com/3leaps/agentdock/pkg/archive"
	"github.com/3leaps/agentdock/pkg/containerpool"
	"github.com/3leaps/agentdock/pkg/dispatch"
	"github.com/3leaps/agentdock/pkg/runqueue"
	"github.com/3leaps/agentdock/pkg/runstore"
	"github.com/3leaps/agentdock/pkg/runstore/postgres"
)

// Identity names the application for config discovery.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the agentdock identity.
func DefaultIdentity() *Identity {
	return &Identity{BinaryName: "agentdock", EnvPrefix: "AGENTDOCK", ConfigName: "agentdock"}
}

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full agentdock configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Queue    QueueConfig    `mapstructure:"queue" yaml:"queue"`
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	Pool     PoolConfig     `mapstructure:"pool" yaml:"pool"`
	Archive  ArchiveConfig  `mapstructure:"archive" yaml:"archive"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

type DatabaseConfig struct {
	// Driver is sqlite (local file or libsql URL) or postgres.
	Driver    string `mapstructure:"driver" yaml:"driver"`
	Path      string `mapstructure:"path" yaml:"path"`
	URL       string `mapstructure:"url" yaml:"url"`
	AuthToken string `mapstructure:"auth_token" yaml:"-"`
	MaxConns  int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

type QueueConfig struct {
	LeaseSeconds int `mapstructure:"lease_seconds" yaml:"lease_seconds"`
}

type DispatchConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	WorkerIDPrefix  string        `mapstructure:"worker_id_prefix" yaml:"worker_id_prefix"`
	ScheduleModes   []string      `mapstructure:"schedule_modes" yaml:"schedule_modes"`
	ContainerMode   string        `mapstructure:"container_mode" yaml:"container_mode"`
	BrowserEnabled  bool          `mapstructure:"browser_enabled" yaml:"browser_enabled"`
	CallbackBaseURL string        `mapstructure:"callback_base_url" yaml:"callback_base_url"`
	SubmitTimeout   time.Duration `mapstructure:"submit_timeout" yaml:"submit_timeout"`
	FailTimeout     time.Duration `mapstructure:"fail_timeout" yaml:"fail_timeout"`
}

type PoolConfig struct {
	Image            string        `mapstructure:"image" yaml:"image"`
	BrowserImage     string        `mapstructure:"browser_image" yaml:"browser_image"`
	PublishedHost    string        `mapstructure:"published_host" yaml:"published_host"`
	ServicePort      int           `mapstructure:"service_port" yaml:"service_port"`
	StartTimeout     time.Duration `mapstructure:"start_timeout" yaml:"start_timeout"`
	ReadyTimeout     time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	WorkspaceRoot    string        `mapstructure:"workspace_root" yaml:"workspace_root"`
	WorkspaceVolume  string        `mapstructure:"workspace_volume_prefix" yaml:"workspace_volume_prefix"`
	DockerBinary     string        `mapstructure:"docker_binary" yaml:"docker_binary"`
	DefaultModel     string        `mapstructure:"default_model" yaml:"default_model"`
	AnthropicBaseURL string        `mapstructure:"anthropic_base_url" yaml:"anthropic_base_url"`
	AnthropicAPIKey  string        `mapstructure:"anthropic_api_key" yaml:"-"`
	Timezone         string        `mapstructure:"timezone" yaml:"timezone"`
	BrowserViewport  string        `mapstructure:"browser_viewport" yaml:"browser_viewport"`
	ExtraHosts       []string      `mapstructure:"extra_hosts" yaml:"extra_hosts"`
}

type ArchiveConfig struct {
	Enabled         bool     `mapstructure:"enabled" yaml:"enabled"`
	Bucket          string   `mapstructure:"bucket" yaml:"bucket"`
	Prefix          string   `mapstructure:"prefix" yaml:"prefix"`
	Region          string   `mapstructure:"region" yaml:"region"`
	Endpoint        string   `mapstructure:"endpoint" yaml:"endpoint"`
	Profile         string   `mapstructure:"profile" yaml:"profile"`
	AccessKeyID     string   `mapstructure:"access_key_id" yaml:"-"`
	SecretAccessKey string   `mapstructure:"secret_access_key" yaml:"-"`
	ForcePathStyle  bool     `mapstructure:"force_path_style" yaml:"force_path_style"`
	Exclude         []string `mapstructure:"exclude" yaml:"exclude"`
}

// DefaultArchiveExcludes are skipped when archiving a workspace.
var DefaultArchiveExcludes = []string{"**/.git/**", "**/node_modules/**"}

// DataDir returns the application data directory.
func DataDir() string {
	return gfconfig.GetAppDataDir(DefaultIdentity().ConfigName)
}

func defaultWorkerPrefix() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "agentdock"
	}
	return host
}

// ApplyDefaults registers every default on v.
func ApplyDefaults(v *viper.Viper) {
	dataDir := DataDir()

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", filepath.Join(dataDir, "agentdock.db"))
	v.SetDefault("database.url", "")
	v.SetDefault("database.auth_token", "")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("queue.lease_seconds", runqueue.DefaultLeaseSeconds)

	v.SetDefault("dispatch.enabled", true)
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.poll_interval", "2s")
	v.SetDefault("dispatch.worker_id_prefix", defaultWorkerPrefix())
	v.SetDefault("dispatch.schedule_modes", []string{})
	v.SetDefault("dispatch.container_mode", string(containerpool.ModeEphemeral))
	v.SetDefault("dispatch.browser_enabled", false)
	v.SetDefault("dispatch.callback_base_url", "http://host.docker.internal:8080")
	v.SetDefault("dispatch.submit_timeout", "30s")
	v.SetDefault("dispatch.fail_timeout", "10s")

	pool := containerpool.DefaultConfig()
	v.SetDefault("pool.image", pool.Image)
	v.SetDefault("pool.browser_image", "")
	v.SetDefault("pool.published_host", pool.PublishedHost)
	v.SetDefault("pool.service_port", pool.ServicePort)
	v.SetDefault("pool.start_timeout", "30s")
	v.SetDefault("pool.ready_timeout", "60s")
	v.SetDefault("pool.poll_interval", "1s")
	v.SetDefault("pool.stop_timeout", "10s")
	v.SetDefault("pool.workspace_root", filepath.Join(dataDir, "workspaces"))
	v.SetDefault("pool.workspace_volume_prefix", "")
	v.SetDefault("pool.docker_binary", "docker")
	v.SetDefault("pool.default_model", "")
	v.SetDefault("pool.anthropic_base_url", "")
	v.SetDefault("pool.anthropic_api_key", "")
	v.SetDefault("pool.timezone", pool.Timezone)
	v.SetDefault("pool.browser_viewport", pool.BrowserViewport)
	v.SetDefault("pool.extra_hosts", pool.ExtraHosts)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", archive.DefaultPrefix)
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")
	v.SetDefault("archive.force_path_style", false)
	v.SetDefault("archive.exclude", DefaultArchiveExcludes)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" && strings.TrimSpace(c.Database.URL) == "" {
			errs = append(errs, errors.New("database.path or database.url is required for sqlite"))
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Database.URL) == "" {
			errs = append(errs, errors.New("database.url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be %s or %s", c.Database.Driver, DriverSQLite, DriverPostgres))
	}
	if !containerpool.Mode(c.Dispatch.ContainerMode).Valid() {
		errs = append(errs, fmt.Errorf("dispatch.container_mode %q is invalid", c.Dispatch.ContainerMode))
	}
	for _, m := range c.Dispatch.ScheduleModes {
		if !runqueue.ScheduleMode(m).Valid() {
			errs = append(errs, fmt.Errorf("dispatch.schedule_modes: unknown mode %q", m))
		}
	}
	if c.Archive.Enabled {
		ac := c.ArchiveSettings()
		if err := ac.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StoreSettings returns the SQLite/libsql store config.
func (c *Config) StoreSettings() runstore.Config {
	return runstore.Config{Path: c.Database.Path, URL: c.Database.URL, AuthToken: c.Database.AuthToken}
}

// PostgresSettings returns the Postgres store config.
func (c *Config) PostgresSettings() postgres.Config {
	return postgres.Config{URL: c.Database.URL, MaxConns: c.Database.MaxConns}
}

// PoolSettings returns the container pool config.
func (c *Config) PoolSettings() containerpool.Config {
	return containerpool.Config{
		Image:            c.Pool.Image,
		BrowserImage:     c.Pool.BrowserImage,
		PublishedHost:    c.Pool.PublishedHost,
		ServicePort:      c.Pool.ServicePort,
		StartTimeout:     c.Pool.StartTimeout,
		ReadyTimeout:     c.Pool.ReadyTimeout,
		PollInterval:     c.Pool.PollInterval,
		StopTimeout:      c.Pool.StopTimeout,
		AnthropicBaseURL: c.Pool.AnthropicBaseURL,
		AnthropicAPIKey:  c.Pool.AnthropicAPIKey,
		DefaultModel:     c.Pool.DefaultModel,
		Timezone:         c.Pool.Timezone,
		BrowserViewport:  c.Pool.BrowserViewport,
		ExtraHosts:       c.Pool.ExtraHosts,
	}
}

// VolumeResolver returns the workspace resolver: named volumes when a volume
// prefix is set, host directories otherwise.
func (c *Config) VolumeResolver() containerpool.VolumeResolver {
	if strings.TrimSpace(c.Pool.WorkspaceVolume) != "" {
		return containerpool.NamedVolumeResolver{Prefix: c.Pool.WorkspaceVolume}
	}
	return containerpool.DirResolver{Root: c.Pool.WorkspaceRoot}
}

// DispatchSettings returns the dispatcher config. The claim lease is raised to
// cover container start and readiness.
func (c *Config) DispatchSettings() dispatch.Config {
	return dispatch.Config{
		Workers:         c.Dispatch.Workers,
		WorkerIDPrefix:  c.Dispatch.WorkerIDPrefix,
		LeaseSeconds:    dispatch.LeaseSecondsFor(c.Queue.LeaseSeconds, c.Pool.StartTimeout+c.Pool.ReadyTimeout),
		PollInterval:    c.Dispatch.PollInterval,
		ScheduleModes:   c.Dispatch.ScheduleModes,
		ContainerMode:   containerpool.Mode(c.Dispatch.ContainerMode),
		BrowserEnabled:  c.Dispatch.BrowserEnabled,
		CallbackBaseURL: c.Dispatch.CallbackBaseURL,
		FailTimeout:     c.Dispatch.FailTimeout,
	}
}

// ArchiveSettings returns the workspace archive config.
func (c *Config) ArchiveSettings() archive.Config {
	return archive.Config{
		Bucket:          c.Archive.Bucket,
		Prefix:          c.Archive.Prefix,
		Region:          c.Archive.Region,
		Endpoint:        c.Archive.Endpoint,
		Profile:         c.Archive.Profile,
		AccessKeyID:     c.Archive.AccessKeyID,
		SecretAccessKey: c.Archive.SecretAccessKey,
		ForcePathStyle:  c.Archive.ForcePathStyle,
		Exclude:         c.Archive.Exclude,
	}
}
