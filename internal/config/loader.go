package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// EnvSpec maps an environment variable onto a config path.
type EnvSpec struct {
	Name string
	Path string
}

// SetConfigFile makes Load read path in addition to the discovered files.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// GetConfig returns the most recently loaded configuration.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Load builds the configuration. Precedence, lowest first: defaults, user
// config file, project config file, explicit config file, environment,
// overrides.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	ApplyDefaults(v)

	files := getUserConfigPaths()
	if root, err := findProjectRoot(); err == nil {
		files = append(files, filepath.Join(root, appIdentity.ConfigName+".yaml"))
	}
	for _, path := range files {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := mergeFile(v, path); err != nil {
			return nil, err
		}
	}
	if explicit != "" {
		if err := mergeFile(v, explicit); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(appIdentity.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Profile = strings.ToLower(strings.TrimSpace(cfg.Logging.Profile))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

func mergeFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	return []string{filepath.Join(dir, id.ConfigName, id.ConfigName+".yaml")}
}

// getEnvSpecs lists the short environment aliases. Every config path is also
// reachable as <PREFIX>_<SECTION>_<KEY> through AutomaticEnv.
func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}
	p := id.EnvPrefix + "_"
	return []EnvSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "DB_DRIVER", Path: "database.driver"},
		{Name: p + "DB_PATH", Path: "database.path"},
		{Name: p + "DATABASE_URL", Path: "database.url"},
		{Name: p + "DB_AUTH_TOKEN", Path: "database.auth_token"},
		{Name: p + "LEASE_SECONDS", Path: "queue.lease_seconds"},
		{Name: p + "WORKERS", Path: "dispatch.workers"},
		{Name: p + "DISPATCH_ENABLED", Path: "dispatch.enabled"},
		{Name: p + "CALLBACK_BASE_URL", Path: "dispatch.callback_base_url"},
		{Name: p + "EXECUTOR_IMAGE", Path: "pool.image"},
		{Name: p + "BROWSER_IMAGE", Path: "pool.browser_image"},
		{Name: p + "WORKSPACE_ROOT", Path: "pool.workspace_root"},
		{Name: p + "DOCKER_BINARY", Path: "pool.docker_binary"},
		{Name: "ANTHROPIC_API_KEY", Path: "pool.anthropic_api_key"},
		{Name: "ANTHROPIC_BASE_URL", Path: "pool.anthropic_base_url"},
		{Name: p + "ARCHIVE_ENABLED", Path: "archive.enabled"},
		{Name: p + "ARCHIVE_BUCKET", Path: "archive.bucket"},
	}
}

var ciBoundaryVars = []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

// findProjectRoot returns the nearest ancestor of the working directory that
// holds a go.mod or .git. In CI the workspace variables take precedence when
// they name an existing absolute directory containing the working directory.
// Without a marker it returns the working directory.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		for _, name := range ciBoundaryVars {
			if root, ok := boundaryRoot(os.Getenv(name), cwd); ok {
				return root, nil
			}
		}
	}

	dir := cwd
	for {
		for _, marker := range []string{"go.mod", ".git"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd, nil
		}
		dir = parent
	}
}

func boundaryRoot(candidate, cwd string) (string, bool) {
	if candidate == "" || !filepath.IsAbs(candidate) {
		return "", false
	}
	info, err := os.Stat(candidate)
	if err != nil || !info.IsDir() {
		return "", false
	}
	rel, err := filepath.Rel(candidate, cwd)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.Clean(candidate), true
}
