package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for config discovery.
type Identity struct {
	BinaryName string
	ConfigName string
	EnvPrefix  string
}

// DefaultIdentity is used when Load runs before SetIdentity.
var DefaultIdentity = Identity{
	BinaryName: "evalfleet",
	ConfigName: "evalfleet",
	EnvPrefix:  "EVALFLEET_",
}

// ConfigFileEnv names the variable holding an explicit config file path.
const ConfigFileEnv = "EVALFLEET_CONFIG"

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
)

// EnvSpec maps one environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

var envKeys = []struct {
	suffix string
	path   string
}{
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"IDLE_TIMEOUT", "server.idle_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"LOG_LEVEL", "logging.level"},
	{"LOG_FORMAT", "logging.format"},
	{"LOG_FILE", "logging.file"},
	{"HEALTH_ENABLED", "health.enabled"},
	{"LEDGER_PATH", "ledger.path"},
	{"LEDGER_URL", "ledger.url"},
	{"LEDGER_AUTH_TOKEN", "ledger.auth_token"},
	{"REGISTRY_ROOT", "registry.root"},
	{"DEBUG", "debug.enabled"},
}

// SetIdentity overrides the identity used by subsequent Load calls.
func SetIdentity(id Identity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = &id
}

func identity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// Load builds the configuration. Each overrides map is nested by section,
// e.g. {"server": {"port": 9000}}, and wins over every other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	configMu.Unlock()

	v := viper.New()
	setDefaults(v.SetDefault)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	resolvePaths(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks value ranges that the type system does not.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q must be console or json", c.Logging.Format)
	}
	return nil
}

func readConfigFile(v *viper.Viper) error {
	v.SetConfigType("yaml")

	if explicit := strings.TrimSpace(os.Getenv(ConfigFileEnv)); explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	for _, path := range getUserConfigPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	return nil
}

// getUserConfigPaths lists candidate config files, most specific first.
func getUserConfigPaths() []string {
	id := identity()
	if id == nil {
		return nil
	}

	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths,
			filepath.Join(dir, id.ConfigName, "config.yaml"),
			filepath.Join(dir, id.ConfigName, "config.yml"))
	}
	paths = append(paths, filepath.Join("/etc", id.ConfigName, "config.yaml"))
	return paths
}

func getEnvSpecs() []EnvSpec {
	id := identity()
	if id == nil {
		return nil
	}
	specs := make([]EnvSpec, 0, len(envKeys))
	for _, k := range envKeys {
		specs = append(specs, EnvSpec{Name: id.EnvPrefix + k.suffix, Path: k.path})
	}
	return specs
}

// resolvePaths fills the ledger and registry locations from the per-user
// data directory when neither is configured.
func resolvePaths(cfg *Config) {
	id := identity()
	if id == nil {
		return
	}
	if cfg.Ledger.Path == "" && cfg.Ledger.URL == "" {
		cfg.Ledger.Path = filepath.Join(gfconfig.GetAppDataDir(id.ConfigName), "ledger.db")
	}
	if cfg.Registry.Root == "" {
		cfg.Registry.Root = filepath.Join(gfconfig.GetAppDataDir(id.ConfigName), "workers")
	}
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
