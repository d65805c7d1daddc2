// Package config loads evalfleet application settings.
//
// Settings come from, in increasing precedence: built-in defaults, a YAML
// config file, EVALFLEET_* environment variables and runtime overrides
// passed to Load. Job-level settings (topology, commands, results location)
// live in the fleet manifest, not here.
package config

import (
	"time"
)

// Config is the application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Health   HealthConfig   `mapstructure:"health"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Registry RegistryConfig `mapstructure:"registry"`
	Debug    DebugConfig    `mapstructure:"debug"`
}

// ServerConfig configures the node status server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LedgerConfig locates the run ledger. URL (libsql://) wins over Path.
type LedgerConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// RegistryConfig locates the per-rank worker registry. It must be on a
// filesystem shared by all nodes for cluster-wide status.
type RegistryConfig struct {
	Root string `mapstructure:"root"`
}

type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(set func(key string, value any)) {
	set("server.host", "localhost")
	set("server.port", 8080)
	set("server.read_timeout", 30*time.Second)
	set("server.write_timeout", 30*time.Second)
	set("server.idle_timeout", 120*time.Second)
	set("server.shutdown_timeout", 10*time.Second)

	set("logging.level", "info")
	set("logging.format", "console")
	set("logging.file", "")
	set("logging.max_size_mb", 50)
	set("logging.max_backups", 5)
	set("logging.max_age_days", 14)

	set("health.enabled", true)

	set("ledger.path", "")
	set("ledger.url", "")
	set("ledger.auth_token", "")

	set("registry.root", "")

	set("debug.enabled", false)
}
