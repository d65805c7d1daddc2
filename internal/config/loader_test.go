package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps the developer's own config file and environment out of the
// test.
func isolate(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	t.Setenv(ConfigFileEnv, "")
	for _, k := range envKeys {
		t.Setenv(DefaultIdentity.EnvPrefix+k.suffix, "")
		_ = os.Unsetenv(DefaultIdentity.EnvPrefix + k.suffix)
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "console", cfg.Logging.Format)
		assert.Empty(t, cfg.Logging.File)

		assert.True(t, cfg.Health.Enabled)
		assert.False(t, cfg.Debug.Enabled)

		assert.Equal(t, "ledger.db", filepath.Base(cfg.Ledger.Path))
		assert.Equal(t, "workers", filepath.Base(cfg.Registry.Root))
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "console", cfg.Logging.Format)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("EVALFLEET_PORT", "3000")
		t.Setenv("EVALFLEET_LOG_LEVEL", "warn")
		t.Setenv("EVALFLEET_HEALTH_ENABLED", "false")
		t.Setenv("EVALFLEET_REGISTRY_ROOT", "/shared/evalfleet/workers")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Health.Enabled)
		assert.Equal(t, "/shared/evalfleet/workers", cfg.Registry.Root)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("EVALFLEET_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{"server": map[string]any{"port": 5000}})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		isolate(t)
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
logging:
  format: json
ledger:
  url: libsql://fleet.turso.io
`), 0o644))
		t.Setenv(ConfigFileEnv, path)
		t.Setenv("EVALFLEET_PORT", "7171")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7171, cfg.Server.Port, "env wins over file")
		assert.Equal(t, "json", cfg.Logging.Format)
		assert.Equal(t, "libsql://fleet.turso.io", cfg.Ledger.URL)
		assert.Empty(t, cfg.Ledger.Path, "a ledger URL suppresses the default path")
	})

	t.Run("UserConfigDir", func(t *testing.T) {
		isolate(t)
		dir, err := os.UserConfigDir()
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "evalfleet"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "evalfleet", "config.yaml"), []byte("server:\n  host: 10.0.0.5\n"), 0o644))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.5", cfg.Server.Host)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		isolate(t)
		t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := Load(ctx)
		assert.Error(t, err)
	})

	t.Run("InvalidValues", func(t *testing.T) {
		isolate(t)
		_, err := Load(ctx, map[string]any{"logging": map[string]any{"level": "loud"}})
		assert.Error(t, err)

		_, err = Load(ctx, map[string]any{"server": map[string]any{"port": 70000}})
		assert.Error(t, err)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Load(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
}

func TestDurationParsing(t *testing.T) {
	isolate(t)
	t.Setenv("EVALFLEET_READ_TIMEOUT", "45s")
	t.Setenv("EVALFLEET_SHUTDOWN_TIMEOUT", "5m")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
}

func TestConfigReload(t *testing.T) {
	isolate(t)
	ctx := context.Background()

	cfg1, err := Load(ctx)
	require.NoError(t, err)
	initialPort := cfg1.Server.Port

	cfg2, err := Load(ctx, map[string]any{"server": map[string]any{"port": initialPort + 1000}})
	require.NoError(t, err)
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

// resetAppIdentity resets package state for isolated tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() { _, _ = Load(context.Background()) }()

	assert.Empty(t, getUserConfigPaths())
	assert.Empty(t, getEnvSpecs())
	assert.Nil(t, GetConfig())
}

func TestEnvSpecs(t *testing.T) {
	isolate(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		names[spec.Name] = true
		assert.Contains(t, spec.Name, "EVALFLEET_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
	for _, want := range []string{"EVALFLEET_LOG_LEVEL", "EVALFLEET_PORT", "EVALFLEET_HOST", "EVALFLEET_LEDGER_PATH", "EVALFLEET_REGISTRY_ROOT"} {
		assert.True(t, names[want], "%s must be mapped", want)
	}
}

func TestSetIdentity(t *testing.T) {
	isolate(t)
	SetIdentity(Identity{BinaryName: "efl", ConfigName: "efl", EnvPrefix: "EFL_"})
	defer SetIdentity(DefaultIdentity)

	t.Setenv("EFL_PORT", "6060")
	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port)
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"server": map[string]any{"port": 1, "tls": map[string]any{"enabled": true}},
		"debug":  false,
	})
	assert.Equal(t, map[string]any{
		"server.port":        1,
		"server.tls.enabled": true,
		"debug":              false,
	}, got)
}
