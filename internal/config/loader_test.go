package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME and XDG dirs at a temp dir so a developer's own
// config file does not leak into the test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	SetConfigFile("")
	return dir
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	// Test basic config loading with defaults
	t.Run("LoadDefaults", func(t *testing.T) {
		dir := isolate(t)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.True(t, cfg.Server.Enabled)
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		// Verify logging defaults
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)

		assert.True(t, cfg.Metrics.Enabled)
		assert.True(t, cfg.Health.Enabled)

		// Verify domain defaults
		assert.Equal(t, "parsekit", filepath.Base(cfg.DataDir))
		assert.True(t, strings.HasPrefix(cfg.DataDir, dir), "data dir %s should resolve under the isolated home", cfg.DataDir)
		assert.Equal(t, "/process", cfg.Remote.EndpointPath)
		assert.Equal(t, 60*time.Second, cfg.Remote.Timeout)
		assert.Equal(t, int64(64<<20), cfg.Remote.MaxResponseBytes)
		assert.True(t, cfg.Poller.Enabled)
		assert.Equal(t, 30*time.Second, cfg.Poller.Interval)
		assert.Equal(t, 2*time.Minute, cfg.Poller.Backoff)
		assert.Equal(t, 500*time.Millisecond, cfg.Poller.JobDelay)
		assert.Equal(t, 168*time.Hour, cfg.Retention.MaxAge)
		assert.Equal(t, time.Hour, cfg.Retention.Interval)
		assert.False(t, cfg.Archive.Enabled)
	})

	// Test runtime overrides
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
			"poller": map[string]any{
				"interval": "5s",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify overrides were applied
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 5*time.Second, cfg.Poller.Interval)

		// Verify non-overridden values remain default
		assert.Equal(t, "structured", cfg.Logging.Profile)
		assert.Equal(t, 2*time.Minute, cfg.Poller.Backoff)
	})

	// Test environment variable overrides
	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("PARSEKIT_PORT", "3000")
		t.Setenv("PARSEKIT_LOG_LEVEL", "warn")
		t.Setenv("PARSEKIT_METRICS_ENABLED", "false")
		t.Setenv("PARSEKIT_REMOTE_BASE_URL", "https://parse.example.com")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify env overrides were applied
		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, "https://parse.example.com", cfg.Remote.BaseURL)
	})

	t.Run("LongFormEnvForAliasedKey", func(t *testing.T) {
		isolate(t)
		t.Setenv("PARSEKIT_SERVER_PORT", "3100")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3100, cfg.Server.Port)
	})

	// Test config precedence: runtime > env > defaults
	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("PARSEKIT_PORT", "4000")

		// Runtime override should win
		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Runtime override should take precedence over env var
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		dir := isolate(t)
		path := filepath.Join(dir, "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
remote:
  base_url: https://file.example.com
retention:
  max_age: 24h
`), 0o600))

		SetConfigFile(path)
		defer SetConfigFile("")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, "https://file.example.com", cfg.Remote.BaseURL)
		assert.Equal(t, 24*time.Hour, cfg.Retention.MaxAge)
		assert.Equal(t, path, ConfigFileUsed())
	})

	t.Run("UserConfigFile", func(t *testing.T) {
		dir := isolate(t)
		cfgDir := filepath.Join(dir, "config", "parsekit")
		require.NoError(t, os.MkdirAll(cfgDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte("server:\n  port: 6060\n"), 0o600))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 6060, cfg.Server.Port)
	})

	t.Run("EnvBeatsConfigFile", func(t *testing.T) {
		dir := isolate(t)
		path := filepath.Join(dir, "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7070\n"), 0o600))
		SetConfigFile(path)
		defer SetConfigFile("")
		t.Setenv("PARSEKIT_PORT", "7171")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7171, cfg.Server.Port)
	})

	t.Run("MissingExplicitConfigFile", func(t *testing.T) {
		dir := isolate(t)
		SetConfigFile(filepath.Join(dir, "nope.yaml"))
		defer SetConfigFile("")

		_, err := Load(ctx)
		require.Error(t, err)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Load(canceled)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLoad_Validation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		overrides map[string]any
		wantField string
	}{
		{
			name:      "port out of range",
			overrides: map[string]any{"server": map[string]any{"port": 70000}},
			wantField: "Config.Server.Port",
		},
		{
			name:      "bad log level",
			overrides: map[string]any{"logging": map[string]any{"level": "loud"}},
			wantField: "Config.Logging.Level",
		},
		{
			name:      "bad log profile",
			overrides: map[string]any{"logging": map[string]any{"profile": "fancy"}},
			wantField: "Config.Logging.Profile",
		},
		{
			name:      "archive enabled without bucket",
			overrides: map[string]any{"archive": map[string]any{"enabled": true}},
			wantField: "archive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(ctx, tt.overrides)
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

func TestLoad_Dotenv(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.local"), []byte("PARSEKIT_HOST=10.0.0.5\n"), 0o600))

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(cwd) }()

	// godotenv sets the variable in the process; clear it afterwards.
	t.Setenv("PARSEKIT_HOST", "")
	require.NoError(t, os.Unsetenv("PARSEKIT_HOST"))

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.Server.Host)
}

func TestGetConfig(t *testing.T) {
	ctx := context.Background()
	isolate(t)

	// Load config first
	cfg, err := Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Test GetConfig returns the same instance
	t.Run("GetConfigReturnsLoadedConfig", func(t *testing.T) {
		retrieved := GetConfig()
		assert.NotNil(t, retrieved)
		assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
		assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
		assert.NotNil(t, Viper())
	})
}

func TestEnvSpecs(t *testing.T) {
	ctx := context.Background()
	isolate(t)
	_, err := Load(ctx)
	require.NoError(t, err)

	specs := getEnvSpecs()
	assert.NotEmpty(t, specs)

	envVarNames := make(map[string]bool)
	for _, spec := range specs {
		envVarNames[spec.Name] = true
	}

	assert.True(t, envVarNames["PARSEKIT_LOG_LEVEL"], "LOG_LEVEL env var must be mapped")
	assert.True(t, envVarNames["PARSEKIT_PORT"], "PORT env var must be mapped")
	assert.True(t, envVarNames["PARSEKIT_HOST"], "HOST env var must be mapped")
	assert.True(t, envVarNames["PARSEKIT_METRICS_ENABLED"], "METRICS_ENABLED env var must be mapped")
	assert.True(t, envVarNames["PARSEKIT_BASE_URL"], "BASE_URL env var must be mapped")
}

func TestDurationParsing(t *testing.T) {
	ctx := context.Background()

	// Test duration parsing from string env var
	t.Run("DurationFromEnv", func(t *testing.T) {
		isolate(t)
		t.Setenv("PARSEKIT_READ_TIMEOUT", "45s")
		t.Setenv("PARSEKIT_SHUTDOWN_TIMEOUT", "5m")
		t.Setenv("PARSEKIT_MAX_AGE", "72h")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
		assert.Equal(t, 72*time.Hour, cfg.Retention.MaxAge)
	})
}

func TestConfigReload(t *testing.T) {
	ctx := context.Background()
	isolate(t)

	// Load initial config
	cfg1, err := Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg1)
	initialPort := cfg1.Server.Port

	// Reload with different runtime overrides
	overrides := map[string]any{
		"server": map[string]any{
			"port": initialPort + 1000,
		},
	}

	cfg2, err := Load(ctx, overrides)
	require.NoError(t, err)
	require.NotNil(t, cfg2)

	// Verify reload updated the config
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)

	// Verify GetConfig returns the updated config
	current := GetConfig()
	assert.Equal(t, cfg2.Server.Port, current.Server.Port)
}

// resetAppIdentity resets package state for isolated tests.
// Must only be used in tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
	appViper = nil
}

func TestGetUserConfigPathsNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() {
		_, _ = Load(context.Background()) // Restore state for other tests
	}()

	paths := getUserConfigPaths()
	assert.Empty(t, paths)
}

func TestGetUserConfigPaths(t *testing.T) {
	dir := isolate(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	paths := getUserConfigPaths()
	require.NotEmpty(t, paths)
	assert.Equal(t, filepath.Join(dir, "config", "parsekit", "config.yaml"), paths[0])
}

func TestGetEnvSpecsNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() {
		_, _ = Load(context.Background()) // Restore state for other tests
	}()

	specs := getEnvSpecs()
	assert.Empty(t, specs)
}

func TestEnvSpecsPrefixHandling(t *testing.T) {
	ctx := context.Background()
	isolate(t)

	_, err := Load(ctx)
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	for _, spec := range specs {
		assert.True(t, len(spec.Name) > 0, "env var name should not be empty")
		assert.Contains(t, spec.Name, "PARSEKIT_", "all specs should have PARSEKIT_ prefix")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"server":   map[string]any{"port": 1, "tls": map[string]any{"enabled": true}},
		"data_dir": "/tmp/x",
	})
	assert.Equal(t, map[string]any{
		"server.port":        1,
		"server.tls.enabled": true,
		"data_dir":           "/tmp/x",
	}, got)
}

func TestLocalDB(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/parsekit"}
	assert.Equal(t, "/var/lib/parsekit/jobs.db", cfg.LocalDB().Path)

	cfg.Store.URL = "libsql://db.example.io"
	got := cfg.LocalDB()
	assert.Empty(t, got.Path)
	assert.Equal(t, "libsql://db.example.io", got.URL)
}
