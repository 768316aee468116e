package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Identity names the application for env prefixes and config paths.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the parsekit identity.
var DefaultIdentity = Identity{
	BinaryName: "parsekit",
	EnvPrefix:  "PARSEKIT",
	ConfigName: "parsekit",
}

// envSpec maps an environment variable onto a config path.
type envSpec struct {
	Name string
	Path string
}

// dotenvFiles are loaded from the working directory when present. Values
// already in the environment win.
var dotenvFiles = []string{".env.local", ".env"}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	appViper    *viper.Viper
	configFile  string
)

// SetConfigFile makes Load read path instead of searching the user config
// directories. An empty path restores the search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load builds the configuration. Each overrides map is applied on top of
// everything else, later maps winning.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	identity := DefaultIdentity
	appIdentity = &identity

	if err := loadDotenv(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(identity.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range envSpecsFor(identity) {
		if err := v.BindEnv(spec.Path, spec.Name, automaticEnvName(identity, spec.Path)); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	cfg := &Config{}
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	appConfig = cfg
	appViper = v
	return cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Viper returns the viper instance behind the most recent Load, or nil.
// The settings provider reads remote values from it on every call.
func Viper() *viper.Viper {
	configMu.RLock()
	defer configMu.RUnlock()
	return appViper
}

// ConfigFileUsed returns the config file read by the last Load, if any.
func ConfigFileUsed() string {
	v := Viper()
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("health.enabled", true)

	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.public_key", "")
	v.SetDefault("remote.public_key_path", "")
	v.SetDefault("remote.endpoint_path", "/process")
	v.SetDefault("remote.timeout", "60s")
	v.SetDefault("remote.max_response_bytes", 64<<20)

	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.interval", "30s")
	v.SetDefault("poller.backoff", "2m")
	v.SetDefault("poller.job_delay", "500ms")

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.max_age", "168h")
	v.SetDefault("retention.interval", "1h")
	v.SetDefault("retention.jitter", "30s")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")
	v.SetDefault("archive.force_path_style", false)
}

func loadDotenv() error {
	for _, name := range dotenvFiles {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

func readConfigFile(v *viper.Viper) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
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
	if appIdentity == nil {
		return nil
	}
	name := appIdentity.ConfigName

	var dirs []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		dirs = append(dirs, filepath.Join(xdg, name))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		dirs = append(dirs, filepath.Join(home, ".config", name))
	}

	var paths []string
	for _, dir := range dirs {
		for _, ext := range []string{"yaml", "yml", "json"} {
			paths = append(paths, filepath.Join(dir, "config."+ext))
		}
	}
	return paths
}

// getEnvSpecs returns the short environment aliases for the current
// identity. Every config key is also reachable as PREFIX_<PATH>.
func getEnvSpecs() []envSpec {
	if appIdentity == nil {
		return nil
	}
	return envSpecsFor(*appIdentity)
}

func envSpecsFor(id Identity) []envSpec {
	p := id.EnvPrefix + "_"
	return []envSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "METRICS_ENABLED", Path: "metrics.enabled"},
		{Name: p + "HEALTH_ENABLED", Path: "health.enabled"},
		{Name: p + "BASE_URL", Path: "remote.base_url"},
		{Name: p + "PUBLIC_KEY", Path: "remote.public_key"},
		{Name: p + "PUBLIC_KEY_PATH", Path: "remote.public_key_path"},
		{Name: p + "DB_PATH", Path: "store.path"},
		{Name: p + "DB_URL", Path: "store.url"},
		{Name: p + "DB_AUTH_TOKEN", Path: "store.auth_token"},
		{Name: p + "POLL_INTERVAL", Path: "poller.interval"},
		{Name: p + "MAX_AGE", Path: "retention.max_age"},
		{Name: p + "ARCHIVE_BUCKET", Path: "archive.bucket"},
	}
}

func automaticEnvName(id Identity, path string) string {
	return id.EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
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

var validate = func() func(*Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	return func(cfg *Config) error {
		if err := v.Struct(cfg); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				fe := verrs[0]
				return &ValidationError{Field: fe.Namespace(), Message: fmt.Sprintf("failed %q (value %v)", fe.Tag(), fe.Value())}
			}
			return fmt.Errorf("validate config: %w", err)
		}
		if cfg.Archive.Enabled {
			if err := cfg.Archive.Validate(); err != nil {
				return &ValidationError{Field: "archive", Message: err.Error()}
			}
		}
		return nil
	}
}()
