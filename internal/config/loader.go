// Package config loads racklens configuration.
//
// Precedence, highest first: runtime overrides, environment variables
// (RACKLENS_*), the racklens.yaml config file, built-in defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// AppName names the config file and the config/data directories.
	AppName = "racklens"

	// EnvPrefix prefixes every environment variable read by Load.
	EnvPrefix = "RACKLENS"
)

// Progress transports.
const (
	TransportWebSocket = "websocket"
	TransportPoll      = "poll"
)

// Config is the fully resolved configuration.
type Config struct {
	Backend  BackendConfig  `mapstructure:"backend"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Registry RegistryConfig `mapstructure:"registry"`
}

type BackendConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type ProgressConfig struct {
	Transport                string        `mapstructure:"transport"`
	MaxReconnectAttempts     int           `mapstructure:"max_reconnect_attempts"`
	ReconnectInitialInterval time.Duration `mapstructure:"reconnect_initial_interval"`
	ReconnectMaxInterval     time.Duration `mapstructure:"reconnect_max_interval"`
	PollInterval             time.Duration `mapstructure:"poll_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig configures the optional status server. Port 0 disables it.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type RegistryConfig struct {
	Dir string `mapstructure:"dir"`
}

// EnvSpec maps a short environment variable onto a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile makes Load read path instead of searching for racklens.yaml.
// An empty path restores the search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// SetDefaults registers built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "http://127.0.0.1:8001")
	v.SetDefault("backend.request_timeout", "20s")

	v.SetDefault("progress.transport", TransportWebSocket)
	v.SetDefault("progress.max_reconnect_attempts", 3)
	v.SetDefault("progress.reconnect_initial_interval", "250ms")
	v.SetDefault("progress.reconnect_max_interval", "5s")
	v.SetDefault("progress.poll_interval", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 0)

	v.SetDefault("registry.dir", defaultRegistryDir())
}

// Load resolves configuration and makes it available through GetConfig.
//
// Each overrides map is nested like the config file, e.g.
// {"backend": {"base_url": "http://host:8001"}}.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	v := viper.New()
	SetDefaults(v)

	v.SetConfigType("yaml")
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName(AppName)
		for _, p := range getUserConfigPaths() {
			v.AddConfigPath(p)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
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
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, or nil before Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func (c *Config) normalize() {
	c.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(c.Backend.BaseURL), "/")
	c.Progress.Transport = strings.ToLower(strings.TrimSpace(c.Progress.Transport))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Registry.Dir = strings.TrimSpace(c.Registry.Dir)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url %q is not a valid URL", c.Backend.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.base_url must use http or https, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("backend.base_url %q has no host", c.Backend.BaseURL)
	}
	if c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("backend.request_timeout must be positive")
	}

	switch c.Progress.Transport {
	case TransportWebSocket, TransportPoll:
	default:
		return fmt.Errorf("progress.transport must be %q or %q, got %q", TransportWebSocket, TransportPoll, c.Progress.Transport)
	}
	if c.Progress.MaxReconnectAttempts < 0 {
		return fmt.Errorf("progress.max_reconnect_attempts must not be negative")
	}
	if c.Progress.ReconnectInitialInterval <= 0 || c.Progress.ReconnectMaxInterval <= 0 {
		return fmt.Errorf("progress reconnect intervals must be positive")
	}
	if c.Progress.PollInterval <= 0 {
		return fmt.Errorf("progress.poll_interval must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}

// getEnvSpecs lists the short variable names accepted in addition to the
// automatic RACKLENS_<SECTION>_<KEY> form.
func getEnvSpecs() []EnvSpec {
	short := []struct{ name, path string }{
		{"BASE_URL", "backend.base_url"},
		{"REQUEST_TIMEOUT", "backend.request_timeout"},
		{"TRANSPORT", "progress.transport"},
		{"MAX_RECONNECT_ATTEMPTS", "progress.max_reconnect_attempts"},
		{"POLL_INTERVAL", "progress.poll_interval"},
		{"LOG_LEVEL", "logging.level"},
		{"LOG_FORMAT", "logging.format"},
		{"HOST", "server.host"},
		{"PORT", "server.port"},
		{"REGISTRY_DIR", "registry.dir"},
	}
	specs := make([]EnvSpec, 0, len(short))
	for _, s := range short {
		specs = append(specs, EnvSpec{Name: EnvPrefix + "_" + s.name, Path: s.path})
	}
	return specs
}

// getUserConfigPaths returns config search directories in priority order.
func getUserConfigPaths() []string {
	paths := []string{"."}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return append(paths, filepath.Join(dir, AppName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", AppName))
	}
	return paths
}

func defaultRegistryDir() string {
	return filepath.Join(gfconfig.GetAppDataDir(AppName), "jobs")
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
