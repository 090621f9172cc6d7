package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides (CHATSYNC_SERVER_TOKEN, ...).
const EnvPrefix = "CHATSYNC"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
	envFile    string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:       viper.New(),
		envFile: ".env",
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// SetEnvFile sets the dotenv file read before env overrides are applied.
// An empty path disables dotenv loading.
func (l *Loader) SetEnvFile(path string) {
	l.envFile = path
}

// Load loads configuration with proper precedence:
// defaults < config file < .env < env vars < CLI flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	// Variables already in the environment win over the dotenv file.
	if err := l.loadEnvFile(); err != nil {
		return nil, err
	}

	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		// Config file is optional, only error if explicitly specified
		if l.configFile != "" {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Viper's Unmarshal doesn't properly merge env vars for nested structs.
	l.applyEnvOverrides(cfg)

	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (l *Loader) loadEnvFile() error {
	if l.envFile == "" {
		return nil
	}
	if err := godotenv.Load(l.envFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", l.envFile, err)
	}
	return nil
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// expandPaths expands ~ in all path-related config fields.
func expandPaths(cfg *Config) {
	cfg.Global.DataDir = expandTilde(cfg.Global.DataDir)
	cfg.Global.ConfigDir = expandTilde(cfg.Global.ConfigDir)
	cfg.Cache.Path = expandTilde(cfg.Cache.Path)
}

// setupViper configures Viper with defaults and environment bindings.
func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "chatsync"))
	}

	homeDir, _ := os.UserHomeDir()
	if homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "chatsync"))
	}

	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	l.setDefaults(cfg)

	// Explicitly bind environment variables (Viper's Unmarshal has issues without this)
	bindEnvVars(v)

	v.AutomaticEnv()
}

// setDefaults sets all default values in Viper.
func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	// Global
	v.SetDefault("global.data_dir", cfg.Global.DataDir)
	v.SetDefault("global.config_dir", cfg.Global.ConfigDir)

	// Server
	v.SetDefault("server.base_url", cfg.Server.BaseURL)
	v.SetDefault("server.socket_url", cfg.Server.SocketURL)
	v.SetDefault("server.token", cfg.Server.Token)

	// Identity
	v.SetDefault("identity.kind", cfg.Identity.Kind)
	v.SetDefault("identity.id", cfg.Identity.ID)

	// Transport
	v.SetDefault("transport.request_timeout", cfg.Transport.RequestTimeout)
	v.SetDefault("transport.upload_timeout", cfg.Transport.UploadTimeout)
	v.SetDefault("transport.dial_timeout", cfg.Transport.DialTimeout)
	v.SetDefault("transport.reconnect_min", cfg.Transport.ReconnectMin)
	v.SetDefault("transport.reconnect_max", cfg.Transport.ReconnectMax)
	v.SetDefault("transport.probe_rate", cfg.Transport.ProbeRate)
	v.SetDefault("transport.probe_burst", cfg.Transport.ProbeBurst)

	// Sync
	v.SetDefault("sync.stale_after", cfg.Sync.StaleAfter)
	v.SetDefault("sync.seen_cache_size", cfg.Sync.SeenCacheSize)

	// Cache
	v.SetDefault("cache.enabled", cfg.Cache.Enabled)
	v.SetDefault("cache.path", cfg.Cache.Path)

	// Logging
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	// Metrics
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
}

// loadConfigFile attempts to load the configuration file.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}

	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// envBindings lists every key that supports a CHATSYNC_* override.
var envBindings = []string{
	// Global
	"global.data_dir",
	"global.config_dir",
	// Server
	"server.base_url",
	"server.socket_url",
	"server.token",
	// Identity
	"identity.kind",
	"identity.id",
	// Transport
	"transport.request_timeout",
	"transport.upload_timeout",
	"transport.dial_timeout",
	"transport.reconnect_min",
	"transport.reconnect_max",
	"transport.probe_rate",
	"transport.probe_burst",
	// Sync
	"sync.stale_after",
	"sync.seen_cache_size",
	// Cache
	"cache.enabled",
	"cache.path",
	// Logging
	"logging.level",
	"logging.format",
	"logging.enable_caller",
	// Metrics
	"metrics.addr",
}

// bindEnvVars binds environment variables for config keys.
func bindEnvVars(v *viper.Viper) {
	for _, key := range envBindings {
		// server.base_url -> CHATSYNC_SERVER_BASE_URL
		_ = v.BindEnv(key, envVarName(key))
	}
}

func envVarName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// applyEnvOverrides manually applies env var overrides to the config struct.
// Viper's Unmarshal doesn't properly merge env vars for nested struct
// fields when a config file is present.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	v := l.v

	// Server
	if _, ok := os.LookupEnv(envVarName("server.base_url")); ok {
		cfg.Server.BaseURL = v.GetString("server.base_url")
	}
	if _, ok := os.LookupEnv(envVarName("server.socket_url")); ok {
		cfg.Server.SocketURL = v.GetString("server.socket_url")
	}
	if _, ok := os.LookupEnv(envVarName("server.token")); ok {
		cfg.Server.Token = v.GetString("server.token")
	}

	// Identity
	if _, ok := os.LookupEnv(envVarName("identity.id")); ok {
		cfg.Identity.ID = v.GetString("identity.id")
	}
	if _, ok := os.LookupEnv(envVarName("identity.kind")); ok {
		cfg.Identity.Kind = v.GetString("identity.kind")
	}

	// Cache
	if _, ok := os.LookupEnv(envVarName("cache.path")); ok {
		cfg.Cache.Path = v.GetString("cache.path")
	}

	// Logging
	if _, ok := os.LookupEnv(envVarName("logging.level")); ok {
		cfg.Logging.Level = v.GetString("logging.level")
	}
	if _, ok := os.LookupEnv(envVarName("logging.format")); ok {
		cfg.Logging.Format = v.GetString("logging.format")
	}

	// Metrics
	if _, ok := os.LookupEnv(envVarName("metrics.addr")); ok {
		cfg.Metrics.Addr = v.GetString("metrics.addr")
	}
}
