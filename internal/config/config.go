// Package config handles chatsync configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tOgg1/chatsync/internal/models"
)

// Config is the root configuration structure for chatsync.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Server endpoints and credentials
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Identity is the identity activated at startup when no profile overrides it.
	Identity IdentityConfig `yaml:"identity" mapstructure:"identity"`

	// Transport timeouts and reconnect schedule
	Transport TransportConfig `yaml:"transport" mapstructure:"transport"`

	// Sync engine tuning
	Sync SyncConfig `yaml:"sync" mapstructure:"sync"`

	// Local warm-start cache
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Metrics settings
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// GlobalConfig contains global chatsync settings.
type GlobalConfig struct {
	// DataDir is where chatsync stores its data (default: ~/.local/share/chatsync).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config files are stored (default: ~/.config/chatsync).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// ServerConfig points the client at the backend.
type ServerConfig struct {
	// BaseURL is the REST API root.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`

	// SocketURL is the websocket endpoint for the event channel.
	SocketURL string `yaml:"socket_url" mapstructure:"socket_url"`

	// Token is sent as a Bearer credential on every call.
	Token string `yaml:"token" mapstructure:"token"`
}

// IdentityConfig selects the active identity.
type IdentityConfig struct {
	Kind string `yaml:"kind" mapstructure:"kind"`
	ID   string `yaml:"id" mapstructure:"id"`
}

// TransportConfig contains transport timeouts.
type TransportConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	UploadTimeout  time.Duration `yaml:"upload_timeout" mapstructure:"upload_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`

	// ReconnectMin and ReconnectMax bound the exponential reconnect delay.
	ReconnectMin time.Duration `yaml:"reconnect_min" mapstructure:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max" mapstructure:"reconnect_max"`

	// ProbeRate is the sustained presence probes per second on resync.
	ProbeRate  float64 `yaml:"probe_rate" mapstructure:"probe_rate"`
	ProbeBurst int     `yaml:"probe_burst" mapstructure:"probe_burst"`
}

// SyncConfig contains sync engine tuning.
type SyncConfig struct {
	// StaleAfter is when a pending message is reported as stale.
	StaleAfter time.Duration `yaml:"stale_after" mapstructure:"stale_after"`

	// SeenCacheSize bounds the message ids remembered for unread dedup.
	SeenCacheSize int `yaml:"seen_cache_size" mapstructure:"seen_cache_size"`
}

// CacheConfig contains the local cache settings.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (auto, console, json).
	Format string `yaml:"format" mapstructure:"format"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the endpoint.
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "chatsync"),
			ConfigDir: filepath.Join(homeDir, ".config", "chatsync"),
		},
		Server: ServerConfig{
			BaseURL:   "http://localhost:8080/api",
			SocketURL: "ws://localhost:8080/socket",
		},
		Identity: IdentityConfig{
			Kind: string(models.IdentityKindPersonal),
		},
		Transport: TransportConfig{
			RequestTimeout: 15 * time.Second,
			UploadTimeout:  2 * time.Minute,
			DialTimeout:    10 * time.Second,
			ReconnectMin:   500 * time.Millisecond,
			ReconnectMax:   30 * time.Second,
			ProbeRate:      20,
			ProbeBurst:     10,
		},
		Sync: SyncConfig{
			StaleAfter:    30 * time.Second,
			SeenCacheSize: 1024,
		},
		Cache: CacheConfig{
			Enabled: true,
			Path:    "", // Will be set to DataDir/cache.db
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "auto",
			EnableCaller: false,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs models.ValidationErrors

	if err := validateURL(c.Server.BaseURL, "http", "https"); err != nil {
		errs.Add("server.base_url", err)
	}
	if err := validateURL(c.Server.SocketURL, "ws", "wss"); err != nil {
		errs.Add("server.socket_url", err)
	}

	if c.Identity.ID != "" {
		if _, err := models.ParseIdentityKind(c.Identity.Kind); err != nil {
			errs.Add("identity.kind", err)
		}
	}

	if c.Transport.RequestTimeout < 100*time.Millisecond {
		errs.AddMessage("transport.request_timeout", "must be at least 100ms")
	}
	if c.Transport.DialTimeout < 100*time.Millisecond {
		errs.AddMessage("transport.dial_timeout", "must be at least 100ms")
	}
	if c.Transport.ReconnectMin <= 0 || c.Transport.ReconnectMax < c.Transport.ReconnectMin {
		errs.AddMessage("transport.reconnect_max", "must be at least reconnect_min, which must be positive")
	}
	if c.Transport.ProbeRate <= 0 {
		errs.AddMessage("transport.probe_rate", "must be positive")
	}
	if c.Transport.ProbeBurst < 1 {
		errs.AddMessage("transport.probe_burst", "must be at least 1")
	}

	if c.Sync.SeenCacheSize < 1 {
		errs.AddMessage("sync.seen_cache_size", "must be at least 1")
	}
	if c.Sync.StaleAfter < 0 {
		errs.AddMessage("sync.stale_after", "must not be negative")
	}

	return errs.Err()
}

func validateURL(raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			if u.Host == "" {
				return fmt.Errorf("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}

// ActiveIdentity returns the configured identity, or a zero identity when unset.
func (c *Config) ActiveIdentity() (models.Identity, error) {
	if strings.TrimSpace(c.Identity.ID) == "" {
		return models.Identity{}, nil
	}
	kind, err := models.ParseIdentityKind(c.Identity.Kind)
	if err != nil {
		return models.Identity{}, err
	}
	return models.Identity{Kind: kind, ID: strings.TrimSpace(c.Identity.ID)}, nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.Global.ConfigDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// CachePath returns the full cache database path.
func (c *Config) CachePath() string {
	if c.Cache.Path != "" {
		return c.Cache.Path
	}
	return filepath.Join(c.Global.DataDir, "cache.db")
}

// ProfilePath returns the path of the active profile file.
func (c *Config) ProfilePath() string {
	return filepath.Join(c.Global.ConfigDir, "profile.yaml")
}
