package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/models"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	return dir
}

func newTestLoader() *Loader {
	loader := NewLoader()
	loader.SetEnvFile("")
	return loader
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := newTestLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080/api", cfg.Server.BaseURL)
	assert.Equal(t, 15*time.Second, cfg.Transport.RequestTimeout)
	assert.Equal(t, 1024, cfg.Sync.SeenCacheSize)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, filepath.Join(cfg.Global.DataDir, "cache.db"), cfg.CachePath())
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  base_url: https://file.example.com/api
  socket_url: wss://file.example.com/socket
identity:
  kind: org
  id: org-1
transport:
  request_timeout: 5s
sync:
  stale_after: 45s
`), 0o644))

	t.Setenv("CHATSYNC_SERVER_BASE_URL", "https://env.example.com/api")
	t.Setenv("CHATSYNC_SERVER_TOKEN", "tkn")

	loader := newTestLoader()
	loader.SetConfigFile(path)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com/api", cfg.Server.BaseURL)
	assert.Equal(t, "wss://file.example.com/socket", cfg.Server.SocketURL)
	assert.Equal(t, "tkn", cfg.Server.Token)
	assert.Equal(t, 5*time.Second, cfg.Transport.RequestTimeout)
	assert.Equal(t, 45*time.Second, cfg.Sync.StaleAfter)

	identity, err := cfg.ActiveIdentity()
	require.NoError(t, err)
	assert.Equal(t, models.Identity{Kind: models.IdentityKindOrganization, ID: "org-1"}, identity)
}

func TestLoadEnvFile(t *testing.T) {
	dir := isolate(t)
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("CHATSYNC_IDENTITY_ID=u-dotenv\n"), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("CHATSYNC_IDENTITY_ID") })

	loader := NewLoader()
	loader.SetEnvFile(envPath)
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "u-dotenv", cfg.Identity.ID)
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	dir := isolate(t)

	loader := NewLoader()
	loader.SetEnvFile(filepath.Join(dir, "missing.env"))
	_, err := loader.Load()
	require.NoError(t, err)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	dir := isolate(t)

	loader := newTestLoader()
	loader.SetConfigFile(filepath.Join(dir, "nope.yaml"))
	_, err := loader.Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad base url scheme", func(c *Config) { c.Server.BaseURL = "ftp://x" }, "server.base_url"},
		{"missing socket url", func(c *Config) { c.Server.SocketURL = "" }, "server.socket_url"},
		{"bad identity kind", func(c *Config) { c.Identity = IdentityConfig{Kind: "robot", ID: "r1"} }, "identity.kind"},
		{"tiny timeout", func(c *Config) { c.Transport.RequestTimeout = time.Millisecond }, "transport.request_timeout"},
		{"inverted reconnect", func(c *Config) { c.Transport.ReconnectMax = time.Millisecond }, "transport.reconnect_max"},
		{"zero seen cache", func(c *Config) { c.Sync.SeenCacheSize = 0 }, "sync.seen_cache_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, models.IsValidationError(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	require.NoError(t, DefaultConfig().Validate())
}

func TestExpandTilde(t *testing.T) {
	home := isolate(t)
	assert.Equal(t, home, expandTilde("~"))
	assert.Equal(t, filepath.Join(home, "data"), expandTilde("~/data"))
	assert.Equal(t, "/abs", expandTilde("/abs"))
	assert.Equal(t, "", expandTilde(""))
}
