package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(ConfigPathEnvVar, "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":6900", cfg.Server.Addr)
	assert.Equal(t, 10.0, cfg.RateLimit.UploadsPerMinute)
	assert.Equal(t, 2, cfg.Server.MaxInFlightPerUser)
	assert.Equal(t, 30*time.Second, cfg.Server.UploadQueueTimeout)
	assert.Equal(t, int64(16<<20), cfg.Server.MaxUploadSize)
	assert.Equal(t, "fs", cfg.Storage.Backend)
	assert.Equal(t, "keys.json", cfg.Keys.Path)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.Zero(t, cfg.Retention.MaxVersions, "history is kept unless configured")
	assert.Zero(t, cfg.Retention.MaxAge)
	assert.Equal(t, time.Hour, cfg.Retention.StagingMaxAge)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "savesync.yaml")
	yaml := `
server:
  addr: ":9000"
  max_upload_size: 1048576
storage:
  path: /srv/saves
retention:
  max_versions: 10
  max_age: 720h
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("SAVESYNC_ADDR", ":9100")
	t.Setenv("SAVESYNC_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("SAVESYNC_RATE_LIMIT_ENABLED", "false")
	t.Setenv("SAVESYNC_UNKNOWN_THING", "ignored")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Addr, "env overrides file")
	assert.Equal(t, int64(1048576), cfg.Server.MaxUploadSize)
	assert.Equal(t, "/srv/saves", cfg.Storage.Path)
	assert.Equal(t, 10, cfg.Retention.MaxVersions)
	assert.Equal(t, 720*time.Hour, cfg.Retention.MaxAge)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "ftp" }},
		{"s3 without bucket", func(c *Config) {
			c.Storage.Backend = "s3"
			c.Storage.S3.Endpoint = "localhost:9000"
		}},
		{"negative retention", func(c *Config) { c.Retention.MaxVersions = -1 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"zero upload size", func(c *Config) { c.Server.MaxUploadSize = 0 }},
		{"short session ttl", func(c *Config) { c.Session.TTL = time.Second }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := defaultConfig()
	assert.NoError(t, cfg.Validate())
}
