package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configFile := filepath.Join(t.TempDir(), "test_config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(content), 0644))
	return configFile
}

func validConfig() Config {
	cfg := Default()
	cfg.Worker.Origin = "http://localhost:8000"
	return cfg
}

func TestLoad(t *testing.T) {
	configFile := writeConfig(t, `
server:
  port: 9999
  admin_addr: "127.0.0.1:9090"
worker:
  origin: "http://localhost:8000"
  version: "emotion-safety-v2"
  precache:
    - "/static/index.html"
    - "/static/app.js"
    - "/static/manifest.json"
storage:
  backend: "redis"
  redis_addr: "localhost:6379"
`)

	config, err := Load(configFile)
	require.NoError(t, err)

	assert.Equal(t, 9999, config.Server.Port)
	assert.Equal(t, "127.0.0.1:9090", config.Server.AdminAddr)
	assert.Equal(t, "emotion-safety-v2", config.Worker.Version)
	assert.Equal(t, []string{"/static/index.html", "/static/app.js", "/static/manifest.json"}, config.Worker.Precache)
	assert.Equal(t, "redis", config.Storage.Backend)

	// Keys absent from the file keep their defaults
	assert.Equal(t, "30s", config.Server.UpstreamTimeout)
	assert.Equal(t, "/api/", config.Worker.DynamicPrefix)
	assert.Equal(t, "/static/index.html", config.Worker.FallbackURL)
	assert.Equal(t, "strict", config.Worker.PrecacheMode)
	assert.True(t, config.Worker.SkipWaiting)
	assert.True(t, config.Worker.Claim)
	assert.Equal(t, "shellcache", config.Storage.RedisPrefix)
	assert.Equal(t, "info", config.Log.Level)

	require.NoError(t, config.Validate())
}

func TestLoadOverridesBooleans(t *testing.T) {
	configFile := writeConfig(t, `
worker:
  origin: "http://localhost:8000"
  skip_waiting: false
  claim: false
`)

	config, err := Load(configFile)
	require.NoError(t, err)
	assert.False(t, config.Worker.SkipWaiting)
	assert.False(t, config.Worker.Claim)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = -1 },
			wantErr: true,
		},
		{
			name:    "invalid upstream timeout",
			mutate:  func(c *Config) { c.Server.UpstreamTimeout = "invalid" },
			wantErr: true,
		},
		{
			name:    "CA cert without key",
			mutate:  func(c *Config) { c.Server.HTTPS.CACertFile = "ca.pem" },
			wantErr: true,
		},
		{
			name:    "relative origin",
			mutate:  func(c *Config) { c.Worker.Origin = "/app" },
			wantErr: true,
		},
		{
			name:    "missing version",
			mutate:  func(c *Config) { c.Worker.Version = " " },
			wantErr: true,
		},
		{
			name: "duplicate manifest entry",
			mutate: func(c *Config) {
				c.Worker.Precache = []string{"/static/index.html", "/static/index.html"}
			},
			wantErr: true,
		},
		{
			name:    "empty manifest is allowed",
			mutate:  func(c *Config) { c.Worker.Precache = nil },
			wantErr: false,
		},
		{
			name:    "prefix without leading slash",
			mutate:  func(c *Config) { c.Worker.DynamicPrefix = "api/" },
			wantErr: true,
		},
		{
			name:    "invalid precache mode",
			mutate:  func(c *Config) { c.Worker.PrecacheMode = "lenient" },
			wantErr: true,
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Storage.Backend = "s3" },
			wantErr: true,
		},
		{
			name:    "redis backend without address",
			mutate:  func(c *Config) { c.Storage.Backend = "redis" },
			wantErr: true,
		},
		{
			name:    "sqlite backend without path",
			mutate:  func(c *Config) { c.Storage.Backend = "sqlite" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(&config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetUpstreamTimeout(t *testing.T) {
	config := Config{
		Server: ServerConfig{UpstreamTimeout: "1m30s"},
	}

	timeout, err := config.GetUpstreamTimeout()
	require.NoError(t, err)
	assert.Equal(t, time.Minute+30*time.Second, timeout)
}

func TestGetLogLevel(t *testing.T) {
	config := Config{Log: LogConfig{Level: "debug"}}

	level, err := config.GetLogLevel()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, level)
}

func TestDump(t *testing.T) {
	config := validConfig()

	out, err := config.Dump()
	require.NoError(t, err)
	assert.Contains(t, string(out), "version: emotion-safety-v1")
	assert.Contains(t, string(out), "dynamic_prefix: /api/")
}
