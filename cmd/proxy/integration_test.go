package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, origin, version, cacheDir string) {
	t.Helper()
	content := fmt.Sprintf(`server:
  port: 8080
worker:
  origin: %s
  version: %s
storage:
  backend: disk
  folder: %s
log:
  level: warn
`, origin, version, cacheDir)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestProxyIntegration(t *testing.T) {
	var release atomic.Value
	release.Store("r1")

	// Create a test upstream server
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/static/index.html", "/static/manifest.json":
			_, _ = w.Write([]byte(release.Load().(string) + " " + r.URL.Path))
		case "/api/mood":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"mood":"calm"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	tempDir := t.TempDir()
	cacheDir := filepath.Join(tempDir, "cache")
	configPath := filepath.Join(tempDir, "config.yaml")
	writeConfig(t, configPath, upstream.URL, "emotion-safety-v1", cacheDir)

	ctx := context.Background()
	cfg, err := loadConfig(configPath, "")
	require.NoError(t, err)

	a, err := newApp(ctx, configPath, "", cfg)
	require.NoError(t, err)
	defer a.Close()

	// Create test proxy HTTP server using goproxy
	proxyTestServer := httptest.NewServer(a.proxy.GetProxy())
	defer proxyTestServer.Close()

	proxyURL, _ := url.Parse(proxyTestServer.URL)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 10 * time.Second,
	}

	get := func(t *testing.T, path string) (*http.Response, string) {
		t.Helper()
		resp, err := client.Get(upstream.URL + path)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, string(body)
	}

	t.Run("shell is served from the precache", func(t *testing.T) {
		release.Store("r2")
		resp, body := get(t, "/static/index.html")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
		assert.Equal(t, "r1 /static/index.html", body)
	})

	t.Run("api requests reach the origin", func(t *testing.T) {
		resp, body := get(t, "/api/mood")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
		assert.Equal(t, `{"mood":"calm"}`, body)
	})

	t.Run("bucket is stored on disk", func(t *testing.T) {
		_, err := os.Stat(filepath.Join(cacheDir, "emotion-safety-v1"))
		assert.NoError(t, err)
	})

	t.Run("update replaces the bucket", func(t *testing.T) {
		writeConfig(t, configPath, upstream.URL, "emotion-safety-v2", cacheDir)

		version, err := a.Update(ctx)
		require.NoError(t, err)
		assert.Equal(t, "emotion-safety-v2", version)

		resp, body := get(t, "/static/index.html")
		assert.Equal(t, "emotion-safety-v2", resp.Header.Get("X-Cache-Version"))
		assert.Equal(t, "r2 /static/index.html", body)

		names, err := a.storage.Names(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"emotion-safety-v2"}, names)

		_, err = os.Stat(filepath.Join(cacheDir, "emotion-safety-v1"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("update cannot move the origin", func(t *testing.T) {
		writeConfig(t, configPath, "http://elsewhere.local", "emotion-safety-v3", cacheDir)

		_, err := a.Update(ctx)
		assert.Error(t, err)
		assert.Equal(t, "emotion-safety-v2", a.registration.ActiveVersion())
	})
}

func TestLoadConfigLogLevelOverride(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")
	writeConfig(t, configPath, "http://app.local", "emotion-safety-v1", tempDir)

	cfg, err := loadConfig(configPath, "debug")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)

	_, err = loadConfig(configPath, "chatty")
	assert.Error(t, err)

	_, err = loadConfig(filepath.Join(tempDir, "missing.yaml"), "")
	assert.Error(t, err)
}

func TestNewAppWithUnreachableOrigin(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	origin := upstream.URL
	upstream.Close()

	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")
	writeConfig(t, configPath, origin, "emotion-safety-v1", filepath.Join(tempDir, "cache"))

	cfg, err := loadConfig(configPath, "")
	require.NoError(t, err)

	a, err := newApp(context.Background(), configPath, "", cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.registration.Controller())
	assert.Empty(t, a.registration.ActiveVersion())
}
