package tests

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/iTrooz/shell-cache-proxy/internal/cache"
	"github.com/iTrooz/shell-cache-proxy/internal/config"
	"github.com/iTrooz/shell-cache-proxy/internal/lifecycle"
	"github.com/iTrooz/shell-cache-proxy/internal/proxy"
	"github.com/iTrooz/shell-cache-proxy/internal/worker"
)

// origin is the state behind fixture_upstream
type origin struct {
	mu      sync.Mutex
	release string
	down    bool
	hits    map[string]int
}

func (o *origin) set(release string, down bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.release = release
	o.down = down
}

func (o *origin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

// fixture_upstream creates a test upstream serving the app shell and its API.
// While down, every connection is closed without a response.
func fixture_upstream() (*httptest.Server, *origin) {
	o := &origin{release: "r1", hits: make(map[string]int)}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		o.mu.Lock()
		release, down := o.release, o.down
		o.hits[requ.URL.Path]++
		o.mu.Unlock()

		if down {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
					return
				}
			}
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		switch requ.URL.Path {
		case "/static/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>" + release + "</html>"))
		case "/static/manifest.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"release":"` + release + `"}`))
		case "/api/feelings":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"feelings":[]}`))
		case "/api/broken":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"boom"}`))
		default:
			http.NotFound(w, requ)
		}
	}))
	return server, o
}

// fixture_config creates a test config controlling upstreamURL with the given storage
func fixture_config(upstreamURL string, storage config.StorageConfig) *config.Config {
	cfg := config.Default()
	cfg.Worker.Origin = upstreamURL
	cfg.Storage = storage
	return &cfg
}

// fixture_proxy opens the storage, registers the configured worker and returns
// the registration, the test proxy server and an HTTP client using it
func fixture_proxy(cfg *config.Config) (*lifecycle.Registration, cache.Storage, *httptest.Server, *http.Client, error) {
	ctx := context.Background()

	storage, err := cache.New(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	network := proxy.NewUpstreamClient(5 * time.Second)
	registration := lifecycle.New(network, nil)

	w, err := worker.New(worker.OptionsFromConfig(cfg.Worker), storage, network)
	if err != nil {
		_ = storage.Close()
		return nil, nil, nil, nil, err
	}
	if err := registration.Register(ctx, w); err != nil {
		_ = storage.Close()
		return nil, nil, nil, nil, err
	}

	proxyServer, err := proxy.New(cfg, registration)
	if err != nil {
		_ = storage.Close()
		return nil, nil, nil, nil, err
	}

	// Create test proxy HTTP server using goproxy
	proxyTestServer := httptest.NewServer(proxyServer.GetProxy())

	// Create HTTP client that uses our proxy
	proxyURL, _ := url.Parse(proxyTestServer.URL)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 10 * time.Second,
	}

	return registration, storage, proxyTestServer, client, nil
}
