package lifecycle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/shell-cache-proxy/internal/cache"
	"github.com/iTrooz/shell-cache-proxy/internal/metrics"
	"github.com/iTrooz/shell-cache-proxy/internal/worker"
)

const origin = "http://app.local"

// upstream serves every GET with a body naming the current release, unless down
type upstream struct {
	mu      sync.Mutex
	release string
	down    bool
	calls   int
}

func (u *upstream) Do(req *http.Request) (*http.Response, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.down {
		return nil, errors.New("connection refused")
	}
	body := u.release + " " + req.URL.Path
	return &http.Response{
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}, nil
}

func (u *upstream) set(release string, down bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.release = release
	u.down = down
}

func newWorker(t *testing.T, version string, claim bool, storage cache.Storage, network worker.Fetcher) *worker.Worker {
	t.Helper()
	w, err := worker.New(worker.Options{
		Version:     version,
		Origin:      origin,
		Precache:    []string{"/static/index.html", "/static/manifest.json"},
		SkipWaiting: true,
		Claim:       claim,
	}, storage, network)
	require.NoError(t, err)
	return w
}

func request(t *testing.T, path string, navigate bool) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, origin+path, nil)
	require.NoError(t, err)
	if navigate {
		req.Header.Set("Sec-Fetch-Mode", "navigate")
	} else {
		req.Header.Set("Sec-Fetch-Mode", "no-cors")
	}
	return req
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestUncontrolledRequestsGoToNetwork(t *testing.T) {
	network := &upstream{release: "r1"}
	reg := New(network, nil)

	result, version, err := reg.Dispatch(context.Background(), request(t, "/static/index.html", true))
	require.NoError(t, err)
	assert.Empty(t, version)
	assert.Equal(t, worker.SourceNetwork, result.Source)
	assert.Nil(t, reg.Controller())
}

func diskStorage(t *testing.T) cache.Storage {
	t.Helper()
	storage, err := cache.NewDisk(t.TempDir())
	require.NoError(t, err)
	return storage
}

func TestRegisterFirstWorkerControlsImmediately(t *testing.T) {
	ctx := context.Background()
	network := &upstream{release: "r1"}
	storage := cache.NewMemory()
	reg := New(network, metrics.New())

	w := newWorker(t, "v1", true, storage, network)
	require.NoError(t, reg.Register(ctx, w))

	assert.Same(t, w, reg.Controller())
	status := reg.Status()
	require.NotNil(t, status.Active)
	assert.Equal(t, "v1", status.Active.Version)
	assert.Equal(t, StateActivated, status.Active.State)
	assert.Equal(t, "v1", status.Controller)
	assert.Nil(t, status.Waiting)
	assert.Nil(t, status.Installing)

	result, version, err := reg.Dispatch(ctx, request(t, "/static/manifest.json", false))
	require.NoError(t, err)
	assert.Equal(t, "v1", version)
	assert.Equal(t, worker.SourceCache, result.Source)
}

func TestInstallFailureKeepsPreviousWorker(t *testing.T) {
	ctx := context.Background()
	network := &upstream{release: "r1"}
	storage := cache.NewMemory()
	reg := New(network, nil)

	v1 := newWorker(t, "v1", true, storage, network)
	require.NoError(t, reg.Register(ctx, v1))

	network.set("r2", true)
	v2 := newWorker(t, "v2", true, storage, network)
	err := reg.Register(ctx, v2)
	require.Error(t, err)
	assert.ErrorIs(t, err, worker.ErrPrecache)

	assert.Same(t, v1, reg.Controller())
	assert.Equal(t, "v1", reg.ActiveVersion())

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, names, "a failed install leaves no bucket behind")

	// The v1 shell is still served from its bucket
	result, _, err := reg.Dispatch(ctx, request(t, "/static/index.html", false))
	require.NoError(t, err)
	assert.Equal(t, worker.SourceCache, result.Source)
	assert.Equal(t, "r1 /static/index.html", body(t, result.Response))
}

func TestClaimingUpdateTakesControlImmediately(t *testing.T) {
	ctx := context.Background()
	network := &upstream{release: "r1"}
	storage := cache.NewMemory()
	reg := New(network, nil)

	require.NoError(t, reg.Register(ctx, newWorker(t, "v1", true, storage, network)))

	network.set("r2", false)
	v2 := newWorker(t, "v2", true, storage, network)
	require.NoError(t, reg.Register(ctx, v2))

	assert.Same(t, v2, reg.Controller())

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, names, "activation reaps the previous bucket")

	result, version, err := reg.Dispatch(ctx, request(t, "/static/index.html", false))
	require.NoError(t, err)
	assert.Equal(t, "v2", version)
	assert.Equal(t, "r2 /static/index.html", body(t, result.Response))
}

func TestFirstWorkerWithoutClaimControlsAtNavigation(t *testing.T) {
	ctx := context.Background()
	network := &upstream{release: "r1"}
	reg := New(network, nil)

	v1 := newWorker(t, "v1", false, diskStorage(t), network)
	require.NoError(t, reg.Register(ctx, v1))

	assert.Equal(t, "v1", reg.ActiveVersion())
	assert.Nil(t, reg.Controller(), "uncontrolled clients stay uncontrolled until they navigate")

	result, version, err := reg.Dispatch(ctx, request(t, "/static/manifest.json", false))
	require.NoError(t, err)
	assert.Empty(t, version)
	assert.Equal(t, worker.SourceNetwork, result.Source)

	result, version, err = reg.Dispatch(ctx, request(t, "/static/index.html", true))
	require.NoError(t, err)
	assert.Equal(t, "v1", version)
	assert.Equal(t, worker.SourceCache, result.Source)
	assert.Same(t, v1, reg.Controller())
}

func TestNonClaimingUpdateMovesControlledClients(t *testing.T) {
	ctx := context.Background()
	network := &upstream{release: "r1"}
	storage := diskStorage(t)
	reg := New(network, nil)

	require.NoError(t, reg.Register(ctx, newWorker(t, "v1", true, storage, network)))

	network.set("r2", false)
	v2 := newWorker(t, "v2", false, storage, network)
	require.NoError(t, reg.Register(ctx, v2))

	assert.Same(t, v2, reg.Controller())
	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, names)

	// Offline requests are answered from the bucket that survived activation
	network.set("r2", true)

	result, version, err := reg.Dispatch(ctx, request(t, "/api/status", false))
	require.NoError(t, err)
	assert.Equal(t, "v2", version)
	assert.Equal(t, worker.SourceFallback, result.Source)
	assert.Equal(t, "r2 /static/index.html", body(t, result.Response))

	result, version, err = reg.Dispatch(ctx, request(t, "/static/manifest.json", false))
	require.NoError(t, err)
	assert.Equal(t, "v2", version)
	assert.Equal(t, worker.SourceCache, result.Source)
}

func TestWaitingWorkerWithoutSkipWaiting(t *testing.T) {
	ctx := context.Background()
	network := &upstream{release: "r1"}
	storage := cache.NewMemory()
	reg := New(network, nil)

	require.NoError(t, reg.Register(ctx, newWorker(t, "v1", true, storage, network)))

	v2, err := worker.New(worker.Options{
		Version:  "v2",
		Origin:   origin,
		Precache: []string{"/static/index.html"},
		Claim:    true,
	}, storage, network)
	require.NoError(t, err)
	require.NoError(t, reg.Register(ctx, v2))

	status := reg.Status()
	require.NotNil(t, status.Waiting)
	assert.Equal(t, "v2", status.Waiting.Version)
	assert.Equal(t, StateInstalled, status.Waiting.State)
	assert.Equal(t, "v1", reg.ActiveVersion())

	assert.True(t, reg.Promote(ctx))
	assert.Equal(t, "v2", reg.ActiveVersion())
	assert.Same(t, v2, reg.Controller())
	assert.False(t, reg.Promote(ctx), "nothing left to promote")
}

func TestReregisterSameVersion(t *testing.T) {
	ctx := context.Background()
	network := &upstream{release: "r1"}
	storage := cache.NewMemory()
	reg := New(network, nil)

	require.NoError(t, reg.Register(ctx, newWorker(t, "v1", true, storage, network)))
	network.set("r1-patched", false)
	require.NoError(t, reg.Register(ctx, newWorker(t, "v1", true, storage, network)))

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, names)

	entries, err := reg.Controller().Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	result, _, err := reg.Dispatch(ctx, request(t, "/static/index.html", false))
	require.NoError(t, err)
	assert.Equal(t, "r1-patched /static/index.html", body(t, result.Response))
}

func TestIsNavigation(t *testing.T) {
	tests := []struct {
		name   string
		method string
		header map[string]string
		want   bool
	}{
		{name: "fetch metadata navigate", method: "GET", header: map[string]string{"Sec-Fetch-Mode": "navigate"}, want: true},
		{name: "fetch metadata cors", method: "GET", header: map[string]string{"Sec-Fetch-Mode": "cors", "Accept": "text/html"}, want: false},
		{name: "html accept", method: "GET", header: map[string]string{"Accept": "text/html,application/xhtml+xml"}, want: true},
		{name: "json accept", method: "GET", header: map[string]string{"Accept": "application/json"}, want: false},
		{name: "post", method: "POST", header: map[string]string{"Sec-Fetch-Mode": "navigate"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, origin+"/", nil)
			require.NoError(t, err)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, IsNavigation(req))
		})
	}
}
