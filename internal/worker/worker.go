// Package worker implements the interception layer that sits between the
// clients of one origin and the network. A Worker owns the cache bucket named
// by its version tag, precaches a fixed manifest on install, reaps buckets of
// other versions on activate and routes every fetch through one of two
// strategies: cache-first for the static shell and network-first with shell
// fallback for dynamic API calls.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/iTrooz/shell-cache-proxy/internal/cache"
	"github.com/iTrooz/shell-cache-proxy/internal/cache/httpcache"
	"github.com/iTrooz/shell-cache-proxy/internal/config"
)

var (
	// ErrPrecache reports that one or more manifest entries could not be fetched
	ErrPrecache = errors.New("precache failed")
	// ErrNoFallback reports a dynamic request that failed on the network with no cached shell to serve instead
	ErrNoFallback = errors.New("network failed and no fallback is cached")
)

// PrecacheMode controls how the installer reacts to manifest fetch failures
type PrecacheMode string

const (
	// PrecacheStrict fails the install when any entry fails, and stores nothing
	PrecacheStrict PrecacheMode = "strict"
	// PrecachePartial stores the entries that succeeded and installs anyway
	PrecachePartial PrecacheMode = "partial"
)

// Fetcher is the network capability. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Host receives the lifecycle signals a worker sends to the runtime hosting it
type Host interface {
	// asks the host to activate this worker as soon as it is installed
	SkipWaiting()
	// asks the host to hand every client to this worker once activated
	Claim()
}

// Options configures a Worker
type Options struct {
	// Version names the cache bucket owned by the worker
	Version string
	// Origin is the base URL the manifest and fallback are resolved against
	Origin string
	// Precache lists the shell URLs fetched at install, in order
	Precache []string
	// DynamicPrefix selects the paths routed network-first
	DynamicPrefix string
	// FallbackURL is served when a dynamic request fails on the network
	FallbackURL  string
	PrecacheMode PrecacheMode
	SkipWaiting  bool
	Claim        bool
}

// OptionsFromConfig builds worker options from the configuration file section
func OptionsFromConfig(cfg config.WorkerConfig) Options {
	return Options{
		Version:       cfg.Version,
		Origin:        cfg.Origin,
		Precache:      cfg.Precache,
		DynamicPrefix: cfg.DynamicPrefix,
		FallbackURL:   cfg.FallbackURL,
		PrecacheMode:  PrecacheMode(cfg.PrecacheMode),
		SkipWaiting:   cfg.SkipWaiting,
		Claim:         cfg.Claim,
	}
}

// Worker is one version of the interception layer
type Worker struct {
	opts     Options
	storage  cache.Storage
	network  Fetcher
	origin   *url.URL
	manifest []string // absolute cache keys, in manifest order
	fallback string   // absolute cache key

	mu     sync.Mutex
	bucket *httpcache.HTTPCache
}

// New validates opts and resolves the manifest against the origin
func New(opts Options, storage cache.Storage, network Fetcher) (*Worker, error) {
	if strings.TrimSpace(opts.Version) == "" {
		return nil, errors.New("worker version is required")
	}
	if opts.DynamicPrefix == "" {
		opts.DynamicPrefix = "/api/"
	}
	if opts.FallbackURL == "" {
		opts.FallbackURL = "/static/index.html"
	}
	if opts.PrecacheMode == "" {
		opts.PrecacheMode = PrecacheStrict
	}
	if opts.PrecacheMode != PrecacheStrict && opts.PrecacheMode != PrecachePartial {
		return nil, fmt.Errorf("unknown precache mode: %s", opts.PrecacheMode)
	}

	origin, err := url.Parse(opts.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if !origin.IsAbs() || origin.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute URL, got: %q", opts.Origin)
	}

	w := &Worker{
		opts:    opts,
		storage: storage,
		network: network,
		origin:  origin,
	}

	seen := make(map[string]bool, len(opts.Precache))
	for _, entry := range opts.Precache {
		key, err := w.resolve(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid precache entry %q: %w", entry, err)
		}
		if seen[key] {
			return nil, fmt.Errorf("duplicate precache entry: %s", entry)
		}
		seen[key] = true
		w.manifest = append(w.manifest, key)
	}

	if w.fallback, err = w.resolve(opts.FallbackURL); err != nil {
		return nil, fmt.Errorf("invalid fallback URL %q: %w", opts.FallbackURL, err)
	}

	return w, nil
}

// resolve turns a manifest entry into the cache key of its GET request
func (w *Worker) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return httpcache.KeyForURL(w.origin.ResolveReference(u)), nil
}

// Version returns the version tag, which is also the bucket name
func (w *Worker) Version() string {
	return w.opts.Version
}

// Origin returns the origin controlled by the worker
func (w *Worker) Origin() *url.URL {
	u := *w.origin
	return &u
}

// Manifest returns the resolved precache manifest
func (w *Worker) Manifest() []string {
	return append([]string(nil), w.manifest...)
}

// Entries lists the keys currently stored in the worker's bucket
func (w *Worker) Entries(ctx context.Context) ([]string, error) {
	hc, err := w.cache(ctx)
	if err != nil {
		return nil, err
	}
	return hc.Keys(ctx)
}

// cache opens the worker's bucket once and reuses it
func (w *Worker) cache(ctx context.Context) (*httpcache.HTTPCache, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.bucket != nil {
		return w.bucket, nil
	}

	bucket, err := w.storage.Open(ctx, w.opts.Version)
	if err != nil {
		return nil, fmt.Errorf("opening cache bucket %s: %w", w.opts.Version, err)
	}
	w.bucket = httpcache.New(bucket)
	return w.bucket, nil
}
