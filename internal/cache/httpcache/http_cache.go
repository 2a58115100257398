package httpcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/shell-cache-proxy/internal/cache"
)

// ErrNotCacheable is returned when a request has no cache identity
var ErrNotCacheable = errors.New("only GET requests can be cached")

// HTTPCache stores HTTP responses in a bucket, keyed by request identity
type HTTPCache struct {
	bucket cache.Bucket
}

func New(bucket cache.Bucket) *HTTPCache {
	return &HTTPCache{
		bucket: bucket,
	}
}

// KeyForURL returns the cache key of a GET request for u: the absolute URL
// without fragment and without the scheme's default port.
func KeyForURL(u *url.URL) string {
	k := *u
	k.Fragment = ""
	k.RawFragment = ""
	k.User = nil
	k.Scheme = strings.ToLower(k.Scheme)
	k.Host = strings.ToLower(k.Host)
	switch k.Scheme {
	case "http":
		k.Host = strings.TrimSuffix(k.Host, ":80")
	case "https":
		k.Host = strings.TrimSuffix(k.Host, ":443")
	}
	if k.Path == "" {
		k.Path = "/"
	}
	return k.String()
}

// GenerateKey returns the identity of a request: method GET plus its absolute URL
func (d *HTTPCache) GenerateKey(request *http.Request) (string, error) {
	if request.Method != "" && request.Method != http.MethodGet {
		return "", ErrNotCacheable
	}
	if !request.URL.IsAbs() {
		return "", fmt.Errorf("request URL must be absolute, got: %s", request.URL)
	}
	return KeyForURL(request.URL), nil
}

// Put stores resp under the identity of request
func (d *HTTPCache) Put(ctx context.Context, request *http.Request, resp *http.Response) error {
	requestKey, err := d.GenerateKey(request)
	if err != nil {
		return fmt.Errorf("failed to generate cache key: %w", err)
	}

	return d.PutKey(ctx, requestKey, resp)
}

// PutKey stores resp under requestKey. The body of resp stays readable.
func (d *HTTPCache) PutKey(ctx context.Context, requestKey string, resp *http.Response) error {
	data, err := Serialize(resp)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if err := d.bucket.Set(ctx, requestKey, data); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}

// Match returns the cached response for req, or nil when there is none.
// Requests other than GET never match.
func (d *HTTPCache) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	requestKey, err := d.GenerateKey(req)
	if errors.Is(err, ErrNotCacheable) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate cache key: %w", err)
	}

	resp, err := d.MatchKey(ctx, requestKey)
	if err != nil {
		return nil, err
	}
	// Handle no cache hit
	if resp == nil {
		return nil, nil
	}

	// Associate the original request with the response
	resp.Request = req
	logrus.Debugf("Cache hit for %s %s", req.Method, requestKey)
	return resp, nil
}

// MatchKey returns the response stored under requestKey, or nil when there is none
func (d *HTTPCache) MatchKey(ctx context.Context, requestKey string) (*http.Response, error) {
	data, err := d.bucket.Get(ctx, requestKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	if data == nil {
		return nil, nil // Cache miss
	}

	resp, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}
	return resp, nil
}

// Keys lists the keys of every stored response
func (d *HTTPCache) Keys(ctx context.Context) ([]string, error) {
	return d.bucket.Keys(ctx)
}

// Snapshot records the raw entries currently stored under keys.
// Keys with no entry are recorded as nil.
func (d *HTTPCache) Snapshot(ctx context.Context, keys []string) (map[string][]byte, error) {
	snapshot := make(map[string][]byte, len(keys))
	for _, key := range keys {
		data, err := d.bucket.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to get cache: %w", err)
		}
		snapshot[key] = data
	}
	return snapshot, nil
}

// Restore puts back the entries recorded by Snapshot, removing keys that had none
func (d *HTTPCache) Restore(ctx context.Context, snapshot map[string][]byte) error {
	var errs []error
	for key, data := range snapshot {
		var err error
		if data == nil {
			err = d.bucket.Remove(ctx, key)
		} else {
			err = d.bucket.Set(ctx, key, data)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restoring %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
