package worker

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// Class is the routing class of a request
type Class int

const (
	// Static requests are served cache-first
	Static Class = iota
	// Dynamic requests are served network-first with shell fallback
	Dynamic
)

func (c Class) String() string {
	if c == Dynamic {
		return "dynamic"
	}
	return "static"
}

// Source tells where a routed response came from
type Source int

const (
	SourceNetwork Source = iota
	SourceCache
	SourceFallback
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceFallback:
		return "fallback"
	default:
		return "network"
	}
}

// Result is the response chosen for one fetch
type Result struct {
	Response *http.Response
	Class    Class
	Source   Source
}

// Classify returns Dynamic for paths under the dynamic prefix, Static otherwise
func (w *Worker) Classify(req *http.Request) Class {
	if strings.HasPrefix(req.URL.Path, w.opts.DynamicPrefix) {
		return Dynamic
	}
	return Static
}

// Fetch answers one intercepted request with exactly one of the two strategies
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*Result, error) {
	if w.Classify(req) == Dynamic {
		return w.networkFirst(ctx, req)
	}
	return w.cacheFirst(ctx, req)
}

// networkFirst passes any network response through as-is, whatever its status.
// Only a transport failure falls back to the cached shell.
func (w *Worker) networkFirst(ctx context.Context, req *http.Request) (*Result, error) {
	resp, netErr := w.network.Do(outgoing(ctx, req))
	if netErr == nil {
		return &Result{Response: resp, Class: Dynamic, Source: SourceNetwork}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	hc, err := w.cache(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoFallback, err)
	}
	fallback, err := hc.MatchKey(ctx, w.fallback)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoFallback, err)
	}
	if fallback == nil {
		return nil, fmt.Errorf("%w: %w", ErrNoFallback, netErr)
	}

	logrus.Infof("Network failed for %s, serving %s: %v", req.URL, w.fallback, netErr)
	fallback.Request = req
	return &Result{Response: fallback, Class: Dynamic, Source: SourceFallback}, nil
}

// cacheFirst serves a stored response when there is one, otherwise makes exactly
// one network call. Network responses are not written back to the bucket.
func (w *Worker) cacheFirst(ctx context.Context, req *http.Request) (*Result, error) {
	hc, err := w.cache(ctx)
	if err == nil {
		var resp *http.Response
		resp, err = hc.Match(ctx, req)
		if resp != nil {
			return &Result{Response: resp, Class: Static, Source: SourceCache}, nil
		}
	}
	if err != nil {
		logrus.Errorf("Cache lookup failed for %s, using network: %v", req.URL, err)
	}

	resp, err := w.network.Do(outgoing(ctx, req))
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", req.URL, err)
	}
	return &Result{Response: resp, Class: Static, Source: SourceNetwork}, nil
}

// outgoing prepares an intercepted server-side request to be sent by a client
func outgoing(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	out.RequestURI = ""
	return out
}
