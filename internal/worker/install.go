package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iTrooz/shell-cache-proxy/internal/cache/httpcache"
)

// InstallReport describes what a successful install stored
type InstallReport struct {
	Stored []string
	// Failed is only populated in partial mode
	Failed map[string]error
}

// Install precaches the manifest into the worker's bucket.
//
// In strict mode every entry is fetched before the bucket is even opened, and
// a single failed entry fails the whole install. A response counts as failed
// when the transport fails or its status is not 2xx. A write that fails
// midway restores the bucket to what it held before the install, and removes
// it when the install created it.
func (w *Worker) Install(ctx context.Context, host Host) (*InstallReport, error) {
	if w.opts.SkipWaiting {
		host.SkipWaiting()
	}

	if w.opts.PrecacheMode == PrecachePartial {
		return w.installPartial(ctx)
	}
	return w.installStrict(ctx)
}

func (w *Worker) installStrict(ctx context.Context) (*InstallReport, error) {
	responses, err := w.fetchAll(ctx)
	if err != nil {
		return nil, err
	}

	names, err := w.storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing cache buckets: %w", err)
	}
	existed := slices.Contains(names, w.opts.Version)

	hc, err := w.cache(ctx)
	if err != nil {
		return nil, err
	}
	snapshot, err := hc.Snapshot(ctx, w.manifest)
	if err != nil {
		return nil, err
	}

	report := &InstallReport{}
	for i, key := range w.manifest {
		if err := hc.PutKey(ctx, key, responses[i]); err != nil {
			w.rollback(ctx, hc, snapshot, existed)
			return nil, fmt.Errorf("storing %s: %w", key, err)
		}
		report.Stored = append(report.Stored, key)
	}

	logrus.Infof("Installed %s: %d/%d manifest entries cached", w.opts.Version, len(report.Stored), len(w.manifest))
	return report, nil
}

// rollback undoes a strict install whose writes failed midway
func (w *Worker) rollback(ctx context.Context, hc *httpcache.HTTPCache, snapshot map[string][]byte, existed bool) {
	if !existed {
		if _, err := w.storage.Delete(ctx, w.opts.Version); err != nil {
			logrus.Errorf("Failed to remove cache bucket %s after a failed install: %v", w.opts.Version, err)
		}
		w.mu.Lock()
		w.bucket = nil
		w.mu.Unlock()
		return
	}
	if err := hc.Restore(ctx, snapshot); err != nil {
		logrus.Errorf("Failed to restore cache bucket %s after a failed install: %v", w.opts.Version, err)
	}
}

func (w *Worker) installPartial(ctx context.Context) (*InstallReport, error) {
	hc, err := w.cache(ctx)
	if err != nil {
		return nil, err
	}

	responses, failed := w.fetchAny(ctx)
	report := &InstallReport{Failed: failed}
	for i, key := range w.manifest {
		if responses[i] == nil {
			continue
		}
		if err := hc.PutKey(ctx, key, responses[i]); err != nil {
			return nil, fmt.Errorf("storing %s: %w", key, err)
		}
		report.Stored = append(report.Stored, key)
	}

	logrus.Infof("Installed %s: %d/%d manifest entries cached", w.opts.Version, len(report.Stored), len(w.manifest))
	return report, nil
}

// fetchAll fetches every manifest entry, cancelling the rest on the first failure
func (w *Worker) fetchAll(ctx context.Context) ([]*http.Response, error) {
	responses := make([]*http.Response, len(w.manifest))

	g, gctx := errgroup.WithContext(ctx)
	for i, key := range w.manifest {
		g.Go(func() error {
			resp, err := w.fetchForCache(gctx, key)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrPrecache, key, err)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return responses, nil
}

// fetchAny fetches every manifest entry and reports failures per entry
func (w *Worker) fetchAny(ctx context.Context) ([]*http.Response, map[string]error) {
	responses := make([]*http.Response, len(w.manifest))
	failed := make(map[string]error)
	var mu sync.Mutex

	var g errgroup.Group
	for i, key := range w.manifest {
		g.Go(func() error {
			resp, err := w.fetchForCache(ctx, key)
			if err != nil {
				logrus.Warnf("Skipping precache entry %s: %v", key, err)
				mu.Lock()
				failed[key] = fmt.Errorf("%w: %w", ErrPrecache, err)
				mu.Unlock()
				return nil
			}
			responses[i] = resp
			return nil
		})
	}
	_ = g.Wait()
	return responses, failed
}

// fetchForCache fetches key and buffers the body so the response can be stored later
func (w *Worker) fetchForCache(ctx context.Context, key string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}

	resp, err := w.network.Do(req)
	if err != nil {
		return nil, err
	}
	rawBody := resp.Body
	defer func() { _ = rawBody.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(rawBody)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.TransferEncoding = nil
	resp.Uncompressed = false
	return resp, nil
}
