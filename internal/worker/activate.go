package worker

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentDeletes bounds the bucket deletions run at once during activation
const maxConcurrentDeletes = 8

// ActivationReport lists the stale buckets removed during activation
type ActivationReport struct {
	Deleted []string
	Failed  map[string]error
}

// Activate deletes every bucket whose name differs from the worker's version.
// Deletions are independent: a failed one is logged and reported, and neither
// stops the others nor fails the activation.
func (w *Worker) Activate(ctx context.Context, host Host) (*ActivationReport, error) {
	names, err := w.storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing cache buckets: %w", err)
	}

	report := &ActivationReport{Failed: make(map[string]error)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(maxConcurrentDeletes)
	for _, name := range names {
		if name == w.opts.Version {
			continue
		}
		g.Go(func() error {
			existed, err := w.storage.Delete(ctx, name)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logrus.Errorf("Failed to delete stale cache bucket %s: %v", name, err)
				report.Failed[name] = err
				return nil
			}
			if existed {
				logrus.Infof("Deleted stale cache bucket %s", name)
				report.Deleted = append(report.Deleted, name)
			}
			return nil
		})
	}
	_ = g.Wait()
	slices.Sort(report.Deleted)

	if w.opts.Claim {
		host.Claim()
	}

	return report, nil
}
