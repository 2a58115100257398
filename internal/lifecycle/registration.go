// Package lifecycle hosts interception workers the way a browser hosts a
// service worker registration: it installs new versions, keeps them waiting
// or activates them, and decides which worker controls incoming requests.
package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/shell-cache-proxy/internal/metrics"
	"github.com/iTrooz/shell-cache-proxy/internal/worker"
)

// State of a worker inside a registration
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// version is one worker and what the registration knows about it
type version struct {
	w           *worker.Worker
	state       State
	skipWaiting bool
	claimed     bool
}

// signals is the worker.Host handed to a worker during its lifecycle events
type signals struct {
	mu sync.Mutex
	v  *version
}

func (s *signals) SkipWaiting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.skipWaiting = true
}

func (s *signals) Claim() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.claimed = true
}

// Registration tracks the installing, waiting and active workers of one origin
type Registration struct {
	network worker.Fetcher
	metrics *metrics.Metrics

	// serializes Register and Promote so install always finishes before activate
	updateMu sync.Mutex

	mu         sync.RWMutex
	installing *version
	waiting    *version
	active     *version
	controller *version
	// pending is an active worker that did not claim while the origin was
	// uncontrolled, and waits for the next navigation
	pending *version
}

// New creates an empty registration. Requests dispatched before any worker
// controls the origin go straight to network.
func New(network worker.Fetcher, m *metrics.Metrics) *Registration {
	return &Registration{network: network, metrics: m}
}

// Register installs w and, when allowed, activates it.
// On install failure w becomes redundant and the previous worker keeps control.
func (r *Registration) Register(ctx context.Context, w *worker.Worker) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	v := &version{w: w, state: StateParsed}
	sig := &signals{v: v}

	r.mu.Lock()
	v.state = StateInstalling
	r.installing = v
	r.mu.Unlock()

	logrus.Infof("Installing worker %s", w.Version())
	report, err := w.Install(ctx, sig)

	r.mu.Lock()
	r.installing = nil
	if err != nil {
		v.state = StateRedundant
		r.mu.Unlock()
		r.metrics.ObserveInstall(false)
		return fmt.Errorf("installing %s: %w", w.Version(), err)
	}
	r.metrics.ObserveInstall(true)
	for key, ferr := range report.Failed {
		logrus.Warnf("Worker %s installed without %s: %v", w.Version(), key, ferr)
	}

	v.state = StateInstalled
	if r.waiting != nil {
		r.waiting.state = StateRedundant
	}
	r.waiting = v
	sig.mu.Lock()
	activateNow := r.active == nil || v.skipWaiting
	sig.mu.Unlock()
	r.mu.Unlock()

	if !activateNow {
		logrus.Infof("Worker %s installed, waiting for %s to be released", w.Version(), r.ActiveVersion())
		return nil
	}
	r.activate(ctx, v, sig)
	return nil
}

// Promote activates the waiting worker, if any
func (r *Registration) Promote(ctx context.Context) bool {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.RLock()
	v := r.waiting
	r.mu.RUnlock()
	if v == nil {
		return false
	}

	r.activate(ctx, v, &signals{v: v})
	return true
}

// activate runs the activate event of v and hands it control
func (r *Registration) activate(ctx context.Context, v *version, sig *signals) {
	r.mu.Lock()
	previous := r.active
	if previous != nil && previous != v {
		previous.state = StateRedundant
	}
	v.state = StateActivating
	r.waiting = nil
	r.active = v
	r.mu.Unlock()

	logrus.Infof("Activating worker %s", v.w.Version())
	report, err := v.w.Activate(ctx, sig)
	if err != nil {
		// A failed activate event does not stop the worker from activating
		logrus.Errorf("Activate event of %s failed: %v", v.w.Version(), err)
	} else {
		r.metrics.ObserveActivation(len(report.Deleted), len(report.Failed))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	v.state = StateActivated
	sig.mu.Lock()
	claimed := v.claimed
	sig.mu.Unlock()

	// Clients already controlled move to the new active worker, whose
	// activation removed the previous worker's bucket. Claim only matters
	// while nothing controls the origin yet.
	if claimed || r.controller != nil {
		r.controller = v
		r.pending = nil
		logrus.Infof("Worker %s now controls %s", v.w.Version(), v.w.Origin())
		return
	}
	r.pending = v
	logrus.Infof("Worker %s activated, takes control at the next navigation", v.w.Version())
}

// Controller returns the worker serving requests, or nil when uncontrolled
func (r *Registration) Controller() *worker.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.controller == nil {
		return nil
	}
	return r.controller.w
}

// ActiveVersion returns the version tag of the active worker
func (r *Registration) ActiveVersion() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return ""
	}
	return r.active.w.Version()
}

// Dispatch delivers a fetch event for req to the controlling worker.
// Uncontrolled requests are sent to the network unchanged.
func (r *Registration) Dispatch(ctx context.Context, req *http.Request) (*worker.Result, string, error) {
	r.mu.Lock()
	if r.pending != nil && IsNavigation(req) {
		logrus.Infof("Navigation to %s, worker %s takes control", req.URL, r.pending.w.Version())
		r.controller = r.pending
		r.pending = nil
	}
	controller := r.controller
	r.mu.Unlock()

	if controller == nil {
		out := req.Clone(ctx)
		out.RequestURI = ""
		resp, err := r.network.Do(out)
		if err != nil {
			return nil, "", err
		}
		return &worker.Result{Response: resp, Class: worker.Static, Source: worker.SourceNetwork}, "", nil
	}

	result, err := controller.w.Fetch(ctx, req)
	if err == nil {
		r.metrics.ObserveFetch(result.Class.String(), result.Source.String())
	}
	return result, controller.w.Version(), err
}

// IsNavigation reports whether req loads a top-level document
func IsNavigation(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// WorkerStatus describes one worker of the registration
type WorkerStatus struct {
	Version string `json:"version"`
	State   State  `json:"state"`
}

// Status is a snapshot of the registration
type Status struct {
	Installing *WorkerStatus `json:"installing,omitempty"`
	Waiting    *WorkerStatus `json:"waiting,omitempty"`
	Active     *WorkerStatus `json:"active,omitempty"`
	Controller string        `json:"controller,omitempty"`
}

func (v *version) status() *WorkerStatus {
	if v == nil {
		return nil
	}
	return &WorkerStatus{Version: v.w.Version(), State: v.state}
}

// Status returns a snapshot of the registration
func (r *Registration) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Status{
		Installing: r.installing.status(),
		Waiting:    r.waiting.status(),
		Active:     r.active.status(),
	}
	if r.controller != nil {
		s.Controller = r.controller.w.Version()
	}
	return s
}
