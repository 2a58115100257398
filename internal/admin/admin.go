// Package admin serves the control surface of the proxy: health, registration
// status, worker updates and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/shell-cache-proxy/internal/cache"
	"github.com/iTrooz/shell-cache-proxy/internal/lifecycle"
	"github.com/iTrooz/shell-cache-proxy/internal/metrics"
)

// Updater reloads configuration and registers the resulting worker.
// It returns the version that was registered.
type Updater func(ctx context.Context) (string, error)

type Server struct {
	registration *lifecycle.Registration
	storage      cache.Storage
	metrics      *metrics.Metrics
	update       Updater
}

func New(registration *lifecycle.Registration, storage cache.Storage, m *metrics.Metrics, update Updater) *Server {
	return &Server{registration: registration, storage: storage, metrics: m, update: update}
}

// StatusResponse is the body of GET /-/status
type StatusResponse struct {
	lifecycle.Status
	Buckets []string `json:"buckets"`
	Entries []string `json:"entries"`
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	r.Route("/-", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/update", s.handleUpdate)
		r.Post("/skip-waiting", s.handleSkipWaiting)
	})
	return r
}

// Start serves the admin router on addr until ctx is canceled
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Admin listening on %s", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:  s.registration.Status(),
		Buckets: []string{},
		Entries: []string{},
	}

	names, err := s.storage.Names(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp.Buckets = append(resp.Buckets, names...)

	if controller := s.registration.Controller(); controller != nil {
		entries, err := controller.Entries(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp.Entries = append(resp.Entries, entries...)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.update == nil {
		writeError(w, http.StatusNotImplemented, errors.New("updates are not enabled"))
		return
	}
	version, err := s.update(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"registered": version,
		"status":     s.registration.Status(),
	})
}

func (s *Server) handleSkipWaiting(w http.ResponseWriter, r *http.Request) {
	if !s.registration.Promote(r.Context()) {
		writeError(w, http.StatusConflict, errors.New("no worker is waiting"))
		return
	}
	writeJSON(w, http.StatusOK, s.registration.Status())
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logrus.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
		}).Debug("admin request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("Failed to encode admin response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
