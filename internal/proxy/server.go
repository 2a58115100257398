package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/shell-cache-proxy/internal/config"
	"github.com/iTrooz/shell-cache-proxy/internal/lifecycle"
	"github.com/iTrooz/shell-cache-proxy/internal/worker"
)

// Server represents the intercepting proxy in front of the origin
type Server struct {
	config       *config.Config
	registration *lifecycle.Registration
	proxy        *goproxy.ProxyHttpServer
	origin       *url.URL
	rule         *OriginRule
}

// New creates a new proxy server dispatching origin requests to registration
func New(cfg *config.Config, registration *lifecycle.Registration) (*Server, error) {
	origin, err := url.Parse(cfg.Worker.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if !origin.IsAbs() || origin.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute URL, got: %q", cfg.Worker.Origin)
	}

	s := &Server{
		config:       cfg,
		registration: registration,
		proxy:        goproxy.NewProxyHttpServer(),
		origin:       origin,
		rule:         NewOriginRule(origin),
	}

	s.proxy.Verbose = logrus.IsLevelEnabled(logrus.DebugLevel)
	s.proxy.NonproxyHandler = http.HandlerFunc(s.serveDirect)
	s.proxy.OnRequest(s.rule.Condition()).DoFunc(s.handleOriginRequest)

	if origin.Scheme == "https" {
		if err := s.setupHTTPSProxyHandler(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// GetProxy returns the underlying goproxy handler
func (s *Server) GetProxy() *goproxy.ProxyHttpServer {
	return s.proxy
}

// Start serves until ctx is canceled
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logrus.Infof("Starting shell cache proxy on port %d", s.config.Server.Port)
	logrus.Infof("Origin: %s", s.origin)
	logrus.Infof("Storage backend: %s", s.config.Storage.Backend)

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if addr := s.config.Server.HTTPS.TransparentAddr; addr != "" {
		go func() {
			if err := s.StartTransparentHTTPS(ctx, addr); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleOriginRequest answers proxied requests for the origin
func (s *Server) handleOriginRequest(requ *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	goproxy.RemoveProxyHeaders(ctx, requ)

	resp, err := s.dispatch(requ)
	if err != nil {
		return requ, goproxy.NewResponse(requ, goproxy.ContentTypeText, http.StatusBadGateway, err.Error())
	}
	return requ, resp
}

// serveDirect answers requests sent to the listener itself, as a reverse proxy of the origin
func (s *Server) serveDirect(w http.ResponseWriter, r *http.Request) {
	resp, err := s.dispatch(toOrigin(r, s.origin))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	removeHopHeaders(resp.Header)
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logrus.Errorf("Failed to write response body: %v", err)
	}
}

// dispatch hands the request to the registration and tags the response with its source
func (s *Server) dispatch(requ *http.Request) (*http.Response, error) {
	result, version, err := s.registration.Dispatch(requ.Context(), requ)
	if err != nil {
		logrus.Warnf("No response for %s %s: %v", requ.Method, requ.URL, err)
		return nil, err
	}

	resp := result.Response
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set("X-Cache", cacheStatus(result, version))
	if version != "" {
		resp.Header.Set("X-Cache-Version", version)
	}

	logrus.Debugf("%s %s -> %d (%s, %s)", requ.Method, requ.URL, resp.StatusCode, result.Class, result.Source)
	return resp, nil
}

func cacheStatus(result *worker.Result, version string) string {
	if version == "" {
		return "BYPASS"
	}
	switch result.Source {
	case worker.SourceCache:
		return "HIT"
	case worker.SourceFallback:
		return "FALLBACK"
	default:
		return "MISS"
	}
}
