package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/iTrooz/shell-cache-proxy/internal/admin"
	"github.com/iTrooz/shell-cache-proxy/internal/cache"
	"github.com/iTrooz/shell-cache-proxy/internal/config"
	"github.com/iTrooz/shell-cache-proxy/internal/lifecycle"
	"github.com/iTrooz/shell-cache-proxy/internal/metrics"
	"github.com/iTrooz/shell-cache-proxy/internal/proxy"
	"github.com/iTrooz/shell-cache-proxy/internal/worker"
)

func main() {
	configPath := flag.StringP("config", "c", "configs/config.yaml", "path to the YAML configuration file")
	logLevel := flag.String("log-level", "", "override the configured log level")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *logLevel)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	if *printConfig {
		out, err := cfg.Dump()
		if err != nil {
			logrus.Fatalf("Failed to render config: %v", err)
		}
		_, _ = os.Stdout.Write(out)
		return
	}

	level, _ := cfg.GetLogLevel()
	logrus.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, *configPath, *logLevel, cfg)
	if err != nil {
		logrus.Fatalf("Failed to start: %v", err)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logrus.Fatalf("Server failed: %v", err)
	}
}

func loadConfig(path, logLevel string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app wires storage, registration, proxy and admin together
type app struct {
	configPath string
	logLevel   string
	cfg        *config.Config

	storage      cache.Storage
	network      *http.Client
	metrics      *metrics.Metrics
	registration *lifecycle.Registration
	proxy        *proxy.Server
}

func newApp(ctx context.Context, configPath, logLevel string, cfg *config.Config) (*app, error) {
	timeout, err := cfg.GetUpstreamTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid upstream timeout: %w", err)
	}

	storage, err := cache.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("opening %s storage: %w", cfg.Storage.Backend, err)
	}

	a := &app{
		configPath: configPath,
		logLevel:   logLevel,
		cfg:        cfg,
		storage:    storage,
		network:    proxy.NewUpstreamClient(timeout),
		metrics:    metrics.New(),
	}
	a.registration = lifecycle.New(a.network, a.metrics)

	if err := a.register(ctx, cfg); err != nil {
		// Requests are passed through uncontrolled until an update succeeds
		logrus.Errorf("Initial worker was not installed: %v", err)
	}

	a.proxy, err = proxy.New(cfg, a.registration)
	if err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("creating proxy server: %w", err)
	}
	return a, nil
}

func (a *app) register(ctx context.Context, cfg *config.Config) error {
	w, err := worker.New(worker.OptionsFromConfig(cfg.Worker), a.storage, a.network)
	if err != nil {
		return err
	}
	return a.registration.Register(ctx, w)
}

// Update reloads the configuration file and registers the worker it describes
func (a *app) Update(ctx context.Context) (string, error) {
	cfg, err := loadConfig(a.configPath, a.logLevel)
	if err != nil {
		return "", err
	}
	if cfg.Worker.Origin != a.cfg.Worker.Origin {
		return "", errors.New("changing the origin requires a restart")
	}
	if err := a.register(ctx, cfg); err != nil {
		return "", err
	}
	return cfg.Worker.Version, nil
}

// Run serves the proxy, and the admin surface when configured, until ctx is canceled
func (a *app) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.proxy.Start(ctx)
	})

	if addr := a.cfg.Server.AdminAddr; addr != "" {
		adminServer := admin.New(a.registration, a.storage, a.metrics, a.Update)
		g.Go(func() error {
			return adminServer.Start(ctx, addr)
		})
	}

	g.Go(func() error {
		a.reloadOnHangup(ctx)
		return nil
	})

	return g.Wait()
}

func (a *app) reloadOnHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logrus.Infof("Reloading %s", a.configPath)
			version, err := a.Update(ctx)
			if err != nil {
				logrus.Errorf("Reload failed: %v", err)
				continue
			}
			logrus.Infof("Registered worker %s", version)
		}
	}
}

func (a *app) Close() {
	if err := a.storage.Close(); err != nil {
		logrus.Errorf("Failed to close storage: %v", err)
	}
}
