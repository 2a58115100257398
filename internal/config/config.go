package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `koanf:"server" yaml:"server"`
	Worker  WorkerConfig  `koanf:"worker" yaml:"worker"`
	Storage StorageConfig `koanf:"storage" yaml:"storage"`
	Log     LogConfig     `koanf:"log" yaml:"log"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port            int         `koanf:"port" yaml:"port"`
	AdminAddr       string      `koanf:"admin_addr" yaml:"admin_addr"`
	UpstreamTimeout string      `koanf:"upstream_timeout" yaml:"upstream_timeout"`
	HTTPS           HTTPSConfig `koanf:"https" yaml:"https"`
}

// HTTPSConfig contains TLS interception settings
type HTTPSConfig struct {
	CACertFile      string `koanf:"ca_cert_file" yaml:"ca_cert_file"`
	CAKeyFile       string `koanf:"ca_key_file" yaml:"ca_key_file"`
	TransparentAddr string `koanf:"transparent_addr" yaml:"transparent_addr"`
}

// WorkerConfig describes the interception layer: which origin it controls,
// the version tag naming its cache bucket and the precache manifest.
type WorkerConfig struct {
	Origin        string   `koanf:"origin" yaml:"origin"`
	Version       string   `koanf:"version" yaml:"version"`
	Precache      []string `koanf:"precache" yaml:"precache"`
	DynamicPrefix string   `koanf:"dynamic_prefix" yaml:"dynamic_prefix"`
	FallbackURL   string   `koanf:"fallback_url" yaml:"fallback_url"`
	PrecacheMode  string   `koanf:"precache_mode" yaml:"precache_mode"` // "strict" or "partial"
	SkipWaiting   bool     `koanf:"skip_waiting" yaml:"skip_waiting"`
	Claim         bool     `koanf:"claim" yaml:"claim"`
}

// StorageConfig selects the cache bucket backend
type StorageConfig struct {
	Backend     string `koanf:"backend" yaml:"backend"` // "memory", "disk", "redis" or "sqlite"
	Folder      string `koanf:"folder" yaml:"folder"`
	RedisAddr   string `koanf:"redis_addr" yaml:"redis_addr"`
	RedisPrefix string `koanf:"redis_prefix" yaml:"redis_prefix"`
	SQLitePath  string `koanf:"sqlite_path" yaml:"sqlite_path"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level string `koanf:"level" yaml:"level"`
}

// Default returns the configuration used for every key the file leaves out
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			UpstreamTimeout: "30s",
		},
		Worker: WorkerConfig{
			Version:       "emotion-safety-v1",
			Precache:      []string{"/static/index.html", "/static/manifest.json"},
			DynamicPrefix: "/api/",
			FallbackURL:   "/static/index.html",
			PrecacheMode:  "strict",
			SkipWaiting:   true,
			Claim:         true,
		},
		Storage: StorageConfig{
			Backend:     "disk",
			Folder:      "./cache",
			RedisPrefix: "shellcache",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load loads configuration from a YAML file on top of the defaults
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	return &config, nil
}

// Dump renders the configuration as YAML
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}

// GetUpstreamTimeout parses and returns the upstream request timeout
func (c *Config) GetUpstreamTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Server.UpstreamTimeout)
}

// GetLogLevel parses and returns the configured log level
func (c *Config) GetLogLevel() (logrus.Level, error) {
	return logrus.ParseLevel(c.Log.Level)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if _, err := c.GetUpstreamTimeout(); err != nil {
		return fmt.Errorf("invalid upstream timeout format: %w", err)
	}

	if (c.Server.HTTPS.CACertFile == "") != (c.Server.HTTPS.CAKeyFile == "") {
		return fmt.Errorf("https CA certificate and key must be set together")
	}

	if err := c.Worker.validate(); err != nil {
		return err
	}

	if err := c.Storage.validate(); err != nil {
		return err
	}

	if _, err := c.GetLogLevel(); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	return nil
}

func (w *WorkerConfig) validate() error {
	origin, err := url.Parse(w.Origin)
	if err != nil {
		return fmt.Errorf("invalid worker origin: %w", err)
	}
	if !origin.IsAbs() || origin.Host == "" {
		return fmt.Errorf("worker origin must be an absolute URL, got: %q", w.Origin)
	}

	if strings.TrimSpace(w.Version) == "" {
		return fmt.Errorf("worker version is required")
	}

	seen := make(map[string]bool, len(w.Precache))
	for _, entry := range w.Precache {
		if strings.TrimSpace(entry) == "" {
			return fmt.Errorf("precache manifest contains an empty entry")
		}
		if seen[entry] {
			return fmt.Errorf("precache manifest contains duplicate entry: %s", entry)
		}
		seen[entry] = true
	}

	if !strings.HasPrefix(w.DynamicPrefix, "/") {
		return fmt.Errorf("dynamic prefix must start with '/', got: %s", w.DynamicPrefix)
	}

	if w.FallbackURL == "" {
		return fmt.Errorf("fallback URL is required")
	}

	if w.PrecacheMode != "strict" && w.PrecacheMode != "partial" {
		return fmt.Errorf("precache mode must be 'strict' or 'partial', got: %s", w.PrecacheMode)
	}

	return nil
}

func (s *StorageConfig) validate() error {
	switch s.Backend {
	case "memory":
	case "disk":
		if s.Folder == "" {
			return fmt.Errorf("storage folder is required for the disk backend")
		}
	case "redis":
		if s.RedisAddr == "" {
			return fmt.Errorf("redis address is required for the redis backend")
		}
	case "sqlite":
		if s.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage backend must be one of memory, disk, redis, sqlite, got: %s", s.Backend)
	}
	return nil
}
