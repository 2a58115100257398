// Handles storage of cached HTTP responses in named, versioned buckets
package cache

import (
	"context"
	"fmt"

	"github.com/iTrooz/shell-cache-proxy/internal/config"
)

// Storage holds named cache buckets
type Storage interface {
	// opens the bucket with this name, creating it if absent
	Open(ctx context.Context, name string) (Bucket, error)
	// lists the names of all existing buckets, sorted
	Names(ctx context.Context) ([]string, error)
	// deletes a bucket and all its entries.
	// returns false, nil when no such bucket exists
	Delete(ctx context.Context, name string) (bool, error)
	// releases resources held by the storage
	Close() error
}

// Bucket is a key-value store of serialized responses
type Bucket interface {
	// retrieves the value stored under key.
	// returns nil, nil when not found
	Get(ctx context.Context, key string) ([]byte, error)
	// stores value under key, replacing any previous value
	Set(ctx context.Context, key string, value []byte) error
	// removes the entry stored under key, if any
	Remove(ctx context.Context, key string) error
	// lists all keys in the bucket, sorted
	Keys(ctx context.Context) ([]string, error)
}

// New creates the storage backend selected by the configuration
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "disk":
		return NewDisk(cfg.Folder)
	case "redis":
		return NewRedis(ctx, cfg.RedisAddr, WithKeyPrefix(cfg.RedisPrefix))
	case "sqlite":
		return NewSQLite(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
