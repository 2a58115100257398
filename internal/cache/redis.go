package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/redis/go-redis/v9/maintnotifications"
)

type RedisOption func(*redisSettings)

type redisSettings struct {
	opts   *redis.Options
	prefix string
}

// WithKeyPrefix namespaces every key written by the storage
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *redisSettings) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func WithPoolSize(n int) RedisOption {
	return func(s *redisSettings) { s.opts.PoolSize = n }
}

func WithDialTimeout(d time.Duration) RedisOption {
	return func(s *redisSettings) { s.opts.DialTimeout = d }
}

// RedisStorage keeps the set of bucket names in a redis set and each bucket in its own hash
type RedisStorage struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis connects to redis at addr and checks the connection
func NewRedis(ctx context.Context, addr string, opts ...RedisOption) (*RedisStorage, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	settings := &redisSettings{
		opts: &redis.Options{
			Addr:         addr,
			PoolSize:     16,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  1 * time.Second,
			WriteTimeout: 1 * time.Second,
			MaintNotificationsConfig: &maintnotifications.Config{
				Mode: maintnotifications.ModeDisabled,
			},
		},
		prefix: "shellcache",
	}
	for _, f := range opts {
		f(settings)
	}

	rdb := redis.NewClient(settings.opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStorage{rdb: rdb, prefix: settings.prefix}, nil
}

func (r *RedisStorage) namesKey() string {
	return r.prefix + ":buckets"
}

func (r *RedisStorage) bucketKey(name string) string {
	return r.prefix + ":bucket:" + name
}

func (r *RedisStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if name == "" {
		return nil, errors.New("bucket name is required")
	}
	if err := r.rdb.SAdd(ctx, r.namesKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("redis SADD %q: %w", name, err)
	}
	return &redisBucket{rdb: r.rdb, key: r.bucketKey(name)}, nil
}

func (r *RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := r.rdb.SMembers(ctx, r.namesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS: %w", err)
	}
	slices.Sort(names)
	return names, nil
}

func (r *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		removed = p.SRem(ctx, r.namesKey(), name)
		p.Del(ctx, r.bucketKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete bucket %q: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (r *RedisStorage) Close() error {
	if err := r.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

type redisBucket struct {
	rdb *redis.Client
	key string
}

func (b *redisBucket) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := b.rdb.HGet(ctx, b.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET %q: %w", key, err)
	}
	return value, nil
}

func (b *redisBucket) Set(ctx context.Context, key string, value []byte) error {
	if err := b.rdb.HSet(ctx, b.key, key, value).Err(); err != nil {
		return fmt.Errorf("redis HSET %q: %w", key, err)
	}
	return nil
}

func (b *redisBucket) Remove(ctx context.Context, key string) error {
	if err := b.rdb.HDel(ctx, b.key, key).Err(); err != nil {
		return fmt.Errorf("redis HDEL %q: %w", key, err)
	}
	return nil
}

func (b *redisBucket) Keys(ctx context.Context) ([]string, error) {
	keys, err := b.rdb.HKeys(ctx, b.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HKEYS: %w", err)
	}
	slices.Sort(keys)
	return keys, nil
}
