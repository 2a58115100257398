package cache

import (
	"context"
	"slices"
	"sync"
)

// MemoryStorage keeps buckets in process memory
type MemoryStorage struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

// NewMemory creates an empty in-memory storage
func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		buckets: make(map[string]*memoryBucket),
	}
}

func (m *MemoryStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[name]
	if !ok {
		b = &memoryBucket{entries: make(map[string][]byte)}
		m.buckets[name] = b
	}
	return b, nil
}

func (m *MemoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.buckets))
	for name := range m.buckets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (m *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[name]
	if !ok {
		return false, nil
	}
	delete(m.buckets, name)

	// Handles opened before the deletion must not keep serving its entries
	b.mu.Lock()
	b.entries = make(map[string][]byte)
	b.mu.Unlock()
	return true, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

type memoryBucket struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func (b *memoryBucket) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	value, ok := b.entries[key]
	if !ok {
		return nil, nil
	}
	return slices.Clone(value), nil
}

func (b *memoryBucket) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[key] = slices.Clone(value)
	return nil
}

func (b *memoryBucket) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.entries, key)
	return nil
}

func (b *memoryBucket) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, nil
}
