package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
)

// DiskStorage implements Storage with one directory per bucket
type DiskStorage struct {
	cacheDir string
}

// NewDisk creates a disk storage rooted at cacheDir, creating the directory if needed
func NewDisk(cacheDir string) (*DiskStorage, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &DiskStorage{cacheDir: cacheDir}, nil
}

func (d *DiskStorage) bucketDir(name string) string {
	return filepath.Join(d.cacheDir, url.PathEscape(name))
}

// Open ensures the bucket directory exists
func (d *DiskStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateBucketName(name); err != nil {
		return nil, err
	}

	dir := d.bucketDir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create bucket directory %s: %w", dir, err)
	}
	return &diskBucket{dir: dir}, nil
}

// Names lists bucket directories
func (d *DiskStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(d.cacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			logrus.Warnf("Ignoring unexpected directory in cache folder: %s", entry.Name())
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// Delete removes a bucket directory with all its entries
func (d *DiskStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateBucketName(name); err != nil {
		return false, err
	}

	dir := d.bucketDir(name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("failed to remove bucket directory %s: %w", dir, err)
	}
	return true, nil
}

func (d *DiskStorage) Close() error {
	return nil
}

func validateBucketName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid bucket name %q", name)
	}
	return nil
}

// diskBucket stores each entry in its own file, named after the hash of its key.
// The first line of the file holds the key itself so Keys can enumerate entries.
type diskBucket struct {
	dir string
}

func (b *diskBucket) path(key string) string {
	hash := sha256.Sum256([]byte(key))
	return filepath.Join(b.dir, hex.EncodeToString(hash[:])+".bin")
}

func (b *diskBucket) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	storedKey, value, ok := bytes.Cut(data, []byte("\n"))
	if !ok || string(storedKey) != key {
		logrus.Warnf("Cache file %s does not hold key %s, ignoring it", b.path(key), key)
		return nil, nil
	}
	return value, nil
}

func (b *diskBucket) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.Contains(key, "\n") {
		return fmt.Errorf("invalid cache key %q: contains a newline", key)
	}

	// The bucket may have been deleted since it was opened
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return err
	}

	data := make([]byte, 0, len(key)+1+len(value))
	data = append(data, key...)
	data = append(data, '\n')
	data = append(data, value...)

	cachePath := b.path(key)
	if err := atomic.WriteFile(cachePath, bytes.NewReader(data)); err != nil {
		return err
	}

	logrus.Debugf("Cached response: %s", cachePath)
	return nil
}

func (b *diskBucket) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(b.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *diskBucket) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".bin" {
			continue
		}
		key, err := readKey(filepath.Join(b.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, nil
}

func readKey(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read key from %s: %w", path, err)
	}
	return strings.TrimSuffix(line, "\n"), nil
}
