package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type fileRecord struct {
	Value  json.RawMessage `json:"value"`
	Expire int64           `json:"expire"`
}

type fileBucket struct {
	mu      sync.Mutex
	loaded  bool
	records map[string]fileRecord
}

// FileBackend keeps one JSON snapshot per category (cache_<category>.json)
// holding {key: {value, expire}} with expire in Unix milliseconds. Values
// must be valid JSON. Every write rewrites the snapshot atomically.
type FileBackend struct {
	dir     string
	mu      sync.Mutex
	buckets map[string]*fileBucket
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileBackend{dir: dir, buckets: make(map[string]*fileBucket)}, nil
}

func (f *FileBackend) Name() string { return "json" }

func (f *FileBackend) path(category string) string {
	return filepath.Join(f.dir, "cache_"+category+".json")
}

func (f *FileBackend) bucket(category string) *fileBucket {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.buckets[category]
	if b == nil {
		b = &fileBucket{records: make(map[string]fileRecord)}
		f.buckets[category] = b
	}
	return b
}

// load must be called with b.mu held. A missing or unreadable snapshot
// leaves the bucket empty; the error is reported once.
func (f *FileBackend) load(category string, b *fileBucket) error {
	if b.loaded {
		return nil
	}
	b.loaded = true
	data, err := os.ReadFile(f.path(category))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read cache snapshot: %w", err)
	}
	records := make(map[string]fileRecord)
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decode cache snapshot %s: %w", filepath.Base(f.path(category)), err)
	}
	b.records = records
	return nil
}

func (f *FileBackend) persist(category string, b *fileBucket) error {
	data, err := json.Marshal(b.records)
	if err != nil {
		return fmt.Errorf("encode cache snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, "cache_"+category+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, f.path(category)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (f *FileBackend) Get(_ context.Context, category, key string, now time.Time) ([]byte, bool, error) {
	b := f.bucket(category)
	b.mu.Lock()
	defer b.mu.Unlock()
	loadErr := f.load(category, b)
	record, ok := b.records[key]
	if !ok {
		return nil, false, loadErr
	}
	if now.UnixMilli() >= record.Expire {
		delete(b.records, key)
		return nil, false, loadErr
	}
	return []byte(record.Value), true, loadErr
}

func (f *FileBackend) Set(_ context.Context, category, key string, value []byte, expiresAt time.Time) error {
	if !json.Valid(value) {
		return errors.New("json cache backend requires JSON values")
	}
	b := f.bucket(category)
	b.mu.Lock()
	defer b.mu.Unlock()
	loadErr := f.load(category, b)
	b.records[key] = fileRecord{Value: json.RawMessage(value), Expire: expiresAt.UnixMilli()}
	if err := f.persist(category, b); err != nil {
		return err
	}
	return loadErr
}

func (f *FileBackend) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	categories := make(map[string]*fileBucket, len(f.buckets))
	for name, b := range f.buckets {
		categories[name] = b
	}
	f.mu.Unlock()
	for _, name := range []string{CategorySearch, CategoryDetail} {
		if _, ok := categories[name]; !ok {
			categories[name] = f.bucket(name)
		}
	}

	removed := 0
	var errs []error
	cutoffMs := cutoff.UnixMilli()
	for name, b := range categories {
		b.mu.Lock()
		if err := f.load(name, b); err != nil {
			errs = append(errs, err)
		}
		dropped := 0
		for key, record := range b.records {
			if record.Expire < cutoffMs {
				delete(b.records, key)
				dropped++
			}
		}
		if dropped > 0 {
			if err := f.persist(name, b); err != nil {
				errs = append(errs, err)
			}
		}
		b.mu.Unlock()
		removed += dropped
	}
	return removed, errors.Join(errs...)
}

func (f *FileBackend) Close() error { return nil }
