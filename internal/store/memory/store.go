// Package memory provides an in-process tier backend on top of BigCache.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"

	"github.com/adaptix/tiercache/internal/store"
)

// Config holds memory store configuration
type Config struct {
	// LifeWindow bounds how long an untouched payload survives.
	LifeWindow time.Duration
	// CleanWindow controls how often expired payloads are swept.
	CleanWindow time.Duration
	// MaxSizeMB caps the BigCache heap usage.
	MaxSizeMB int
	// Shards must be a power of two.
	Shards int
}

// Store implements store.Store on BigCache
type Store struct {
	cache  *bigcache.BigCache
	logger *zap.Logger

	// BigCache cannot report per-entry sizes without a payload copy, so
	// sizes are tracked on the side to serve Stat cheaply.
	mu    sync.RWMutex
	sizes map[string]int64
}

// New creates a memory store
func New(cfg *Config, logger *zap.Logger) (*Store, error) {
	if cfg.LifeWindow <= 0 {
		cfg.LifeWindow = 10 * time.Minute
	}
	if cfg.CleanWindow <= 0 {
		cfg.CleanWindow = 5 * time.Minute
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 256
	}

	bcConfig := bigcache.DefaultConfig(cfg.LifeWindow)
	bcConfig.CleanWindow = cfg.CleanWindow
	bcConfig.Shards = cfg.Shards
	if cfg.MaxSizeMB > 0 {
		bcConfig.HardMaxCacheSize = cfg.MaxSizeMB
	}

	cache, err := bigcache.New(context.Background(), bcConfig)
	if err != nil {
		return nil, err
	}

	return &Store{
		cache:  cache,
		logger: logger,
		sizes:  make(map[string]int64),
	}, nil
}

// Get returns the payload for cid
func (s *Store) Get(ctx context.Context, cid string) ([]byte, error) {
	payload, err := s.cache.Get(cid)
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			// BigCache may have expired the entry behind our back;
			// drop the stale size record.
			s.mu.Lock()
			delete(s.sizes, cid)
			s.mu.Unlock()
			return nil, store.NotFound(cid)
		}
		return nil, store.Internal(cid, err)
	}
	return payload, nil
}

// Put stores the payload under cid
func (s *Store) Put(ctx context.Context, cid string, payload []byte) error {
	if err := s.cache.Set(cid, payload); err != nil {
		return store.Internal(cid, err)
	}
	s.mu.Lock()
	s.sizes[cid] = int64(len(payload))
	s.mu.Unlock()
	return nil
}

// Delete removes cid
func (s *Store) Delete(ctx context.Context, cid string) error {
	if err := s.cache.Delete(cid); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return store.Internal(cid, err)
	}
	s.mu.Lock()
	delete(s.sizes, cid)
	s.mu.Unlock()
	return nil
}

// Stat reports existence and size without copying the payload
func (s *Store) Stat(ctx context.Context, cid string) (store.StatInfo, error) {
	s.mu.RLock()
	size, ok := s.sizes[cid]
	s.mu.RUnlock()
	if !ok {
		return store.StatInfo{}, store.NotFound(cid)
	}
	return store.StatInfo{SizeBytes: size}, nil
}

// Keys returns the cids currently tracked by the store
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.sizes))
	for k := range s.sizes {
		keys = append(keys, k)
	}
	return keys
}

// Close releases the backing cache
func (s *Store) Close() error {
	return s.cache.Close()
}
