// Package redisstore provides a network tier backend on a Redis instance,
// typically fronting a shared cluster cache.
package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/adaptix/tiercache/internal/store"
)

// Config holds redis store configuration
type Config struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces this cache's content within a shared instance.
	KeyPrefix string
	// TTL of stored payloads; zero means no expiry.
	TTL time.Duration
}

// Store implements store.Store on a Redis client
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a redis store. The connection is verified lazily; an
// unreachable instance surfaces as KindUnreachable on first use.
func New(cfg *Config, logger *zap.Logger) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "tiercache:"
	}
	return &Store{
		client: client,
		prefix: prefix,
		ttl:    cfg.TTL,
		logger: logger,
	}
}

func (s *Store) key(cid string) string {
	return s.prefix + cid
}

// classify maps redis client failures onto store error kinds
func classify(cid string, err error) error {
	switch {
	case errors.Is(err, redis.Nil):
		return store.NotFound(cid)
	case errors.Is(err, context.DeadlineExceeded):
		return store.Timeout(cid, err)
	case errors.Is(err, context.Canceled):
		return store.Timeout(cid, err)
	default:
		// Connection refused, DNS failure, broken pipe: the tier is
		// unreachable as far as failover is concerned.
		return store.Unreachable(cid, err)
	}
}

// Get returns the payload for cid
func (s *Store) Get(ctx context.Context, cid string) ([]byte, error) {
	payload, err := s.client.Get(ctx, s.key(cid)).Bytes()
	if err != nil {
		return nil, classify(cid, err)
	}
	return payload, nil
}

// Put stores the payload under cid
func (s *Store) Put(ctx context.Context, cid string, payload []byte) error {
	if err := s.client.Set(ctx, s.key(cid), payload, s.ttl).Err(); err != nil {
		return classify(cid, err)
	}
	return nil
}

// Delete removes cid
func (s *Store) Delete(ctx context.Context, cid string) error {
	if err := s.client.Del(ctx, s.key(cid)).Err(); err != nil {
		return classify(cid, err)
	}
	return nil
}

// Stat reports existence and size without transferring the payload
func (s *Store) Stat(ctx context.Context, cid string) (store.StatInfo, error) {
	size, err := s.client.StrLen(ctx, s.key(cid)).Result()
	if err != nil {
		return store.StatInfo{}, classify(cid, err)
	}
	if size == 0 {
		exists, err := s.client.Exists(ctx, s.key(cid)).Result()
		if err != nil {
			return store.StatInfo{}, classify(cid, err)
		}
		if exists == 0 {
			return store.StatInfo{}, store.NotFound(cid)
		}
	}
	return store.StatInfo{SizeBytes: size}, nil
}

// Close releases the client's connection pool
func (s *Store) Close() error {
	return s.client.Close()
}
