// Package disk provides a local-disk tier backend on top of BadgerDB.
package disk

import (
	"context"
	"errors"
	"os"

	badger "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/adaptix/tiercache/internal/store"
)

// Config holds disk store configuration
type Config struct {
	Path       string
	SyncWrites bool
	// InMemory runs Badger without files; used by tests.
	InMemory bool
}

// Store implements store.Store on BadgerDB
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// New opens the disk store, creating the data directory if needed
func New(cfg *Config, logger *zap.Logger) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(cfg.Path)
		opts.SyncWrites = cfg.SyncWrites
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	logger.Info("Disk store opened",
		zap.String("path", cfg.Path),
		zap.Bool("sync_writes", cfg.SyncWrites))

	return &Store{db: db, logger: logger}, nil
}

// Get returns the payload for cid
func (s *Store) Get(ctx context.Context, cid string) ([]byte, error) {
	var payload []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cid))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, store.NotFound(cid)
		}
		return nil, store.Internal(cid, err)
	}
	return payload, nil
}

// Put stores the payload under cid
func (s *Store) Put(ctx context.Context, cid string, payload []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(cid), payload)
	})
	if err != nil {
		return store.Internal(cid, err)
	}
	return nil
}

// Delete removes cid
func (s *Store) Delete(ctx context.Context, cid string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(cid))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return store.Internal(cid, err)
	}
	return nil
}

// Stat reports existence and size without transferring the payload
func (s *Store) Stat(ctx context.Context, cid string) (store.StatInfo, error) {
	var info store.StatInfo
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cid))
		if err != nil {
			return err
		}
		info.SizeBytes = item.ValueSize()
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.StatInfo{}, store.NotFound(cid)
		}
		return store.StatInfo{}, store.Internal(cid, err)
	}
	return info, nil
}

// Keys returns all cids present on disk
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

// Close closes the backing database
func (s *Store) Close() error {
	return s.db.Close()
}
