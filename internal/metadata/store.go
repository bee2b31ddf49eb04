// Package metadata holds the durable cid -> CacheEntry mapping: the
// single source of truth for tier placement, heat, and content hashes.
// Records are JSON with a trailing CRC32 guard, persisted in Badger so
// they survive restarts; if the database is lost the mapping can be
// rebuilt from tier stat scans.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"sync"

	badger "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	cacheerrors "github.com/adaptix/tiercache/internal/errors"
	"github.com/adaptix/tiercache/internal/model"
	"github.com/adaptix/tiercache/internal/registry"
	"github.com/adaptix/tiercache/internal/store"
	"github.com/adaptix/tiercache/internal/util"
)

const entryKeyPrefix = "entry/"

// lockShards is the number of per-cid lock stripes. Mutations to the
// same cid serialize on one stripe; distinct cids proceed concurrently.
const lockShards = 64

// ErrEntryNotFound is returned when a cid has no metadata record
var ErrEntryNotFound = errors.New("metadata: entry not found")

// Config holds metadata store configuration
type Config struct {
	Path       string
	SyncWrites bool
	// InMemory runs Badger without files; used by tests.
	InMemory bool
}

// Store is the durable metadata store
type Store struct {
	db     *badger.DB
	logger *zap.Logger
	locks  [lockShards]sync.Mutex
}

// New opens the metadata store
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
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	logger.Info("Metadata store opened", zap.String("path", cfg.Path))
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) shard(cid string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(cid))
	return &s.locks[h.Sum32()%lockShards]
}

func entryKey(cid string) []byte {
	return []byte(entryKeyPrefix + cid)
}

func encodeEntry(entry *model.CacheEntry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return util.AppendChecksum(data), nil
}

func decodeEntry(raw []byte) (*model.CacheEntry, error) {
	data, ok := util.ValidateAndStripChecksum(raw)
	if !ok {
		return nil, errors.New("metadata: record checksum mismatch")
	}
	var entry model.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Get returns the entry for cid, or ErrEntryNotFound
func (s *Store) Get(cid string) (*model.CacheEntry, error) {
	var entry *model.CacheEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(cid))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		entry, err = decodeEntry(raw)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, cacheerrors.MetadataFailed("metadata read failed", err)
	}
	return entry, nil
}

// Put writes the entry, replacing any existing record for its cid
func (s *Store) Put(entry *model.CacheEntry) error {
	mu := s.shard(entry.CID)
	mu.Lock()
	defer mu.Unlock()
	return s.write(entry)
}

func (s *Store) write(entry *model.CacheEntry) error {
	raw, err := encodeEntry(entry)
	if err != nil {
		return cacheerrors.MetadataFailed("metadata encode failed", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(entry.CID), raw)
	})
	if err != nil {
		return cacheerrors.MetadataFailed("metadata write failed", err)
	}
	return nil
}

// Update applies fn to the entry for cid under its per-cid lock and
// persists the result. When the entry does not exist, fn receives nil
// and may return a new entry to create. Returning (nil, nil) deletes
// nothing and writes nothing.
func (s *Store) Update(cid string, fn func(entry *model.CacheEntry) (*model.CacheEntry, error)) (*model.CacheEntry, error) {
	mu := s.shard(cid)
	mu.Lock()
	defer mu.Unlock()

	entry, err := s.Get(cid)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}

	updated, err := fn(entry)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return entry, nil
	}
	if err := s.write(updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes the entry for cid
func (s *Store) Delete(cid string) error {
	mu := s.shard(cid)
	mu.Lock()
	defer mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(cid))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return cacheerrors.MetadataFailed("metadata delete failed", err)
	}
	return nil
}

// ForEach calls fn for every stored entry. Corrupt records are skipped
// and logged, not fatal: they will be repaired by the next rebuild.
func (s *Store) ForEach(fn func(entry *model.CacheEntry) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(entryKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			entry, err := decodeEntry(raw)
			if err != nil {
				s.logger.Warn("Skipping corrupt metadata record",
					zap.ByteString("key", it.Item().Key()),
					zap.Error(err))
				continue
			}
			if err := fn(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of stored entries
func (s *Store) Count() (int, error) {
	count := 0
	err := s.ForEach(func(*model.CacheEntry) error {
		count++
		return nil
	})
	return count, err
}

// Rebuild reconstructs metadata from tier stat scans. Each tier backend
// that can enumerate keys contributes locations; entries already present
// keep their hashes and heat. Used when the metadata database was lost.
func (s *Store) Rebuild(ctx context.Context, tiers []*registry.Tier) error {
	type keyLister interface {
		Keys() []string
	}
	type keyListerErr interface {
		Keys() ([]string, error)
	}

	rebuilt := 0
	for _, tier := range tiers {
		var keys []string
		switch lister := tier.Store().(type) {
		case keyLister:
			keys = lister.Keys()
		case keyListerErr:
			listed, err := lister.Keys()
			if err != nil {
				s.logger.Warn("Tier key scan failed during rebuild",
					zap.String("tier", tier.Name),
					zap.Error(err))
				continue
			}
			keys = listed
		default:
			s.logger.Debug("Tier backend cannot enumerate keys, skipping",
				zap.String("tier", tier.Name))
			continue
		}

		for _, cid := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}
			info, err := tier.Store().Stat(ctx, cid)
			if err != nil {
				if store.IsNotFound(err) {
					continue
				}
				s.logger.Warn("Stat failed during rebuild",
					zap.String("tier", tier.Name),
					zap.String("cid", cid),
					zap.Error(err))
				continue
			}
			tierName := tier.Name
			_, err = s.Update(cid, func(entry *model.CacheEntry) (*model.CacheEntry, error) {
				if entry == nil {
					entry = model.NewCacheEntry(cid, uint64(info.SizeBytes), "")
				}
				entry.UpsertLocation(tierName, model.TierStatusHealthy)
				return entry, nil
			})
			if err != nil {
				return err
			}
			rebuilt++
		}
	}

	s.logger.Info("Metadata rebuild complete", zap.Int("locations", rebuilt))
	return nil
}

// Close closes the backing database
func (s *Store) Close() error {
	return s.db.Close()
}
