// Package mock provides an in-memory Store with failure injection for tests.
package mock

import (
	"context"
	"sync"

	"github.com/adaptix/tiercache/internal/store"
)

// Store is a test double implementing store.Store. All behavior knobs
// may be changed between calls; the zero value is usable.
type Store struct {
	mu   sync.Mutex
	data map[string][]byte

	// GetErr, PutErr, DeleteErr and StatErr, when set, are returned from
	// every corresponding call before the data map is consulted.
	GetErr    error
	PutErr    error
	DeleteErr error
	StatErr   error

	getCalls    int
	putCalls    int
	deleteCalls int
	statCalls   int
}

// New creates an empty mock store
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Seed preloads content without counting a Put call
func (s *Store) Seed(cid string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = make(map[string][]byte)
	}
	s.data[cid] = append([]byte(nil), payload...)
}

// Get returns the payload for cid
func (s *Store) Get(ctx context.Context, cid string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	payload, ok := s.data[cid]
	if !ok {
		return nil, store.NotFound(cid)
	}
	return append([]byte(nil), payload...), nil
}

// Put stores the payload under cid
func (s *Store) Put(ctx context.Context, cid string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putCalls++
	if s.PutErr != nil {
		return s.PutErr
	}
	if s.data == nil {
		s.data = make(map[string][]byte)
	}
	s.data[cid] = append([]byte(nil), payload...)
	return nil
}

// Delete removes cid
func (s *Store) Delete(ctx context.Context, cid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	delete(s.data, cid)
	return nil
}

// Stat reports existence and size
func (s *Store) Stat(ctx context.Context, cid string) (store.StatInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statCalls++
	if s.StatErr != nil {
		return store.StatInfo{}, s.StatErr
	}
	payload, ok := s.data[cid]
	if !ok {
		return store.StatInfo{}, store.NotFound(cid)
	}
	return store.StatInfo{SizeBytes: int64(len(payload))}, nil
}

// SetErrors configures failure injection for all operations at once
func (s *Store) SetErrors(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GetErr = err
	s.PutErr = err
	s.DeleteErr = err
	s.StatErr = err
}

// Has reports whether cid is stored
func (s *Store) Has(cid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[cid]
	return ok
}

// Len returns the number of stored payloads
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Keys returns all stored cids
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// GetCalls returns how many Get calls have been made
func (s *Store) GetCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls
}

// PutCalls returns how many Put calls have been made
func (s *Store) PutCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putCalls
}

// DeleteCalls returns how many Delete calls have been made
func (s *Store) DeleteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteCalls
}
