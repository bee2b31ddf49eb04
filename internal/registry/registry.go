// Package registry keeps the ordered catalog of storage tiers: their
// capacity, speed class, backend handle, health state, and circuit
// breaker.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/adaptix/tiercache/internal/store"
)

// Tier is one named storage location
type Tier struct {
	Name          string
	CapacityBytes int64
	// SpeedRank orders tiers; lower is faster.
	SpeedRank int
	// CacheBearing marks tiers whose residency is managed by an ARC
	// instance rather than unbounded backend growth.
	CacheBearing bool

	store   store.Store
	breaker *CircuitBreaker

	currentSizeBytes atomic.Int64
}

// NewTier creates a tier wrapping the given backend
func NewTier(name string, capacityBytes int64, speedRank int, cacheBearing bool, st store.Store, breakerCfg BreakerConfig) *Tier {
	return &Tier{
		Name:          name,
		CapacityBytes: capacityBytes,
		SpeedRank:     speedRank,
		CacheBearing:  cacheBearing,
		store:         st,
		breaker:       NewCircuitBreaker(breakerCfg),
	}
}

// Store returns the tier's backend handle
func (t *Tier) Store() store.Store {
	return t.store
}

// Breaker returns the tier's circuit breaker
func (t *Tier) Breaker() *CircuitBreaker {
	return t.breaker
}

// CurrentSizeBytes returns the tracked used bytes on the tier
func (t *Tier) CurrentSizeBytes() int64 {
	return t.currentSizeBytes.Load()
}

// AddBytes adjusts the tracked used bytes; delta may be negative
func (t *Tier) AddBytes(delta int64) {
	if t.currentSizeBytes.Add(delta) < 0 {
		t.currentSizeBytes.Store(0)
	}
}

// HeadroomBytes returns the remaining capacity; unbounded tiers
// (capacity 0) report a very large headroom.
func (t *Tier) HeadroomBytes() int64 {
	if t.CapacityBytes <= 0 {
		return 1 << 62
	}
	headroom := t.CapacityBytes - t.currentSizeBytes.Load()
	if headroom < 0 {
		return 0
	}
	return headroom
}

// Healthy reports whether the tier is currently accepting traffic
func (t *Tier) Healthy() bool {
	return t.breaker.State() == BreakerClosed
}

// Registry is the ordered tier catalog
type Registry struct {
	mu     sync.RWMutex
	tiers  map[string]*Tier
	logger *zap.Logger
}

// New creates an empty registry
func New(logger *zap.Logger) *Registry {
	return &Registry{
		tiers:  make(map[string]*Tier),
		logger: logger,
	}
}

// Register adds a tier to the catalog
func (r *Registry) Register(t *Tier) {
	r.mu.Lock()
	r.tiers[t.Name] = t
	r.mu.Unlock()

	r.logger.Info("Tier registered",
		zap.String("tier", t.Name),
		zap.Int("speed_rank", t.SpeedRank),
		zap.Int64("capacity_bytes", t.CapacityBytes),
		zap.Bool("cache_bearing", t.CacheBearing))
}

// Get returns the named tier
func (r *Registry) Get(name string) (*Tier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tiers[name]
	return t, ok
}

// Ordered returns all tiers sorted fastest-first
func (r *Registry) Ordered() []*Tier {
	r.mu.RLock()
	tiers := make([]*Tier, 0, len(r.tiers))
	for _, t := range r.tiers {
		tiers = append(tiers, t)
	}
	r.mu.RUnlock()

	sort.Slice(tiers, func(i, j int) bool {
		return tiers[i].SpeedRank < tiers[j].SpeedRank
	})
	return tiers
}

// Fastest returns the lowest-ranked tier, or nil when empty
func (r *Registry) Fastest() *Tier {
	ordered := r.Ordered()
	if len(ordered) == 0 {
		return nil
	}
	return ordered[0]
}

// NextSlower returns the closest tier slower than the named one
func (r *Registry) NextSlower(name string) (*Tier, bool) {
	r.mu.RLock()
	current, ok := r.tiers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	var best *Tier
	for _, t := range r.Ordered() {
		if t.SpeedRank <= current.SpeedRank || t.Name == name {
			continue
		}
		if best == nil || t.SpeedRank < best.SpeedRank {
			best = t
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// Len returns the number of registered tiers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tiers)
}
