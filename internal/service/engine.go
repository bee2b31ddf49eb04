package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/adaptix/tiercache/internal/cache"
	cacheerrors "github.com/adaptix/tiercache/internal/errors"
	"github.com/adaptix/tiercache/internal/metadata"
	"github.com/adaptix/tiercache/internal/metrics"
	"github.com/adaptix/tiercache/internal/model"
	"github.com/adaptix/tiercache/internal/registry"
	"github.com/adaptix/tiercache/internal/store"
	"github.com/adaptix/tiercache/internal/util/workerpool"
)

// CacheSpec sizes the ARC attached to one cache-bearing tier
type CacheSpec struct {
	CapacityEntries int
	// MaxBytes optionally bounds resident payload bytes; 0 disables it.
	MaxBytes int64
}

// EngineConfig collects the tunables of every engine component
type EngineConfig struct {
	Fetch       FetchConfig
	Migration   MigrationConfig
	Integrity   IntegrityConfig
	Replication ReplicationConfig

	// Caches maps cache-bearing tier names to their ARC sizing. Tiers
	// registered as cache-bearing without a spec get DefaultCacheEntries.
	Caches map[string]CacheSpec

	DefaultCacheEntries int
	Workers             int
	QueueSize           int
	// StatsSyncInterval is how often gauge metrics are refreshed.
	StatsSyncInterval time.Duration
}

// TierStats is one tier's slice of an engine stats snapshot
type TierStats struct {
	Name          string
	SpeedRank     int
	CacheBearing  bool
	CapacityBytes int64
	UsedBytes     int64
	BreakerState  registry.BreakerState
	Cache         *cache.Stats
}

// EngineStats is a point-in-time view of the whole engine
type EngineStats struct {
	Tiers       []TierStats
	EntryCount  int
	Replication map[model.ReplicationState]int
}

// CacheEngine is the facade tying the fetch path, migrator, replication
// manager, and integrity verifier to one tier registry and metadata
// store. All public entry points are safe for concurrent use.
type CacheEngine struct {
	cfg        *EngineConfig
	registry   *registry.Registry
	metadata   *metadata.Store
	cacheTiers map[string]*CacheTier

	fetch       *FetchService
	migration   *MigrationService
	replication *ReplicationService
	integrity   *IntegrityService

	pool    *workerpool.WorkerPool
	metrics *metrics.Metrics
	logger  *zap.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewCacheEngine assembles the engine over an already-populated
// registry. ARC cores are attached to every cache-bearing tier here, so
// tiers must be registered before construction.
func NewCacheEngine(
	cfg *EngineConfig,
	reg *registry.Registry,
	meta *metadata.Store,
	m *metrics.Metrics,
	logger *zap.Logger,
) *CacheEngine {
	if cfg.DefaultCacheEntries <= 0 {
		cfg.DefaultCacheEntries = 4096
	}
	if cfg.StatsSyncInterval <= 0 {
		cfg.StatsSyncInterval = 15 * time.Second
	}

	e := &CacheEngine{
		cfg:        cfg,
		registry:   reg,
		metadata:   meta,
		cacheTiers: make(map[string]*CacheTier),
		metrics:    m,
		logger:     logger,
	}

	e.pool = workerpool.New(&workerpool.Config{
		Name:       "engine",
		MaxWorkers: cfg.Workers,
		QueueSize:  cfg.QueueSize,
		Logger:     logger,
	})

	for _, tier := range reg.Ordered() {
		if !tier.CacheBearing {
			continue
		}
		spec, ok := cfg.Caches[tier.Name]
		if !ok {
			spec = CacheSpec{CapacityEntries: cfg.DefaultCacheEntries}
		}
		// The eviction hook reaches the migrator through the engine so
		// the CacheTier can be built before the migrator exists.
		name := tier.Name
		e.cacheTiers[name] = NewCacheTier(tier, spec.CapacityEntries, spec.MaxBytes,
			func(tierName string, ev cache.EvictionEvent) {
				e.metrics.CacheEvictionsTotal.WithLabelValues(tierName).Inc()
				e.migration.SubmitEviction(tierName, ev)
			}, logger)
	}

	e.fetch = NewFetchService(&cfg.Fetch, reg, meta, e.cacheTiers, m, logger)
	e.migration = NewMigrationService(&cfg.Migration, reg, meta, e.cacheTiers, e.pool, m, logger)
	e.replication = NewReplicationService(&cfg.Replication, reg, meta, m, logger)
	e.integrity = NewIntegrityService(&cfg.Integrity, reg, meta, e.replication, m, logger)

	e.fetch.SetPostFetch(e.afterFetch)
	return e
}

// Start launches the background sweeps. The engine runs until Stop.
func (e *CacheEngine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		e.cancel = cancel
		e.fetch.SetBaseContext(runCtx)

		e.wg.Add(3)
		go func() {
			defer e.wg.Done()
			e.migration.Start(runCtx)
		}()
		go func() {
			defer e.wg.Done()
			e.integrity.Start(runCtx)
		}()
		go func() {
			defer e.wg.Done()
			e.syncGauges(runCtx)
		}()

		e.logger.Info("Cache engine started",
			zap.Int("tiers", e.registry.Len()),
			zap.Int("cache_bearing", len(e.cacheTiers)))
	})
}

// Stop cancels background work and drains the worker pool
func (e *CacheEngine) Stop(timeout time.Duration) {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		if err := e.pool.Stop(timeout); err != nil {
			e.logger.Warn("Worker pool did not drain cleanly", zap.Error(err))
		}
		e.logger.Info("Cache engine stopped")
	})
}

// Fetch returns the payload for cid, failing over across tiers
func (e *CacheEngine) Fetch(ctx context.Context, cid string) ([]byte, error) {
	return e.fetch.Fetch(ctx, cid)
}

// Put stores payload under its content digest: the fastest admitting
// tier takes the initial copy, then replication brings the entry up to
// target. desiredReplication, when positive, overrides the policy's
// target factor for this write. The returned report describes the
// replication outcome; a below-quorum result surfaces as an error
// alongside the report.
func (e *CacheEngine) Put(ctx context.Context, payload []byte, desiredReplication int) (string, *ReplicationReport, error) {
	if len(payload) == 0 {
		return "", nil, cacheerrors.InvalidCID("", "empty payload")
	}
	contentHash := digest.FromBytes(payload)
	cid := contentHash.String()

	tierName, err := e.writeInitial(ctx, cid, payload)
	if err != nil {
		return cid, nil, err
	}

	_, err = e.metadata.Update(cid, func(entry *model.CacheEntry) (*model.CacheEntry, error) {
		if entry == nil {
			entry = model.NewCacheEntry(cid, uint64(len(payload)), contentHash)
		} else {
			entry.Touch(time.Now(), e.cfg.Fetch.HeatDecayPerSecond)
		}
		entry.UpsertLocation(tierName, model.TierStatusHealthy)
		return entry, nil
	})
	if err != nil {
		return cid, nil, cacheerrors.MetadataFailed(cid, err)
	}

	report, rerr := e.replication.EnsureReplicated(ctx, cid, desiredReplication)
	return cid, report, rerr
}

// writeInitial places the first copy on the fastest tier that will take
// it. Cache-bearing tiers always admit, the ARC makes room.
func (e *CacheEngine) writeInitial(ctx context.Context, cid string, payload []byte) (string, error) {
	var lastErr error
	for _, tier := range e.registry.Ordered() {
		if !tier.CacheBearing && tier.HeadroomBytes() < int64(len(payload)) {
			continue
		}
		// Allow may admit the single half-open probe, so every path below
		// must report an outcome back to the breaker.
		breaker := tier.Breaker()
		if !breaker.Allow() {
			continue
		}
		if err := e.putToTier(ctx, tier, cid, payload); err != nil {
			lastErr = err
			switch store.KindOf(err) {
			case store.KindUnreachable:
				breaker.Trip()
			case store.KindCapacity:
				// A full tier answered; that is a healthy response.
				breaker.RecordSuccess()
			default:
				breaker.RecordFailure()
			}
			continue
		}
		breaker.RecordSuccess()
		return tier.Name, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no tier admitted %d bytes", len(payload))
	}
	return "", cacheerrors.StoreFailed(cid, lastErr)
}

func (e *CacheEngine) putToTier(ctx context.Context, tier *registry.Tier, cid string, payload []byte) error {
	if ct, ok := e.cacheTiers[tier.Name]; ok {
		return ct.Put(ctx, cid, payload)
	}
	if err := tier.Store().Put(ctx, cid, payload); err != nil {
		return err
	}
	tier.AddBytes(int64(len(payload)))
	return nil
}

// Delete removes cid from every tier and from metadata. Removal is
// best-effort per tier; the first backend failure is returned after all
// tiers were tried, and metadata is only dropped when every copy went.
func (e *CacheEngine) Delete(ctx context.Context, cid string) error {
	entry, err := e.metadata.Get(cid)
	if err != nil {
		if errors.Is(err, metadata.ErrEntryNotFound) {
			return cacheerrors.ContentNotFound(cid, 0)
		}
		return err
	}

	var firstErr error
	for _, ref := range entry.Locations {
		tier, ok := e.registry.Get(ref.TierName)
		if !ok {
			continue
		}
		if err := e.removeFromTier(ctx, tier, cid); err != nil && !store.IsNotFound(err) {
			e.logger.Warn("Delete failed on tier",
				zap.String("cid", cid),
				zap.String("tier", ref.TierName),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return cacheerrors.StoreFailed(cid, firstErr)
	}
	return e.metadata.Delete(cid)
}

func (e *CacheEngine) removeFromTier(ctx context.Context, tier *registry.Tier, cid string) error {
	if ct, ok := e.cacheTiers[tier.Name]; ok {
		return ct.Remove(ctx, cid)
	}
	info, err := tier.Store().Stat(ctx, cid)
	switch {
	case err == nil:
		tier.AddBytes(-info.SizeBytes)
	case !store.IsNotFound(err):
		return err
	}
	return tier.Store().Delete(ctx, cid)
}

// Verify checks cid's replicas against each other and repairs drift
func (e *CacheEngine) Verify(ctx context.Context, cid string) (*IntegrityReport, error) {
	return e.integrity.Verify(ctx, cid)
}

// Replicate brings cid up to the given replica count (0 = policy target)
func (e *CacheEngine) Replicate(ctx context.Context, cid string, desired int) (*ReplicationReport, error) {
	return e.replication.EnsureReplicated(ctx, cid, desired)
}

// Stats returns a snapshot of tier usage, ARC state, and the
// replication-level histogram across all entries.
func (e *CacheEngine) Stats() (*EngineStats, error) {
	stats := &EngineStats{
		Replication: make(map[model.ReplicationState]int),
	}

	for _, tier := range e.registry.Ordered() {
		ts := TierStats{
			Name:          tier.Name,
			SpeedRank:     tier.SpeedRank,
			CacheBearing:  tier.CacheBearing,
			CapacityBytes: tier.CapacityBytes,
			UsedBytes:     tier.CurrentSizeBytes(),
			BreakerState:  tier.Breaker().State(),
		}
		if ct, ok := e.cacheTiers[tier.Name]; ok {
			snap := ct.ARC().Snapshot()
			ts.Cache = &snap
		}
		stats.Tiers = append(stats.Tiers, ts)
	}

	err := e.metadata.ForEach(func(entry *model.CacheEntry) error {
		stats.EntryCount++
		stats.Replication[entry.ReplicationState]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// afterFetch runs off the fetch path: heat-based promotion, then a
// replication top-up when the entry sits below target. Dropped when the
// pool is saturated; the next fetch will try again.
func (e *CacheEngine) afterFetch(cid, tierName string, payload []byte) {
	submitted := e.pool.TrySubmit(workerpool.Task{
		ID:      "post-fetch-" + cid,
		Context: context.Background(),
		Fn: func(ctx context.Context) error {
			e.migration.MaybePromote(ctx, cid, tierName, payload)
			e.topUpReplication(ctx, cid)
			return nil
		},
	})
	if !submitted {
		e.logger.Debug("Post-fetch work dropped, pool saturated",
			zap.String("cid", cid))
	}
}

func (e *CacheEngine) topUpReplication(ctx context.Context, cid string) {
	entry, err := e.metadata.Get(cid)
	if err != nil {
		return
	}
	switch entry.ReplicationState {
	case model.ReplicationStateTargetAchieved:
		return
	case model.ReplicationStateQuorumAchieved:
		if len(entry.HealthyLocations()) >= e.replication.Policy().TargetFactor {
			return
		}
	}
	if _, err := e.replication.EnsureReplicated(ctx, cid, 0); err != nil {
		e.logger.Debug("Background replication top-up incomplete",
			zap.String("cid", cid),
			zap.Error(err))
	}
}

// syncGauges periodically refreshes gauge metrics from live state
func (e *CacheEngine) syncGauges(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.StatsSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tier := range e.registry.Ordered() {
				e.metrics.TierUsedBytes.WithLabelValues(tier.Name).Set(float64(tier.CurrentSizeBytes()))
				e.metrics.BreakerState.WithLabelValues(tier.Name).Set(breakerGaugeValue(tier.Breaker().State()))
			}
			for name, ct := range e.cacheTiers {
				snap := ct.ARC().Snapshot()
				e.metrics.CacheResidentEntries.WithLabelValues(name).Set(float64(snap.T1Len + snap.T2Len))
				e.metrics.CacheTrackedKeys.WithLabelValues(name).Set(float64(snap.T1Len + snap.T2Len + snap.B1Len + snap.B2Len))
				e.metrics.CacheTargetP.WithLabelValues(name).Set(snap.P)
			}
		}
	}
}

func breakerGaugeValue(state registry.BreakerState) float64 {
	switch state {
	case registry.BreakerHalfOpen:
		return 1
	case registry.BreakerOpen:
		return 2
	default:
		return 0
	}
}
