package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adaptix/tiercache/internal/cache"
	"github.com/adaptix/tiercache/internal/metadata"
	"github.com/adaptix/tiercache/internal/metrics"
	"github.com/adaptix/tiercache/internal/model"
	"github.com/adaptix/tiercache/internal/registry"
	"github.com/adaptix/tiercache/internal/store"
	"github.com/adaptix/tiercache/internal/util/workerpool"
)

// MigrationConfig holds promotion/demotion tuning
type MigrationConfig struct {
	// PromotionThreshold is the heat score at which content fetched from
	// a slower tier is copied into the fastest tier.
	PromotionThreshold float64
	// DemotionIdle is how long an entry may sit unaccessed on a
	// cache-bearing tier before the sweep pushes a copy down.
	DemotionIdle time.Duration
	// SweepInterval is the period of the demotion sweep.
	SweepInterval time.Duration
	// CopyTimeout bounds each backend read, write, or delete done while
	// moving content between tiers.
	CopyTimeout time.Duration
}

// MigrationService moves content between tiers: promotions toward the
// fast end on heat, demotions toward the slow end on idleness, and
// rescue copies when an eviction would otherwise destroy the only
// replica. A copy never removes its source before the destination write
// is confirmed.
type MigrationService struct {
	cfg        *MigrationConfig
	registry   *registry.Registry
	metadata   *metadata.Store
	cacheTiers map[string]*CacheTier
	pool       *workerpool.WorkerPool
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewMigrationService creates the migrator
func NewMigrationService(
	cfg *MigrationConfig,
	reg *registry.Registry,
	meta *metadata.Store,
	cacheTiers map[string]*CacheTier,
	pool *workerpool.WorkerPool,
	m *metrics.Metrics,
	logger *zap.Logger,
) *MigrationService {
	if cfg.PromotionThreshold <= 0 {
		cfg.PromotionThreshold = 3
	}
	if cfg.DemotionIdle <= 0 {
		cfg.DemotionIdle = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.CopyTimeout <= 0 {
		cfg.CopyTimeout = 30 * time.Second
	}
	return &MigrationService{
		cfg:        cfg,
		registry:   reg,
		metadata:   meta,
		cacheTiers: cacheTiers,
		pool:       pool,
		metrics:    m,
		logger:     logger,
	}
}

// Start runs the periodic demotion sweep until ctx is canceled
func (s *MigrationService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Demotion sweep stopped")
			return
		case <-ticker.C:
			if err := s.RunDemotionSweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				// Background errors are retried on the next sweep.
				s.logger.Error("Demotion sweep failed", zap.Error(err))
			}
		}
	}
}

// HandleEviction is invoked for every payload the ARC drops from a
// cache-bearing tier. If no other tier holds the content, the payload is
// copied down before the tier-local backend copy is deleted; if the copy
// fails, the backend copy is kept so the content is never lost.
func (s *MigrationService) HandleEviction(ctx context.Context, tierName string, ev cache.EvictionEvent) {
	entry, err := s.metadata.Get(ev.CID)
	if err != nil {
		if errors.Is(err, metadata.ErrEntryNotFound) {
			// Metadata can lag the initial tier write, so the backend copy
			// may be the only one. Leave it in place.
			s.logger.Debug("Evicted payload has no metadata yet, keeping backend copy",
				zap.String("cid", ev.CID),
				zap.String("tier", tierName))
			return
		}
		s.logger.Error("Eviction handling failed reading metadata",
			zap.String("cid", ev.CID),
			zap.Error(err))
		return
	}

	if s.heldElsewhere(entry, tierName) {
		s.deleteSourceCopy(ctx, tierName, ev)
		s.dropLocation(ev.CID, tierName)
		s.logger.Debug("Evicted payload already replicated below",
			zap.String("cid", ev.CID),
			zap.String("tier", tierName))
		return
	}

	// Sole copy: demote before the backend copy may be deleted.
	dest, err := s.copyDown(ctx, tierName, ev.CID, ev.Payload)
	if err != nil {
		s.metrics.MigrationFailuresTotal.Inc()
		s.logger.Warn("Demotion failed, keeping source copy",
			zap.String("cid", ev.CID),
			zap.String("tier", tierName),
			zap.Error(err))
		return
	}
	s.metrics.DemotionsTotal.Inc()
	s.deleteSourceCopy(ctx, tierName, ev)
	s.dropLocation(ev.CID, tierName)
	s.logger.Debug("Evicted payload demoted",
		zap.String("cid", ev.CID),
		zap.String("from", tierName),
		zap.String("to", dest))
}

// SubmitEviction queues eviction handling on the worker pool. Falls back
// to inline execution when the pool is saturated: losing the rescue copy
// is worse than blocking the evicting caller briefly.
func (s *MigrationService) SubmitEviction(tierName string, ev cache.EvictionEvent) {
	task := workerpool.Task{
		ID: fmt.Sprintf("evict-%s-%s", tierName, uuid.New().String()[:8]),
		Fn: func(ctx context.Context) error {
			s.HandleEviction(ctx, tierName, ev)
			return nil
		},
	}
	if !s.pool.TrySubmit(task) {
		s.HandleEviction(context.Background(), tierName, ev)
	}
}

// heldElsewhere reports whether any other registered tier has a healthy
// replica of the entry.
func (s *MigrationService) heldElsewhere(entry *model.CacheEntry, excludeTier string) bool {
	for _, ref := range entry.HealthyLocations() {
		if ref.TierName == excludeTier {
			continue
		}
		if _, ok := s.registry.Get(ref.TierName); ok {
			return true
		}
	}
	return false
}

// copyDown writes the payload to the nearest slower tier that accepts
// it, walking further down on capacity rejections.
func (s *MigrationService) copyDown(ctx context.Context, fromTier, cid string, payload []byte) (string, error) {
	current := fromTier
	for {
		dest, ok := s.registry.NextSlower(current)
		if !ok {
			return "", fmt.Errorf("no slower tier below %s", fromTier)
		}
		current = dest.Name

		if !dest.Healthy() {
			continue
		}
		if dest.HeadroomBytes() < int64(len(payload)) {
			continue
		}

		if err := s.putToTier(ctx, dest, cid, payload); err != nil {
			if store.IsCapacity(err) {
				continue
			}
			return "", err
		}

		s.addLocation(cid, dest.Name, int64(len(payload)))
		return dest.Name, nil
	}
}

// MaybePromote copies content into the fastest tier once its heat score
// crosses the promotion threshold. Called after a successful fetch from
// any non-fastest tier.
func (s *MigrationService) MaybePromote(ctx context.Context, cid, fromTier string, payload []byte) {
	fastest := s.registry.Fastest()
	if fastest == nil || fastest.Name == fromTier {
		return
	}

	entry, err := s.metadata.Get(cid)
	if err != nil {
		return
	}
	if entry.HasLocation(fastest.Name) {
		return
	}
	if entry.HeatScore < s.cfg.PromotionThreshold {
		return
	}
	if fastest.HeadroomBytes() < int64(len(payload)) && s.cacheTiers[fastest.Name] == nil {
		// Cache-bearing tiers make room via eviction; plain tiers can't.
		return
	}

	if err := s.putToTier(ctx, fastest, cid, payload); err != nil {
		s.metrics.MigrationFailuresTotal.Inc()
		s.logger.Warn("Promotion failed",
			zap.String("cid", cid),
			zap.String("tier", fastest.Name),
			zap.Error(err))
		return
	}

	s.metrics.PromotionsTotal.Inc()
	s.addLocation(cid, fastest.Name, int64(len(payload)))
	s.logger.Debug("Content promoted",
		zap.String("cid", cid),
		zap.String("from", fromTier),
		zap.String("to", fastest.Name),
		zap.Float64("heat", entry.HeatScore))
}

// RunDemotionSweep scans for idle entries whose only replicas sit on
// cache-bearing tiers and copies them down ahead of natural eviction.
func (s *MigrationService) RunDemotionSweep(ctx context.Context) error {
	now := time.Now()
	var swept, demoted int

	err := s.metadata.ForEach(func(entry *model.CacheEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		swept++

		if now.Sub(entry.LastAccessed) < s.cfg.DemotionIdle {
			return nil
		}

		cacheRef, ok := s.soleCacheBearingCopy(entry)
		if !ok {
			return nil
		}

		tier, ok := s.registry.Get(cacheRef.TierName)
		if !ok {
			return nil
		}

		getCtx, cancel := context.WithTimeout(ctx, s.cfg.CopyTimeout)
		payload, err := tier.Store().Get(getCtx, entry.CID)
		cancel()
		if err != nil {
			return nil
		}

		if _, err := s.copyDown(ctx, cacheRef.TierName, entry.CID, payload); err != nil {
			s.logger.Debug("Sweep demotion failed",
				zap.String("cid", entry.CID),
				zap.Error(err))
			return nil
		}
		demoted++
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Demotion sweep complete",
		zap.Int("entries_scanned", swept),
		zap.Int("demoted", demoted))
	return nil
}

// soleCacheBearingCopy returns the cache-bearing location when it is the
// entry's only healthy replica.
func (s *MigrationService) soleCacheBearingCopy(entry *model.CacheEntry) (model.TierRef, bool) {
	healthy := entry.HealthyLocations()
	var cacheRef model.TierRef
	var found bool
	for _, ref := range healthy {
		tier, ok := s.registry.Get(ref.TierName)
		if !ok {
			continue
		}
		if tier.CacheBearing {
			cacheRef = ref
			found = true
		} else {
			// A durable slower copy exists; nothing to rescue.
			return model.TierRef{}, false
		}
	}
	return cacheRef, found
}

func (s *MigrationService) putToTier(ctx context.Context, tier *registry.Tier, cid string, payload []byte) error {
	putCtx, cancel := context.WithTimeout(ctx, s.cfg.CopyTimeout)
	defer cancel()

	if ct, ok := s.cacheTiers[tier.Name]; ok {
		return ct.Put(putCtx, cid, payload)
	}
	if err := tier.Store().Put(putCtx, cid, payload); err != nil {
		return err
	}
	tier.AddBytes(int64(len(payload)))
	return nil
}

func (s *MigrationService) deleteSourceCopy(ctx context.Context, tierName string, ev cache.EvictionEvent) {
	tier, ok := s.registry.Get(tierName)
	if !ok {
		return
	}
	delCtx, cancel := context.WithTimeout(ctx, s.cfg.CopyTimeout)
	defer cancel()
	if err := tier.Store().Delete(delCtx, ev.CID); err != nil {
		s.logger.Warn("Failed to delete evicted backend copy",
			zap.String("cid", ev.CID),
			zap.String("tier", tierName),
			zap.Error(err))
		return
	}
	tier.AddBytes(-ev.SizeBytes)
}

func (s *MigrationService) addLocation(cid, tierName string, size int64) {
	_, err := s.metadata.Update(cid, func(entry *model.CacheEntry) (*model.CacheEntry, error) {
		if entry == nil {
			return nil, nil
		}
		entry.UpsertLocation(tierName, model.TierStatusHealthy)
		return entry, nil
	})
	if err != nil {
		s.logger.Warn("Failed to record migration location",
			zap.String("cid", cid),
			zap.String("tier", tierName),
			zap.Error(err))
	}
}

func (s *MigrationService) dropLocation(cid, tierName string) {
	_, err := s.metadata.Update(cid, func(entry *model.CacheEntry) (*model.CacheEntry, error) {
		if entry == nil {
			return nil, nil
		}
		entry.RemoveLocation(tierName)
		return entry, nil
	})
	if err != nil {
		s.logger.Warn("Failed to drop migration location",
			zap.String("cid", cid),
			zap.String("tier", tierName),
			zap.Error(err))
	}
}
