package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	cacheerrors "github.com/adaptix/tiercache/internal/errors"
	"github.com/adaptix/tiercache/internal/metadata"
	"github.com/adaptix/tiercache/internal/metrics"
	"github.com/adaptix/tiercache/internal/model"
	"github.com/adaptix/tiercache/internal/registry"
	"github.com/adaptix/tiercache/internal/store"
)

// FetchConfig holds fetch path configuration
type FetchConfig struct {
	// FetchTimeout bounds each single tier attempt.
	FetchTimeout time.Duration
	// HeatDecayPerSecond is the exponential decay applied to heat scores.
	HeatDecayPerSecond float64
}

// FetchService is the ordered, failover-aware read path. Concurrent
// fetches for the same cid are collapsed to a single underlying tier
// walk; per-tier circuit breakers keep known-bad tiers out of the walk.
type FetchService struct {
	cfg        *FetchConfig
	registry   *registry.Registry
	metadata   *metadata.Store
	cacheTiers map[string]*CacheTier
	group      singleflight.Group
	metrics    *metrics.Metrics
	logger     *zap.Logger

	// baseCtx scopes the shared tier walk to the engine lifetime rather
	// than the first caller's deadline, so one impatient caller cannot
	// cancel work other waiters depend on.
	baseCtx context.Context

	// postFetch runs asynchronously after every successful fetch; the
	// engine wires it to promotion and replication checks.
	postFetch func(cid, tierName string, payload []byte)
}

// NewFetchService creates the fetch path
func NewFetchService(
	cfg *FetchConfig,
	reg *registry.Registry,
	meta *metadata.Store,
	cacheTiers map[string]*CacheTier,
	m *metrics.Metrics,
	logger *zap.Logger,
) *FetchService {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.HeatDecayPerSecond <= 0 {
		cfg.HeatDecayPerSecond = model.HeatDecayPerSecond
	}
	return &FetchService{
		cfg:        cfg,
		registry:   reg,
		metadata:   meta,
		cacheTiers: cacheTiers,
		metrics:    m,
		logger:     logger,
		baseCtx:    context.Background(),
	}
}

// SetBaseContext scopes shared fetch work to the engine lifetime
func (s *FetchService) SetBaseContext(ctx context.Context) {
	s.baseCtx = ctx
}

// SetPostFetch installs the asynchronous post-fetch hook
func (s *FetchService) SetPostFetch(fn func(cid, tierName string, payload []byte)) {
	s.postFetch = fn
}

// Fetch returns the payload for cid, trying tiers in candidate order.
// Fails with ContentNotFound only after every known tier was tried.
func (s *FetchService) Fetch(ctx context.Context, cid string) ([]byte, error) {
	if cid == "" {
		return nil, cacheerrors.InvalidCID(cid, "empty")
	}
	start := time.Now()

	ch := s.group.DoChan(cid, func() (interface{}, error) {
		return s.fetchOnce(cid)
	})

	select {
	case <-ctx.Done():
		// The shared walk continues for other waiters.
		return nil, ctx.Err()
	case res := <-ch:
		s.metrics.FetchDuration.Observe(time.Since(start).Seconds())
		if res.Shared {
			s.metrics.SingleflightSharedTotal.Inc()
		}
		if res.Err != nil {
			if cacheerrors.IsContentNotFound(res.Err) {
				s.metrics.FetchRequestsTotal.WithLabelValues("not_found").Inc()
			} else {
				s.metrics.FetchRequestsTotal.WithLabelValues("error").Inc()
			}
			return nil, res.Err
		}
		payload := res.Val.([]byte)
		s.metrics.FetchRequestsTotal.WithLabelValues("hit").Inc()
		s.metrics.FetchBytes.Observe(float64(len(payload)))
		return payload, nil
	}
}

// fetchOnce performs the tier walk for one cid. Exactly one of these
// runs per cid at any time.
func (s *FetchService) fetchOnce(cid string) ([]byte, error) {
	candidates := s.candidateOrder(cid)
	tried := 0

	for _, tier := range candidates {
		breaker := tier.Breaker()
		if !breaker.Allow() {
			s.logger.Debug("Skipping tier, breaker open",
				zap.String("cid", cid),
				zap.String("tier", tier.Name))
			continue
		}
		tried++

		payload, err := s.getFromTier(tier, cid)
		if err == nil {
			breaker.RecordSuccess()
			s.metrics.TierHitsTotal.WithLabelValues(tier.Name).Inc()
			s.recordHit(cid, tier.Name, payload)
			if s.postFetch != nil {
				s.postFetch(cid, tier.Name, payload)
			}
			return payload, nil
		}

		switch store.KindOf(err) {
		case store.KindNotFound:
			// A clean miss is a healthy response.
			breaker.RecordSuccess()
			s.metrics.TierMissesTotal.WithLabelValues(tier.Name).Inc()
		case store.KindUnreachable:
			s.metrics.TierFailuresTotal.WithLabelValues(tier.Name, "unreachable").Inc()
			breaker.Trip()
			s.markUnreachable(cid, tier.Name)
			s.logger.Warn("Tier unreachable during fetch",
				zap.String("cid", cid),
				zap.String("tier", tier.Name),
				zap.Error(err))
		case store.KindTimeout:
			s.metrics.TierFailuresTotal.WithLabelValues(tier.Name, "timeout").Inc()
			breaker.RecordFailure()
			s.logger.Warn("Tier fetch timed out",
				zap.String("cid", cid),
				zap.String("tier", tier.Name))
		default:
			s.metrics.TierFailuresTotal.WithLabelValues(tier.Name, "internal").Inc()
			breaker.RecordFailure()
			s.logger.Warn("Tier fetch failed",
				zap.String("cid", cid),
				zap.String("tier", tier.Name),
				zap.Error(err))
		}
	}

	return nil, cacheerrors.ContentNotFound(cid, tried)
}

// candidateOrder builds the tier walk order: known locations first,
// fastest-first, then remaining tiers for discovery.
func (s *FetchService) candidateOrder(cid string) []*registry.Tier {
	entry, err := s.metadata.Get(cid)
	if err != nil && !errors.Is(err, metadata.ErrEntryNotFound) {
		s.logger.Warn("Metadata lookup failed, falling back to full registry",
			zap.String("cid", cid),
			zap.Error(err))
	}

	ordered := s.registry.Ordered()
	if entry == nil || len(entry.Locations) == 0 {
		return ordered
	}

	known := make([]*registry.Tier, 0, len(entry.Locations))
	seen := make(map[string]bool, len(entry.Locations))
	for _, ref := range entry.Locations {
		if tier, ok := s.registry.Get(ref.TierName); ok {
			known = append(known, tier)
			seen[ref.TierName] = true
		}
	}
	sort.Slice(known, func(i, j int) bool {
		return known[i].SpeedRank < known[j].SpeedRank
	})

	candidates := known
	for _, tier := range ordered {
		if !seen[tier.Name] {
			candidates = append(candidates, tier)
		}
	}
	return candidates
}

// getFromTier reads cid from one tier with a bounded attempt timeout,
// going through the ARC for cache-bearing tiers.
func (s *FetchService) getFromTier(tier *registry.Tier, cid string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.FetchTimeout)
	defer cancel()

	if ct, ok := s.cacheTiers[tier.Name]; ok {
		return ct.Get(ctx, cid)
	}
	return tier.Store().Get(ctx, cid)
}

// recordHit updates the entry's heat and location set after a
// successful fetch, creating the entry on first discovery.
func (s *FetchService) recordHit(cid, tierName string, payload []byte) {
	now := time.Now()
	_, err := s.metadata.Update(cid, func(entry *model.CacheEntry) (*model.CacheEntry, error) {
		if entry == nil {
			entry = model.NewCacheEntry(cid, uint64(len(payload)), digest.FromBytes(payload))
		} else {
			entry.Touch(now, s.cfg.HeatDecayPerSecond)
			if entry.ContentHash == "" {
				entry.ContentHash = digest.FromBytes(payload)
			}
		}
		entry.UpsertLocation(tierName, model.TierStatusHealthy)
		return entry, nil
	})
	if err != nil {
		s.logger.Error("Failed to record fetch in metadata",
			zap.String("cid", cid),
			zap.String("tier", tierName),
			zap.Error(err))
	}
}

// markUnreachable flags the tier's replica as unreachable in metadata
func (s *FetchService) markUnreachable(cid, tierName string) {
	_, err := s.metadata.Update(cid, func(entry *model.CacheEntry) (*model.CacheEntry, error) {
		if entry == nil {
			return nil, nil
		}
		entry.MarkLocationStatus(tierName, model.TierStatusUnreachable)
		return entry, nil
	})
	if err != nil {
		s.logger.Warn("Failed to mark location unreachable",
			zap.String("cid", cid),
			zap.String("tier", tierName),
			zap.Error(err))
	}
}
