package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/adaptix/tiercache/internal/algorithm"
	cacheerrors "github.com/adaptix/tiercache/internal/errors"
	"github.com/adaptix/tiercache/internal/metadata"
	"github.com/adaptix/tiercache/internal/metrics"
	"github.com/adaptix/tiercache/internal/model"
	"github.com/adaptix/tiercache/internal/registry"
	"github.com/adaptix/tiercache/internal/store"
)

// ReplicationReport describes the outcome of one replication operation
type ReplicationReport struct {
	CID           string
	Attempted     int
	Succeeded     int
	SuccessLevel  model.ReplicationState
	Placed        []string
	EligibleTiers int
}

// ReplicationConfig holds replication tuning
type ReplicationConfig struct {
	Policy algorithm.ReplicationPolicy
	// WriteTimeout bounds each source read and replica write.
	WriteTimeout time.Duration
}

// ReplicationService places replicas across tiers until the quorum (and
// ideally the target factor) is met. Writes to distinct tiers run in
// parallel; a capacity rejection falls through to the next-best tier
// instead of failing the operation.
type ReplicationService struct {
	registry     *registry.Registry
	metadata     *metadata.Store
	quorum       *algorithm.QuorumCalculator
	writeTimeout time.Duration
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// NewReplicationService creates the replication manager
func NewReplicationService(
	cfg *ReplicationConfig,
	reg *registry.Registry,
	meta *metadata.Store,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ReplicationService {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	return &ReplicationService{
		registry:     reg,
		metadata:     meta,
		quorum:       algorithm.NewQuorumCalculator(cfg.Policy),
		writeTimeout: cfg.WriteTimeout,
		metrics:      m,
		logger:       logger,
	}
}

// Policy returns the replication policy the service was built with
func (s *ReplicationService) Policy() algorithm.ReplicationPolicy {
	return s.quorum.Policy()
}

// EnsureReplicated brings cid up to the target replica count. desired,
// when positive, overrides the policy's target factor for this call.
// The returned error is non-nil only when the operation ends below
// quorum; the report is always populated with whatever succeeded.
func (s *ReplicationService) EnsureReplicated(ctx context.Context, cid string, desired int) (*ReplicationReport, error) {
	start := time.Now()

	entry, err := s.metadata.Get(cid)
	if err != nil {
		if errors.Is(err, metadata.ErrEntryNotFound) {
			return nil, cacheerrors.ContentNotFound(cid, 0)
		}
		return nil, err
	}

	calc := s.quorum.WithTargetOverride(desired)

	report := &ReplicationReport{CID: cid, SuccessLevel: entry.ReplicationState}

	// Already at target: idempotent no-op, no additional writes.
	if entry.ReplicationState == model.ReplicationStateTargetAchieved &&
		len(entry.HealthyLocations()) >= calc.Policy().TargetFactor {
		return report, nil
	}

	eligible := s.eligibleTiers(entry)
	n := len(eligible)
	report.EligibleTiers = n
	if n == 0 {
		report.SuccessLevel = calc.Classify(0, 0)
		s.metrics.ReplicationRunsTotal.WithLabelValues(string(report.SuccessLevel)).Inc()
		return report, cacheerrors.NoReplication(cid, 0)
	}

	payload, err := s.verifiedPayload(ctx, entry)
	if err != nil {
		return report, err
	}

	// Aim for target successful writes; maxAttempts bounds how far past
	// the first wave the fallback walk may go when writes fail.
	need := calc.Target(n)
	maxAttempts := calc.MaxAttempts(n)

	placed, attempted := s.placeReplicas(ctx, cid, payload, eligible, need, maxAttempts)
	report.Attempted = attempted
	report.Succeeded = len(placed)
	report.Placed = placed
	report.SuccessLevel = calc.Classify(len(placed), n)

	s.recordPlacement(cid, placed, report.SuccessLevel)
	s.metrics.ReplicationRunsTotal.WithLabelValues(string(report.SuccessLevel)).Inc()
	s.metrics.ReplicationDuration.Observe(time.Since(start).Seconds())

	s.logger.Info("Replication run complete",
		zap.String("cid", cid),
		zap.Int("eligible", n),
		zap.Int("attempted", report.Attempted),
		zap.Int("succeeded", report.Succeeded),
		zap.String("level", string(report.SuccessLevel)))

	if !calc.IsQuorumReached(report.Succeeded, n) {
		if report.Succeeded == 0 {
			return report, cacheerrors.NoReplication(cid, report.Attempted)
		}
		return report, cacheerrors.ReplicationBelowQuorum(cid, report.Succeeded, calc.QuorumSize(n))
	}
	return report, nil
}

// eligibleTiers returns healthy tiers that do not already hold the
// content and have capacity headroom, ordered by headroom descending.
func (s *ReplicationService) eligibleTiers(entry *model.CacheEntry) []*registry.Tier {
	var eligible []*registry.Tier
	for _, tier := range s.registry.Ordered() {
		if !tier.Healthy() {
			continue
		}
		if status, ok := entry.LocationStatus(tier.Name); ok && status == model.TierStatusHealthy {
			continue
		}
		if tier.HeadroomBytes() < int64(entry.SizeBytes) {
			continue
		}
		eligible = append(eligible, tier)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].HeadroomBytes() > eligible[j].HeadroomBytes()
	})
	return eligible
}

// verifiedPayload reads the content from its healthy locations, first
// match whose digest agrees with the stored reference wins.
func (s *ReplicationService) verifiedPayload(ctx context.Context, entry *model.CacheEntry) ([]byte, error) {
	for _, ref := range entry.HealthyLocations() {
		tier, ok := s.registry.Get(ref.TierName)
		if !ok {
			continue
		}
		getCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
		payload, err := tier.Store().Get(getCtx, entry.CID)
		cancel()
		if err != nil {
			continue
		}
		if entry.ContentHash != "" && entry.ContentHash.Algorithm().FromBytes(payload) != entry.ContentHash {
			s.logger.Warn("Replication source failed digest check, trying next tier",
				zap.String("cid", entry.CID),
				zap.String("tier", ref.TierName))
			continue
		}
		return payload, nil
	}
	return nil, cacheerrors.StoreFailed("no verified source replica available for "+entry.CID, nil)
}

// placeReplicas writes the payload to up to need tiers, drawing
// replacements from the remaining candidates when writes fail, bounded
// by maxAttempts total attempts. The first wave runs in parallel.
func (s *ReplicationService) placeReplicas(ctx context.Context, cid string, payload []byte, candidates []*registry.Tier, need, maxAttempts int) (placed []string, attempted int) {
	if need <= 0 {
		return nil, 0
	}
	if need > len(candidates) {
		need = len(candidates)
	}

	var mu sync.Mutex
	wave := candidates[:need]
	rest := candidates[need:]

	g, waveCtx := errgroup.WithContext(ctx)
	for _, tier := range wave {
		tier := tier
		attempted++
		g.Go(func() error {
			if err := s.writeReplica(waveCtx, tier, cid, payload); err != nil {
				s.logger.Warn("Replica write failed",
					zap.String("cid", cid),
					zap.String("tier", tier.Name),
					zap.Error(err))
				return nil // a single failed write must not cancel the wave
			}
			mu.Lock()
			placed = append(placed, tier.Name)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Fall back through the remaining candidates for the shortfall.
	for _, tier := range rest {
		if len(placed) >= need || attempted >= maxAttempts {
			break
		}
		if ctx.Err() != nil {
			break
		}
		attempted++
		if err := s.writeReplica(ctx, tier, cid, payload); err != nil {
			s.logger.Warn("Fallback replica write failed",
				zap.String("cid", cid),
				zap.String("tier", tier.Name),
				zap.Error(err))
			continue
		}
		placed = append(placed, tier.Name)
	}

	return placed, attempted
}

func (s *ReplicationService) writeReplica(ctx context.Context, tier *registry.Tier, cid string, payload []byte) error {
	putCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	if err := tier.Store().Put(putCtx, cid, payload); err != nil {
		if store.IsUnreachable(err) {
			tier.Breaker().Trip()
		}
		return err
	}
	tier.AddBytes(int64(len(payload)))
	s.metrics.ReplicationWritesTotal.Inc()
	return nil
}

// recordPlacement persists the new locations and replication state
func (s *ReplicationService) recordPlacement(cid string, placed []string, level model.ReplicationState) {
	_, err := s.metadata.Update(cid, func(entry *model.CacheEntry) (*model.CacheEntry, error) {
		if entry == nil {
			return nil, nil
		}
		for _, tierName := range placed {
			entry.UpsertLocation(tierName, model.TierStatusHealthy)
		}
		entry.ReplicationState = level
		return entry, nil
	})
	if err != nil {
		s.logger.Error("Failed to record replica placement",
			zap.String("cid", cid),
			zap.Error(err))
	}
}
