package service

import (
	"context"
	"errors"
	"time"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	cacheerrors "github.com/adaptix/tiercache/internal/errors"
	"github.com/adaptix/tiercache/internal/metadata"
	"github.com/adaptix/tiercache/internal/metrics"
	"github.com/adaptix/tiercache/internal/model"
	"github.com/adaptix/tiercache/internal/registry"
)

// IntegrityReport is the outcome of verifying one cid across its tiers
type IntegrityReport struct {
	CID            string
	Consistent     bool
	CorruptedTiers []string
	VerifiedTiers  []string
	// UnreadTiers lists locations that could not be read; unreadable is
	// not corrupted, and these do not affect consistency.
	UnreadTiers []string
}

// IntegrityConfig holds verifier tuning
type IntegrityConfig struct {
	// SampleInterval is the period of the background sampling sweep.
	SampleInterval time.Duration
	// SampleSize is how many entries each sweep verifies.
	SampleSize int
	// ReadTimeout bounds each per-tier verification read.
	ReadTimeout time.Duration
}

// IntegrityService detects silent corruption by fetching a cid's payload
// independently from every tier that claims to hold it and comparing
// digests. Reads deliberately bypass the ARC and the single-flight
// group: the point is to exercise each backend, not the cache.
type IntegrityService struct {
	cfg         *IntegrityConfig
	registry    *registry.Registry
	metadata    *metadata.Store
	replication *ReplicationService
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewIntegrityService creates the verifier
func NewIntegrityService(
	cfg *IntegrityConfig,
	reg *registry.Registry,
	meta *metadata.Store,
	repl *ReplicationService,
	m *metrics.Metrics,
	logger *zap.Logger,
) *IntegrityService {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 10 * time.Minute
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 64
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	return &IntegrityService{
		cfg:         cfg,
		registry:    reg,
		metadata:    meta,
		replication: repl,
		metrics:     m,
		logger:      logger,
	}
}

// Start runs the periodic sampling sweep until ctx is canceled
func (s *IntegrityService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Integrity sampling stopped")
			return
		case <-ticker.C:
			if err := s.runSample(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("Integrity sample sweep failed", zap.Error(err))
			}
		}
	}
}

// runSample verifies up to SampleSize entries. CIDs are collected first
// so no metadata transaction stays open across the tier reads.
func (s *IntegrityService) runSample(ctx context.Context) error {
	cids := make([]string, 0, s.cfg.SampleSize)
	err := s.metadata.ForEach(func(entry *model.CacheEntry) error {
		if len(cids) < s.cfg.SampleSize {
			cids = append(cids, entry.CID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, cid := range cids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.Verify(ctx, cid); err != nil {
			s.logger.Debug("Sampled verification failed",
				zap.String("cid", cid),
				zap.Error(err))
		}
	}
	return nil
}

// tierRead is one tier's view of the content
type tierRead struct {
	tierName string
	digest   digest.Digest
	payload  []byte
}

// Verify reads cid from every listed location and reports tiers whose
// payload digest disagrees with the stored reference hash, or with the
// majority when no reference exists. Corrupted replicas are marked
// stale and repaired from a verified-good copy.
func (s *IntegrityService) Verify(ctx context.Context, cid string) (*IntegrityReport, error) {
	entry, err := s.metadata.Get(cid)
	if err != nil {
		if errors.Is(err, metadata.ErrEntryNotFound) {
			return nil, cacheerrors.ContentNotFound(cid, 0)
		}
		return nil, err
	}
	s.metrics.VerifyRunsTotal.Inc()

	report := &IntegrityReport{CID: cid, Consistent: true}
	var reads []tierRead

	for _, ref := range entry.Locations {
		tier, ok := s.registry.Get(ref.TierName)
		if !ok {
			continue
		}
		readCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
		payload, err := tier.Store().Get(readCtx, cid)
		cancel()
		if err != nil {
			report.UnreadTiers = append(report.UnreadTiers, ref.TierName)
			s.logger.Debug("Verification read failed",
				zap.String("cid", cid),
				zap.String("tier", ref.TierName),
				zap.Error(err))
			continue
		}
		reads = append(reads, tierRead{
			tierName: ref.TierName,
			digest:   digest.FromBytes(payload),
			payload:  payload,
		})
	}

	if len(reads) == 0 {
		return report, nil
	}

	reference := s.referenceDigest(entry, reads)
	var goodPayload []byte
	for _, r := range reads {
		if r.digest == reference {
			report.VerifiedTiers = append(report.VerifiedTiers, r.tierName)
			if goodPayload == nil {
				goodPayload = r.payload
			}
		} else {
			report.CorruptedTiers = append(report.CorruptedTiers, r.tierName)
		}
	}

	if len(report.CorruptedTiers) == 0 {
		return report, nil
	}
	report.Consistent = false

	for _, tierName := range report.CorruptedTiers {
		s.metrics.CorruptionsTotal.WithLabelValues(tierName).Inc()
	}
	s.markStale(cid, report.CorruptedTiers)
	s.logger.Warn("Integrity mismatch detected",
		zap.String("cid", cid),
		zap.Strings("corrupted_tiers", report.CorruptedTiers),
		zap.Strings("verified_tiers", report.VerifiedTiers))

	s.repair(ctx, cid, report.CorruptedTiers, goodPayload)
	return report, nil
}

// referenceDigest returns the stored content hash when available,
// otherwise the majority digest across the tier reads.
func (s *IntegrityService) referenceDigest(entry *model.CacheEntry, reads []tierRead) digest.Digest {
	if entry.ContentHash != "" {
		return entry.ContentHash
	}
	counts := make(map[digest.Digest]int, len(reads))
	for _, r := range reads {
		counts[r.digest]++
	}
	var best digest.Digest
	bestCount := 0
	for d, c := range counts {
		if c > bestCount {
			best, bestCount = d, c
		}
	}
	return best
}

// markStale flags corrupted replicas in metadata
func (s *IntegrityService) markStale(cid string, tierNames []string) {
	_, err := s.metadata.Update(cid, func(entry *model.CacheEntry) (*model.CacheEntry, error) {
		if entry == nil {
			return nil, nil
		}
		for _, name := range tierNames {
			entry.MarkLocationStatus(name, model.TierStatusStale)
		}
		return entry, nil
	})
	if err != nil {
		s.logger.Error("Failed to mark corrupted replicas stale",
			zap.String("cid", cid),
			zap.Error(err))
	}
}

// repair overwrites corrupted replicas from a verified-good payload and
// then lets the replication manager restore durability for anything
// still below quorum.
func (s *IntegrityService) repair(ctx context.Context, cid string, corruptedTiers []string, goodPayload []byte) {
	if goodPayload == nil {
		s.logger.Error("No verified-good replica available for repair",
			zap.String("cid", cid))
		return
	}

	for _, tierName := range corruptedTiers {
		tier, ok := s.registry.Get(tierName)
		if !ok {
			continue
		}
		putCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
		err := tier.Store().Put(putCtx, cid, goodPayload)
		cancel()
		if err != nil {
			s.logger.Warn("Corrupted replica overwrite failed",
				zap.String("cid", cid),
				zap.String("tier", tierName),
				zap.Error(err))
			continue
		}
		s.metrics.RepairsTotal.Inc()
		_, uerr := s.metadata.Update(cid, func(entry *model.CacheEntry) (*model.CacheEntry, error) {
			if entry == nil {
				return nil, nil
			}
			entry.MarkLocationStatus(tierName, model.TierStatusHealthy)
			return entry, nil
		})
		if uerr != nil {
			s.logger.Warn("Failed to restore replica status after repair",
				zap.String("cid", cid),
				zap.String("tier", tierName),
				zap.Error(uerr))
		}
	}

	if _, err := s.replication.EnsureReplicated(ctx, cid, 0); err != nil && !cacheerrors.IsContentNotFound(err) {
		s.logger.Debug("Post-repair replication still below target",
			zap.String("cid", cid),
			zap.Error(err))
	}
}
