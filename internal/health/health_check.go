// Package health probes the registered tiers and the metadata store,
// rolling individual check results up into liveness and readiness
// signals for the HTTP probes.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adaptix/tiercache/internal/metadata"
	"github.com/adaptix/tiercache/internal/registry"
	"github.com/adaptix/tiercache/internal/store"
)

// EngineStatus is the rolled-up health of the cache engine
type EngineStatus string

const (
	EngineStatusHealthy   EngineStatus = "healthy"
	EngineStatusDegraded  EngineStatus = "degraded"
	EngineStatusUnhealthy EngineStatus = "unhealthy"
)

// CheckResult represents the result of a single health check
type CheckResult struct {
	Name      string
	Status    string
	Message   string
	Timestamp time.Time
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	// Interval between probe rounds.
	Interval time.Duration
	// ProbeTimeout bounds each tier probe.
	ProbeTimeout time.Duration
}

// HealthChecker periodically probes every tier backend and the metadata
// store. A tier that answers a probe (even with not-found) is healthy;
// transport failures mark it critical, and an open breaker marks it
// degraded until the half-open probe recovers it.
type HealthChecker struct {
	cfg      *HealthCheckConfig
	registry *registry.Registry
	metadata *metadata.Store
	logger   *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      EngineStatus
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, reg *registry.Registry, meta *metadata.Store, logger *zap.Logger) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &HealthChecker{
		cfg:         cfg,
		registry:    reg,
		metadata:    meta,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      EngineStatusHealthy,
	}
}

// Start runs probe rounds until ctx is canceled
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	h.runHealthChecks(ctx)

	for {
		select {
		case <-ticker.C:
			h.runHealthChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// runHealthChecks probes every tier plus the metadata store
func (h *HealthChecker) runHealthChecks(ctx context.Context) {
	results := make([]CheckResult, 0, h.registry.Len()+1)
	for _, tier := range h.registry.Ordered() {
		results = append(results, h.probeTier(ctx, tier))
	}
	results = append(results, h.checkMetadata())

	allHealthy := true
	anyTierReady := false
	metadataReady := true

	for _, result := range results {
		if result.Status != "healthy" {
			allHealthy = false
		}
		if result.Name == "metadata" {
			metadataReady = result.Status != "critical"
		} else if result.Status != "critical" {
			anyTierReady = true
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	for _, result := range results {
		h.checks[result.Name] = result
	}

	// Readiness needs the metadata store and at least one serving tier;
	// liveness only needs the probe loop itself to run.
	h.readinessOK = anyTierReady && metadataReady
	h.livenessOK = true

	switch {
	case allHealthy:
		h.status = EngineStatusHealthy
	case h.readinessOK:
		h.status = EngineStatusDegraded
	default:
		h.status = EngineStatusUnhealthy
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("readiness", h.readinessOK))
}

// probeTier issues a stat for a key that never exists: a not-found
// answer proves the backend round-trip works.
func (h *HealthChecker) probeTier(ctx context.Context, tier *registry.Tier) CheckResult {
	name := "tier_" + tier.Name
	now := time.Now()

	if tier.Breaker().State() == registry.BreakerOpen {
		return CheckResult{
			Name:      name,
			Status:    "warning",
			Message:   "Circuit breaker open, tier in cooldown",
			Timestamp: now,
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	_, err := tier.Store().Stat(probeCtx, ".healthcheck-probe")
	switch {
	case err == nil || store.IsNotFound(err):
		return CheckResult{
			Name:      name,
			Status:    "healthy",
			Message:   fmt.Sprintf("Tier responding, %d bytes tracked", tier.CurrentSizeBytes()),
			Timestamp: now,
		}
	case store.IsTimeout(err):
		return CheckResult{
			Name:      name,
			Status:    "warning",
			Message:   fmt.Sprintf("Probe timed out after %s", h.cfg.ProbeTimeout),
			Timestamp: now,
		}
	default:
		return CheckResult{
			Name:      name,
			Status:    "critical",
			Message:   fmt.Sprintf("Probe failed: %v", err),
			Timestamp: now,
		}
	}
}

// checkMetadata verifies the metadata store answers queries
func (h *HealthChecker) checkMetadata() CheckResult {
	now := time.Now()
	count, err := h.metadata.Count()
	if err != nil {
		return CheckResult{
			Name:      "metadata",
			Status:    "critical",
			Message:   fmt.Sprintf("Metadata scan failed: %v", err),
			Timestamp: now,
		}
	}
	return CheckResult{
		Name:      "metadata",
		Status:    "healthy",
		Message:   fmt.Sprintf("%d entries tracked", count),
		Timestamp: now,
	}
}

// IsLive returns whether the engine is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the engine can serve traffic (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// Status returns the rolled-up engine status
func (h *HealthChecker) Status() EngineStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// GetChecks returns a copy of all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	live := h.livenessOK
	status := h.status
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !live {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy": live,
		"status":  status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.readinessOK
	status := h.status
	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":  ready,
		"status": status,
		"checks": checks,
	})
}
