package model

import (
	"math"
	"time"

	"github.com/opencontainers/go-digest"
)

// TierStatus describes the believed state of a replica on one tier
type TierStatus string

const (
	TierStatusHealthy     TierStatus = "healthy"
	TierStatusStale       TierStatus = "stale"
	TierStatusUnreachable TierStatus = "unreachable"
)

// ReplicationState classifies how durable a piece of content currently is
type ReplicationState string

const (
	ReplicationStateNone           ReplicationState = "no_replication"
	ReplicationStateBelowQuorum    ReplicationState = "below_quorum"
	ReplicationStateQuorumAchieved ReplicationState = "quorum_achieved"
	ReplicationStateTargetAchieved ReplicationState = "target_achieved"
)

// TierRef records one tier believed to hold a copy of the content
type TierRef struct {
	TierName string     `json:"tier_name"`
	StoredAt time.Time  `json:"stored_at"`
	Status   TierStatus `json:"status"`
}

// CacheEntry is the single source of truth for one content id: where it
// lives, how hot it is, and what its payload should hash to.
type CacheEntry struct {
	CID              string           `json:"cid"`
	SizeBytes        uint64           `json:"size_bytes"`
	ContentHash      digest.Digest    `json:"content_hash,omitempty"`
	Locations        []TierRef        `json:"locations"`
	AccessCount      uint64           `json:"access_count"`
	LastAccessed     time.Time        `json:"last_accessed"`
	HeatScore        float64          `json:"heat_score"`
	ReplicationState ReplicationState `json:"replication_state"`
	CreatedAt        time.Time        `json:"created_at"`
}

// HeatDecayPerSecond is the default exponential decay factor applied to
// the heat score per second of elapsed time between accesses.
const HeatDecayPerSecond = 0.995

// NewCacheEntry creates an entry for content seen for the first time
func NewCacheEntry(cid string, sizeBytes uint64, contentHash digest.Digest) *CacheEntry {
	now := time.Now()
	return &CacheEntry{
		CID:              cid,
		SizeBytes:        sizeBytes,
		ContentHash:      contentHash,
		Locations:        make([]TierRef, 0, 2),
		AccessCount:      1,
		LastAccessed:     now,
		HeatScore:        1,
		ReplicationState: ReplicationStateNone,
		CreatedAt:        now,
	}
}

// Touch records one access at the given time, decaying the heat score by
// the elapsed interval before adding the new access.
func (e *CacheEntry) Touch(now time.Time, decayPerSecond float64) {
	elapsed := now.Sub(e.LastAccessed).Seconds()
	if elapsed > 0 {
		e.HeatScore *= math.Pow(decayPerSecond, elapsed)
	}
	e.HeatScore++
	e.AccessCount++
	e.LastAccessed = now
}

// HasLocation reports whether the entry lists the named tier
func (e *CacheEntry) HasLocation(tierName string) bool {
	for i := range e.Locations {
		if e.Locations[i].TierName == tierName {
			return true
		}
	}
	return false
}

// LocationStatus returns the recorded status for the named tier
func (e *CacheEntry) LocationStatus(tierName string) (TierStatus, bool) {
	for i := range e.Locations {
		if e.Locations[i].TierName == tierName {
			return e.Locations[i].Status, true
		}
	}
	return "", false
}

// UpsertLocation adds or refreshes a TierRef for the named tier
func (e *CacheEntry) UpsertLocation(tierName string, status TierStatus) {
	for i := range e.Locations {
		if e.Locations[i].TierName == tierName {
			e.Locations[i].Status = status
			e.Locations[i].StoredAt = time.Now()
			return
		}
	}
	e.Locations = append(e.Locations, TierRef{
		TierName: tierName,
		StoredAt: time.Now(),
		Status:   status,
	})
}

// RemoveLocation drops the TierRef for the named tier, if present
func (e *CacheEntry) RemoveLocation(tierName string) {
	for i := range e.Locations {
		if e.Locations[i].TierName == tierName {
			e.Locations = append(e.Locations[:i], e.Locations[i+1:]...)
			return
		}
	}
}

// HealthyLocations returns the tiers currently believed to hold a good copy
func (e *CacheEntry) HealthyLocations() []TierRef {
	refs := make([]TierRef, 0, len(e.Locations))
	for _, ref := range e.Locations {
		if ref.Status == TierStatusHealthy {
			refs = append(refs, ref)
		}
	}
	return refs
}

// MarkLocationStatus sets the status of the named tier's ref, if present
func (e *CacheEntry) MarkLocationStatus(tierName string, status TierStatus) {
	for i := range e.Locations {
		if e.Locations[i].TierName == tierName {
			e.Locations[i].Status = status
			return
		}
	}
}
