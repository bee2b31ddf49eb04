package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/adaptix/tiercache/internal/cache"
	"github.com/adaptix/tiercache/internal/registry"
	"github.com/adaptix/tiercache/internal/store"
)

// CacheTier couples a cache-bearing tier with its ARC eviction core.
// The ARC tracks residency and holds payloads for fast hits; the tier's
// backend is written through so stat scans and the integrity verifier
// see the same content. All backend I/O happens outside the ARC lock.
type CacheTier struct {
	tier   *registry.Tier
	arc    *cache.ARC
	logger *zap.Logger
}

// NewCacheTier wires an ARC of capacityEntries entries (and an optional
// byte budget) to the given tier. onEvict receives every payload the
// policy drops, tagged with the tier name, before the backend copy is
// touched.
func NewCacheTier(tier *registry.Tier, capacityEntries int, maxBytes int64, onEvict func(tierName string, ev cache.EvictionEvent), logger *zap.Logger) *CacheTier {
	ct := &CacheTier{tier: tier, logger: logger}
	// Tracked tier bytes mirror the backend copy, which outlives ARC
	// residency until the eviction handler deletes it; the handler owns
	// the subtraction.
	ct.arc = cache.New(capacityEntries, maxBytes, func(ev cache.EvictionEvent) {
		if onEvict != nil {
			onEvict(tier.Name, ev)
		}
	})
	return ct
}

// Tier returns the underlying registry tier
func (c *CacheTier) Tier() *registry.Tier {
	return c.tier
}

// ARC returns the eviction core, used by stats reporting
func (c *CacheTier) ARC() *cache.ARC {
	return c.arc
}

// Get serves cid from the ARC, falling back to the tier backend for
// content that survived a restart. A backend hit is re-admitted.
func (c *CacheTier) Get(ctx context.Context, cid string) ([]byte, error) {
	if payload, ok := c.arc.Get(cid); ok {
		return payload, nil
	}

	payload, err := c.tier.Store().Get(ctx, cid)
	if err != nil {
		return nil, err
	}
	c.admit(cid, payload)
	return payload, nil
}

// Put writes the payload through to the backend and admits it to the
// ARC. The backend write happens first: a failed write must not leave a
// resident entry the backend cannot serve.
func (c *CacheTier) Put(ctx context.Context, cid string, payload []byte) error {
	if err := c.tier.Store().Put(ctx, cid, payload); err != nil {
		return err
	}
	c.admit(cid, payload)
	return nil
}

func (c *CacheTier) admit(cid string, payload []byte) {
	if !c.arc.Contains(cid) {
		c.tier.AddBytes(int64(len(payload)))
	}
	c.arc.Put(cid, payload)
}

// Remove drops cid from the ARC and the backend
func (c *CacheTier) Remove(ctx context.Context, cid string) error {
	c.arc.Remove(cid)

	info, err := c.tier.Store().Stat(ctx, cid)
	switch {
	case err == nil:
		c.tier.AddBytes(-info.SizeBytes)
	case !store.IsNotFound(err):
		return err
	}
	return c.tier.Store().Delete(ctx, cid)
}
