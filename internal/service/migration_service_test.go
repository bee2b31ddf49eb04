package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adaptix/tiercache/internal/cache"
	"github.com/adaptix/tiercache/internal/metadata"
	"github.com/adaptix/tiercache/internal/metrics"
	"github.com/adaptix/tiercache/internal/model"
	"github.com/adaptix/tiercache/internal/registry"
	"github.com/adaptix/tiercache/internal/service"
	"github.com/adaptix/tiercache/internal/store/mock"
	"github.com/adaptix/tiercache/internal/util/workerpool"
)

type migrationFixture struct {
	reg  *registry.Registry
	meta *metadata.Store
	svc  *service.MigrationService
	hot  *mock.Store
	cold *mock.Store
}

func newMigrationFixture(t *testing.T, cfg *service.MigrationConfig) *migrationFixture {
	t.Helper()

	logger := zap.NewNop()
	reg := registry.New(logger)

	hot := mock.New()
	cold := mock.New()
	reg.Register(registry.NewTier("hot", 0, 0, true, hot, registry.DefaultBreakerConfig()))
	reg.Register(registry.NewTier("cold", 0, 2, false, cold, registry.DefaultBreakerConfig()))

	meta, err := metadata.New(&metadata.Config{InMemory: true}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	pool := workerpool.New(&workerpool.Config{Name: "test", MaxWorkers: 2, QueueSize: 16, Logger: logger})
	t.Cleanup(func() { pool.Stop(time.Second) })

	m := metrics.New(prometheus.NewRegistry())
	svc := service.NewMigrationService(cfg, reg, meta, map[string]*service.CacheTier{}, pool, m, logger)

	return &migrationFixture{reg: reg, meta: meta, svc: svc, hot: hot, cold: cold}
}

func seedEntry(t *testing.T, meta *metadata.Store, cid string, size uint64, locations ...string) {
	t.Helper()
	entry := model.NewCacheEntry(cid, size, "")
	for _, loc := range locations {
		entry.UpsertLocation(loc, model.TierStatusHealthy)
	}
	require.NoError(t, meta.Put(entry))
}

func TestMigrationService_EvictionDemotesSoleCopy(t *testing.T) {
	f := newMigrationFixture(t, &service.MigrationConfig{})

	payload := []byte("only copy")
	f.hot.Seed("cid-1", payload)
	seedEntry(t, f.meta, "cid-1", uint64(len(payload)), "hot")

	f.svc.HandleEviction(context.Background(), "hot", cache.EvictionEvent{
		CID: "cid-1", Payload: payload, SizeBytes: int64(len(payload)),
	})

	assert.True(t, f.cold.Has("cid-1"), "payload must land on the slower tier")
	assert.False(t, f.hot.Has("cid-1"), "source copy deleted after the demotion succeeded")

	entry, err := f.meta.Get("cid-1")
	require.NoError(t, err)
	assert.True(t, entry.HasLocation("cold"))
	assert.False(t, entry.HasLocation("hot"))
}

func TestMigrationService_EvictionKeepsSourceOnCopyFailure(t *testing.T) {
	f := newMigrationFixture(t, &service.MigrationConfig{})

	payload := []byte("precious")
	f.hot.Seed("cid-1", payload)
	f.cold.PutErr = errors.New("disk on fire")
	seedEntry(t, f.meta, "cid-1", uint64(len(payload)), "hot")

	f.svc.HandleEviction(context.Background(), "hot", cache.EvictionEvent{
		CID: "cid-1", Payload: payload, SizeBytes: int64(len(payload)),
	})

	assert.True(t, f.hot.Has("cid-1"), "failed demotion must never destroy the only replica")
	assert.False(t, f.cold.Has("cid-1"))

	entry, err := f.meta.Get("cid-1")
	require.NoError(t, err)
	assert.True(t, entry.HasLocation("hot"))
}

func TestMigrationService_EvictionSkipsCopyWhenReplicatedBelow(t *testing.T) {
	f := newMigrationFixture(t, &service.MigrationConfig{})

	payload := []byte("already safe")
	f.hot.Seed("cid-1", payload)
	f.cold.Seed("cid-1", payload)
	seedEntry(t, f.meta, "cid-1", uint64(len(payload)), "hot", "cold")

	f.svc.HandleEviction(context.Background(), "hot", cache.EvictionEvent{
		CID: "cid-1", Payload: payload, SizeBytes: int64(len(payload)),
	})

	assert.False(t, f.hot.Has("cid-1"))
	assert.True(t, f.cold.Has("cid-1"))
	assert.Equal(t, 0, f.cold.PutCalls(), "no copy needed when a replica already exists below")
}

func TestMigrationService_EvictionWithoutMetadataKeepsBackendCopy(t *testing.T) {
	f := newMigrationFixture(t, &service.MigrationConfig{})

	// Simulates an eviction racing the metadata write of a fresh Put: the
	// backend copy may be the only one, so it must survive.
	f.hot.Seed("cid-ghost", []byte("x"))

	f.svc.HandleEviction(context.Background(), "hot", cache.EvictionEvent{
		CID: "cid-ghost", Payload: []byte("x"), SizeBytes: 1,
	})

	assert.True(t, f.hot.Has("cid-ghost"), "untracked payloads keep their backend copy")
	assert.Equal(t, 0, f.hot.DeleteCalls())
	assert.Equal(t, 0, f.cold.PutCalls())
}

func TestMigrationService_MaybePromoteOnHotContent(t *testing.T) {
	f := newMigrationFixture(t, &service.MigrationConfig{PromotionThreshold: 3})

	payload := []byte("getting hot")
	f.cold.Seed("cid-1", payload)

	entry := model.NewCacheEntry("cid-1", uint64(len(payload)), "")
	entry.UpsertLocation("cold", model.TierStatusHealthy)
	entry.HeatScore = 5
	require.NoError(t, f.meta.Put(entry))

	f.svc.MaybePromote(context.Background(), "cid-1", "cold", payload)

	assert.True(t, f.hot.Has("cid-1"))

	got, err := f.meta.Get("cid-1")
	require.NoError(t, err)
	assert.True(t, got.HasLocation("hot"))
}

func TestMigrationService_MaybePromoteBelowThreshold(t *testing.T) {
	f := newMigrationFixture(t, &service.MigrationConfig{PromotionThreshold: 3})

	payload := []byte("lukewarm")
	f.cold.Seed("cid-1", payload)

	entry := model.NewCacheEntry("cid-1", uint64(len(payload)), "")
	entry.UpsertLocation("cold", model.TierStatusHealthy)
	entry.HeatScore = 1
	require.NoError(t, f.meta.Put(entry))

	f.svc.MaybePromote(context.Background(), "cid-1", "cold", payload)

	assert.False(t, f.hot.Has("cid-1"), "cold content stays put")
}

func TestMigrationService_MaybePromoteAlreadyResident(t *testing.T) {
	f := newMigrationFixture(t, &service.MigrationConfig{PromotionThreshold: 3})

	payload := []byte("resident")
	seedEntry(t, f.meta, "cid-1", uint64(len(payload)), "hot", "cold")

	f.svc.MaybePromote(context.Background(), "cid-1", "cold", payload)

	assert.Equal(t, 0, f.hot.PutCalls(), "promotion is a no-op when already on the fastest tier")
}

func TestMigrationService_DemotionSweepRescuesIdleEntries(t *testing.T) {
	f := newMigrationFixture(t, &service.MigrationConfig{DemotionIdle: time.Minute})

	payload := []byte("idle content")
	f.hot.Seed("cid-idle", payload)

	entry := model.NewCacheEntry("cid-idle", uint64(len(payload)), "")
	entry.UpsertLocation("hot", model.TierStatusHealthy)
	entry.LastAccessed = time.Now().Add(-time.Hour)
	require.NoError(t, f.meta.Put(entry))

	// A fresh entry on the same tier must be left alone.
	freshPayload := []byte("fresh content")
	f.hot.Seed("cid-fresh", freshPayload)
	seedEntry(t, f.meta, "cid-fresh", uint64(len(freshPayload)), "hot")

	require.NoError(t, f.svc.RunDemotionSweep(context.Background()))

	assert.True(t, f.cold.Has("cid-idle"), "idle sole copy gets a durable twin below")
	assert.True(t, f.hot.Has("cid-idle"), "sweep copies, natural eviction deletes")
	assert.False(t, f.cold.Has("cid-fresh"))

	entry, err := f.meta.Get("cid-idle")
	require.NoError(t, err)
	assert.True(t, entry.HasLocation("cold"))
	assert.True(t, entry.HasLocation("hot"))
}

func TestMigrationService_DemotionSweepSkipsDurablyHeldEntries(t *testing.T) {
	f := newMigrationFixture(t, &service.MigrationConfig{DemotionIdle: time.Minute})

	payload := []byte("already durable")
	f.hot.Seed("cid-1", payload)
	f.cold.Seed("cid-1", payload)

	entry := model.NewCacheEntry("cid-1", uint64(len(payload)), "")
	entry.UpsertLocation("hot", model.TierStatusHealthy)
	entry.UpsertLocation("cold", model.TierStatusHealthy)
	entry.LastAccessed = time.Now().Add(-time.Hour)
	require.NoError(t, f.meta.Put(entry))

	require.NoError(t, f.svc.RunDemotionSweep(context.Background()))

	assert.Equal(t, 0, f.cold.PutCalls(), "durable copies need no sweep rescue")
}
