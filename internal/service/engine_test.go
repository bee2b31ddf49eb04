package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adaptix/tiercache/internal/algorithm"
	cacheerrors "github.com/adaptix/tiercache/internal/errors"
	"github.com/adaptix/tiercache/internal/metadata"
	"github.com/adaptix/tiercache/internal/metrics"
	"github.com/adaptix/tiercache/internal/model"
	"github.com/adaptix/tiercache/internal/registry"
	"github.com/adaptix/tiercache/internal/service"
	"github.com/adaptix/tiercache/internal/store/mock"
)

type engineFixture struct {
	engine *service.CacheEngine
	reg    *registry.Registry
	meta   *metadata.Store
	hot    *mock.Store
	colds  []*mock.Store
}

// newEngineFixture builds a cache-bearing "hot" tier plus durableTiers
// plain tiers below it.
func newEngineFixture(t *testing.T, durableTiers int) *engineFixture {
	t.Helper()

	logger := zap.NewNop()
	reg := registry.New(logger)

	hot := mock.New()
	reg.Register(registry.NewTier("hot", 0, 0, true, hot, registry.DefaultBreakerConfig()))

	colds := make([]*mock.Store, durableTiers)
	for i := range colds {
		colds[i] = mock.New()
		name := fmt.Sprintf("cold-%d", i+1)
		reg.Register(registry.NewTier(name, 0, i+1, false, colds[i], registry.DefaultBreakerConfig()))
	}

	meta, err := metadata.New(&metadata.Config{InMemory: true}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	engine := service.NewCacheEngine(&service.EngineConfig{
		Replication: service.ReplicationConfig{Policy: algorithm.DefaultReplicationPolicy()},
		Caches:      map[string]service.CacheSpec{"hot": {CapacityEntries: 64}},
	}, reg, meta, metrics.New(prometheus.NewRegistry()), logger)
	t.Cleanup(func() { engine.Stop(time.Second) })

	return &engineFixture{engine: engine, reg: reg, meta: meta, hot: hot, colds: colds}
}

func TestEngine_PutReplicatesToTarget(t *testing.T) {
	f := newEngineFixture(t, 4)
	payload := []byte("store me properly")

	cid, report, err := f.engine.Put(context.Background(), payload, 0)
	require.NoError(t, err)

	assert.Equal(t, digest.FromBytes(payload).String(), cid, "content id is the payload digest")
	require.NotNil(t, report)
	assert.Equal(t, model.ReplicationStateTargetAchieved, report.SuccessLevel)

	assert.True(t, f.hot.Has(cid), "fastest tier takes the initial copy")
	replicas := 0
	for _, cold := range f.colds {
		if cold.Has(cid) {
			replicas++
		}
	}
	assert.Equal(t, 4, replicas)

	entry, err := f.meta.Get(cid)
	require.NoError(t, err)
	assert.Len(t, entry.HealthyLocations(), 5)
	assert.Equal(t, entry.ContentHash.String(), cid)
}

func TestEngine_PutBelowQuorumStillReports(t *testing.T) {
	f := newEngineFixture(t, 1)
	payload := []byte("too few tiers")

	cid, report, err := f.engine.Put(context.Background(), payload, 0)
	require.Error(t, err)
	assert.True(t, cacheerrors.IsBelowQuorum(err))
	require.NotNil(t, report, "the report accompanies the quorum error")
	assert.Equal(t, model.ReplicationStateBelowQuorum, report.SuccessLevel)

	// Both copies were still written; quorum failure is advisory.
	assert.True(t, f.hot.Has(cid))
	assert.True(t, f.colds[0].Has(cid))
}

func TestEngine_PutRejectsEmptyPayload(t *testing.T) {
	f := newEngineFixture(t, 4)

	_, _, err := f.engine.Put(context.Background(), nil, 0)
	require.Error(t, err)
	assert.Equal(t, cacheerrors.ErrCodeInvalidCID, cacheerrors.GetCode(err))
}

func TestEngine_FetchRoundTrip(t *testing.T) {
	f := newEngineFixture(t, 4)
	payload := []byte("write then read")

	cid, _, err := f.engine.Put(context.Background(), payload, 0)
	require.NoError(t, err)

	got, err := f.engine.Fetch(context.Background(), cid)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestEngine_DeleteRemovesEverywhere(t *testing.T) {
	f := newEngineFixture(t, 4)
	payload := []byte("short-lived")

	cid, _, err := f.engine.Put(context.Background(), payload, 0)
	require.NoError(t, err)

	require.NoError(t, f.engine.Delete(context.Background(), cid))

	assert.False(t, f.hot.Has(cid))
	for i, cold := range f.colds {
		assert.False(t, cold.Has(cid), "cold-%d still holds the payload", i+1)
	}
	_, err = f.meta.Get(cid)
	assert.ErrorIs(t, err, metadata.ErrEntryNotFound)

	_, err = f.engine.Fetch(context.Background(), cid)
	assert.True(t, cacheerrors.IsContentNotFound(err))
}

func TestEngine_DeleteUnknownCID(t *testing.T) {
	f := newEngineFixture(t, 1)

	err := f.engine.Delete(context.Background(), "sha256:nope")
	assert.True(t, cacheerrors.IsContentNotFound(err))
}

func TestEngine_VerifyAfterPut(t *testing.T) {
	f := newEngineFixture(t, 4)
	payload := []byte("verify me")

	cid, _, err := f.engine.Put(context.Background(), payload, 0)
	require.NoError(t, err)

	report, err := f.engine.Verify(context.Background(), cid)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Len(t, report.VerifiedTiers, 5)
}

func TestEngine_StatsSnapshot(t *testing.T) {
	f := newEngineFixture(t, 4)

	for i := 0; i < 3; i++ {
		_, _, err := f.engine.Put(context.Background(), []byte(fmt.Sprintf("payload-%d", i)), 0)
		require.NoError(t, err)
	}

	stats, err := f.engine.Stats()
	require.NoError(t, err)

	assert.Equal(t, 3, stats.EntryCount)
	assert.Equal(t, 3, stats.Replication[model.ReplicationStateTargetAchieved])
	require.Len(t, stats.Tiers, 5)

	hotStats := stats.Tiers[0]
	assert.Equal(t, "hot", hotStats.Name)
	assert.True(t, hotStats.CacheBearing)
	require.NotNil(t, hotStats.Cache, "cache-bearing tiers expose ARC state")
	assert.Equal(t, 3, hotStats.Cache.T1Len+hotStats.Cache.T2Len)
	assert.Nil(t, stats.Tiers[1].Cache)
}

func TestEngine_PutDesiredReplicationOverride(t *testing.T) {
	f := newEngineFixture(t, 6)
	payload := []byte("wants extra copies")

	cid, report, err := f.engine.Put(context.Background(), payload, 5)
	require.NoError(t, err)

	require.NotNil(t, report)
	assert.Equal(t, 5, report.Succeeded, "override raises the target past the policy default")
	assert.Equal(t, model.ReplicationStateTargetAchieved, report.SuccessLevel)

	replicas := 0
	for _, cold := range f.colds {
		if cold.Has(cid) {
			replicas++
		}
	}
	assert.Equal(t, 5, replicas)

	entry, err := f.meta.Get(cid)
	require.NoError(t, err)
	assert.Len(t, entry.HealthyLocations(), 6)
}

func TestEngine_PutClosesRecoveringBreaker(t *testing.T) {
	logger := zap.NewNop()
	reg := registry.New(logger)
	breakerCfg := registry.BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         10 * time.Millisecond,
		MaxCooldown:      20 * time.Millisecond,
	}

	hot := mock.New()
	reg.Register(registry.NewTier("hot", 0, 0, true, hot, breakerCfg))
	colds := make([]*mock.Store, 4)
	for i := range colds {
		colds[i] = mock.New()
		reg.Register(registry.NewTier(fmt.Sprintf("cold-%d", i+1), 0, i+1, false, colds[i], breakerCfg))
	}

	meta, err := metadata.New(&metadata.Config{InMemory: true}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	engine := service.NewCacheEngine(&service.EngineConfig{
		Replication: service.ReplicationConfig{Policy: algorithm.DefaultReplicationPolicy()},
		Caches:      map[string]service.CacheSpec{"hot": {CapacityEntries: 64}},
	}, reg, meta, metrics.New(prometheus.NewRegistry()), logger)
	t.Cleanup(func() { engine.Stop(time.Second) })

	hotTier, ok := reg.Get("hot")
	require.True(t, ok)
	hotTier.Breaker().Trip()
	time.Sleep(30 * time.Millisecond)

	// The first write after the cooldown takes the half-open slot; its
	// success must close the breaker rather than leave it wedged.
	payload := []byte("back in business")
	cid, _, err := engine.Put(context.Background(), payload, 0)
	require.NoError(t, err)

	assert.True(t, hot.Has(cid))
	assert.Equal(t, registry.BreakerClosed, hotTier.Breaker().State())

	got, ferr := engine.Fetch(context.Background(), cid)
	require.NoError(t, ferr)
	assert.Equal(t, payload, got)
}

func TestEngine_WriteInitialFailsOverToSlowerTier(t *testing.T) {
	logger := zap.NewNop()
	reg := registry.New(logger)

	// Only plain tiers; the fast one has no room for the payload.
	tiny := mock.New()
	roomy := mock.New()
	reg.Register(registry.NewTier("tiny", 4, 0, false, tiny, registry.DefaultBreakerConfig()))
	reg.Register(registry.NewTier("roomy", 0, 1, false, roomy, registry.DefaultBreakerConfig()))

	meta, err := metadata.New(&metadata.Config{InMemory: true}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	engine := service.NewCacheEngine(&service.EngineConfig{
		Replication: service.ReplicationConfig{Policy: algorithm.DefaultReplicationPolicy()},
	}, reg, meta, metrics.New(prometheus.NewRegistry()), logger)
	t.Cleanup(func() { engine.Stop(time.Second) })

	payload := []byte("does not fit the tiny tier")
	cid, _, err := engine.Put(context.Background(), payload, 0)
	require.Error(t, err, "a single placed copy sits below quorum")

	assert.False(t, tiny.Has(cid))
	assert.True(t, roomy.Has(cid))

	entry, merr := meta.Get(cid)
	require.NoError(t, merr)
	assert.True(t, entry.HasLocation("roomy"))
	assert.False(t, entry.HasLocation("tiny"))
}
