package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cacheerrors "github.com/adaptix/tiercache/internal/errors"
	"github.com/adaptix/tiercache/internal/metadata"
	"github.com/adaptix/tiercache/internal/metrics"
	"github.com/adaptix/tiercache/internal/model"
	"github.com/adaptix/tiercache/internal/registry"
	"github.com/adaptix/tiercache/internal/service"
	"github.com/adaptix/tiercache/internal/store"
	"github.com/adaptix/tiercache/internal/store/mock"
)

// gateStore delays Get calls until the gate opens, letting tests pile
// up concurrent fetches for the same cid.
type gateStore struct {
	*mock.Store
	gate chan struct{}
}

func (g *gateStore) Get(ctx context.Context, cid string) ([]byte, error) {
	<-g.gate
	return g.Store.Get(ctx, cid)
}

type fetchFixture struct {
	reg   *registry.Registry
	meta  *metadata.Store
	svc   *service.FetchService
	tiers map[string]*mock.Store
}

func newFetchFixture(t *testing.T, tierStores map[string]store.Store, ranks map[string]int) *fetchFixture {
	t.Helper()

	logger := zap.NewNop()
	reg := registry.New(logger)
	for name, st := range tierStores {
		reg.Register(registry.NewTier(name, 0, ranks[name], false, st, registry.DefaultBreakerConfig()))
	}

	meta, err := metadata.New(&metadata.Config{InMemory: true}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	m := metrics.New(prometheus.NewRegistry())
	svc := service.NewFetchService(&service.FetchConfig{FetchTimeout: time.Second}, reg, meta,
		map[string]*service.CacheTier{}, m, logger)

	return &fetchFixture{reg: reg, meta: meta, svc: svc}
}

func TestFetchService_HitOnFastestTier(t *testing.T) {
	hot := mock.New()
	hot.Seed("cid-1", []byte("payload"))
	cold := mock.New()
	cold.Seed("cid-1", []byte("payload"))

	f := newFetchFixture(t,
		map[string]store.Store{"hot": hot, "cold": cold},
		map[string]int{"hot": 0, "cold": 1})

	payload, err := f.svc.Fetch(context.Background(), "cid-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), payload)

	assert.Equal(t, 1, hot.GetCalls())
	assert.Equal(t, 0, cold.GetCalls(), "fastest tier satisfied the fetch")

	// The fetch is recorded in metadata.
	entry, err := f.meta.Get("cid-1")
	require.NoError(t, err)
	assert.True(t, entry.HasLocation("hot"))
	assert.NotEmpty(t, entry.ContentHash)
}

func TestFetchService_FailoverToSlowerTier(t *testing.T) {
	hot := mock.New() // empty: clean miss
	cold := mock.New()
	cold.Seed("cid-1", []byte("payload"))

	f := newFetchFixture(t,
		map[string]store.Store{"hot": hot, "cold": cold},
		map[string]int{"hot": 0, "cold": 1})

	payload, err := f.svc.Fetch(context.Background(), "cid-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), payload)
	assert.Equal(t, 1, hot.GetCalls())
	assert.Equal(t, 1, cold.GetCalls())
}

func TestFetchService_UnreachableTierTripsBreaker(t *testing.T) {
	hot := mock.New()
	hot.GetErr = store.Unreachable("cid-1", errors.New("connection refused"))
	cold := mock.New()
	cold.Seed("cid-1", []byte("payload"))

	f := newFetchFixture(t,
		map[string]store.Store{"hot": hot, "cold": cold},
		map[string]int{"hot": 0, "cold": 1})

	payload, err := f.svc.Fetch(context.Background(), "cid-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), payload)

	hotTier, _ := f.reg.Get("hot")
	assert.Equal(t, registry.BreakerOpen, hotTier.Breaker().State())

	// While the breaker cools down, the failed tier is skipped entirely.
	before := hot.GetCalls()
	_, err = f.svc.Fetch(context.Background(), "cid-1")
	require.NoError(t, err)
	assert.Equal(t, before, hot.GetCalls())
}

func TestFetchService_NotFoundAfterExhaustion(t *testing.T) {
	f := newFetchFixture(t,
		map[string]store.Store{"hot": mock.New(), "cold": mock.New()},
		map[string]int{"hot": 0, "cold": 1})

	_, err := f.svc.Fetch(context.Background(), "cid-missing")
	require.Error(t, err)
	assert.True(t, cacheerrors.IsContentNotFound(err))
}

func TestFetchService_EmptyCID(t *testing.T) {
	f := newFetchFixture(t,
		map[string]store.Store{"hot": mock.New()},
		map[string]int{"hot": 0})

	_, err := f.svc.Fetch(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, cacheerrors.ErrCodeInvalidCID, cacheerrors.GetCode(err))
}

func TestFetchService_SingleFlightCollapsesConcurrentFetches(t *testing.T) {
	backing := mock.New()
	backing.Seed("cid-1", []byte("payload"))
	gated := &gateStore{Store: backing, gate: make(chan struct{})}

	f := newFetchFixture(t,
		map[string]store.Store{"hot": gated},
		map[string]int{"hot": 0})

	const callers = 8
	var wg sync.WaitGroup
	results := make([][]byte, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Fetch(context.Background(), "cid-1")
		}(i)
	}

	// Let every caller reach the single-flight gate, then open it.
	time.Sleep(50 * time.Millisecond)
	close(gated.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("payload"), results[i])
	}
	assert.Equal(t, 1, backing.GetCalls(), "concurrent fetches must share one tier read")
}

func TestFetchService_CallerCancellationLeavesSharedWorkRunning(t *testing.T) {
	backing := mock.New()
	backing.Seed("cid-1", []byte("payload"))
	gated := &gateStore{Store: backing, gate: make(chan struct{})}

	f := newFetchFixture(t,
		map[string]store.Store{"hot": gated},
		map[string]int{"hot": 0})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Fetch(ctx, "cid-1")
		done <- err
	}()

	var patientResult []byte
	var patientErr error
	patientDone := make(chan struct{})
	go func() {
		defer close(patientDone)
		patientResult, patientErr = f.svc.Fetch(context.Background(), "cid-1")
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	// The patient caller still gets the payload from the shared walk.
	close(gated.gate)
	<-patientDone
	require.NoError(t, patientErr)
	assert.Equal(t, []byte("payload"), patientResult)
}

func TestFetchService_HeatAccumulatesAcrossFetches(t *testing.T) {
	hot := mock.New()
	hot.Seed("cid-1", []byte("payload"))

	f := newFetchFixture(t,
		map[string]store.Store{"hot": hot},
		map[string]int{"hot": 0})

	for i := 0; i < 3; i++ {
		_, err := f.svc.Fetch(context.Background(), "cid-1")
		require.NoError(t, err)
	}

	entry, err := f.meta.Get("cid-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), entry.AccessCount)
	assert.Greater(t, entry.HeatScore, float64(2))
}

func TestFetchService_KnownLocationsTriedFirst(t *testing.T) {
	hot := mock.New() // does not hold the content
	cold := mock.New()
	cold.Seed("cid-1", []byte("payload"))

	f := newFetchFixture(t,
		map[string]store.Store{"hot": hot, "cold": cold},
		map[string]int{"hot": 0, "cold": 1})

	// Metadata already knows the content lives on the cold tier.
	entry := model.NewCacheEntry("cid-1", uint64(len("payload")), "")
	entry.UpsertLocation("cold", model.TierStatusHealthy)
	require.NoError(t, f.meta.Put(entry))

	payload, err := f.svc.Fetch(context.Background(), "cid-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), payload)

	assert.Equal(t, 0, hot.GetCalls(), "known location is walked before discovery")
	assert.Equal(t, 1, cold.GetCalls())
}
