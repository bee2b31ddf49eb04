package cache_test

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adaptix/tiercache/internal/cache"
)

func TestARC_GetPut(t *testing.T) {
	c := cache.New(4, 0, nil)

	c.Put("a", []byte("alpha"))
	c.Put("b", []byte("beta"))

	payload, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("alpha"), payload)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, 2, c.Len())
}

func TestARC_UpdateExisting(t *testing.T) {
	c := cache.New(4, 0, nil)

	c.Put("a", []byte("v1"))
	c.Put("a", []byte("v2"))

	payload, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), payload)
	assert.Equal(t, 1, c.Len())
}

func TestARC_EvictionAtCapacity(t *testing.T) {
	var evicted []cache.EvictionEvent
	c := cache.New(3, 0, func(ev cache.EvictionEvent) {
		evicted = append(evicted, ev)
	})

	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Put("c", []byte("3"))
	c.Get("a") // promote to T2 so the next eviction leaves a ghost

	c.Put("d", []byte("4"))

	assert.Equal(t, 3, c.Len())
	require.Len(t, evicted, 1)
	assert.Equal(t, "b", evicted[0].CID)
	assert.Equal(t, []byte("2"), evicted[0].Payload)
	assert.True(t, evicted[0].Ghosted)

	// The evicted key stays tracked as ghost history.
	assert.Equal(t, 4, c.TrackedLen())
}

func TestARC_ScanEvictionLeavesNoGhost(t *testing.T) {
	// With T1 full and no ghost history, the LRU is dropped outright.
	var evicted []cache.EvictionEvent
	c := cache.New(3, 0, func(ev cache.EvictionEvent) {
		evicted = append(evicted, ev)
	})

	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Put("c", []byte("3"))
	c.Put("d", []byte("4"))

	require.Len(t, evicted, 1)
	assert.Equal(t, "a", evicted[0].CID)
	assert.False(t, evicted[0].Ghosted)
	assert.Equal(t, 3, c.TrackedLen())
}

func TestARC_HitPromotesToFrequentList(t *testing.T) {
	c := cache.New(3, 0, nil)

	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))

	// Second access moves "a" to the frequency-favored side.
	_, ok := c.Get("a")
	require.True(t, ok)

	stats := c.Snapshot()
	assert.Equal(t, 1, stats.T1Len)
	assert.Equal(t, 1, stats.T2Len)

	// Filling the cache with one-shot keys evicts "b" before "a".
	c.Put("c", []byte("3"))
	c.Put("d", []byte("4"))

	_, ok = c.Get("a")
	assert.True(t, ok, "frequently used key should survive scan traffic")
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestARC_GhostHitAdaptsPartition(t *testing.T) {
	c := cache.New(3, 0, nil)

	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Put("c", []byte("3"))
	c.Get("a")              // a moves to T2
	c.Put("d", []byte("4")) // evicts "b" into B1

	require.Equal(t, float64(0), c.Snapshot().P)

	// Re-inserting a B1 ghost grows the recency partition.
	c.Put("b", []byte("2"))

	stats := c.Snapshot()
	assert.Greater(t, stats.P, float64(0))
	// A B1 hit lands directly in T2.
	assert.GreaterOrEqual(t, stats.T2Len, 2)

	payload, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), payload)
}

func TestARC_Remove(t *testing.T) {
	evictions := 0
	c := cache.New(4, 0, func(cache.EvictionEvent) { evictions++ })

	c.Put("a", []byte("1"))
	c.Remove("a")

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.TrackedLen())
	assert.Equal(t, 0, evictions, "explicit removal must not fire the eviction hook")

	// Removing an absent key is a no-op.
	c.Remove("never-seen")
}

func TestARC_ByteBudget(t *testing.T) {
	var evicted []string
	c := cache.New(100, 10, func(ev cache.EvictionEvent) {
		evicted = append(evicted, ev.CID)
	})

	c.Put("a", []byte("12345"))
	c.Put("b", []byte("12345"))
	assert.Equal(t, int64(10), c.LiveBytes())

	c.Put("c", []byte("12345"))

	assert.LessOrEqual(t, c.LiveBytes(), int64(10))
	assert.NotEmpty(t, evicted)
}

func TestARC_CapacityInvariantsUnderRandomOps(t *testing.T) {
	const capacity = 16
	c := cache.New(capacity, 0, nil)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 10000; i++ {
		cid := fmt.Sprintf("cid-%d", rng.Intn(64))
		switch rng.Intn(4) {
		case 0:
			_, _ = c.Get(cid)
		case 1:
			c.Remove(cid)
		default:
			c.Put(cid, []byte(cid))
		}

		stats := c.Snapshot()
		require.LessOrEqual(t, stats.T1Len+stats.T2Len, capacity,
			"resident entries exceeded capacity at op %d", i)
		require.LessOrEqual(t, c.TrackedLen(), 2*capacity,
			"tracked keys exceeded twice capacity at op %d", i)
		require.GreaterOrEqual(t, stats.P, float64(0))
		require.LessOrEqual(t, stats.P, float64(capacity))
	}
}

func TestARC_SnapshotCounters(t *testing.T) {
	c := cache.New(4, 0, nil)

	c.Put("a", []byte("1"))
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	stats := c.Snapshot()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 4, stats.Capacity)
}

func TestARC_ByteBudgetEnforcedAfterGhostHit(t *testing.T) {
	var evicted []cache.EvictionEvent
	c := cache.New(8, 2, func(ev cache.EvictionEvent) {
		evicted = append(evicted, ev)
	})

	payload := []byte("abcd") // over budget on its own

	c.Put("a", payload)
	c.Put("a", payload) // ghost hit raises the T1 target

	// With T2 empty and |T1| <= P, budget enforcement must still evict.
	done := make(chan struct{})
	go func() {
		c.Put("b", payload)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Put did not return while enforcing the byte budget")
	}

	assert.LessOrEqual(t, c.LiveBytes(), int64(2))
	assert.Equal(t, 0, c.Len())

	last := evicted[len(evicted)-1]
	assert.Equal(t, "b", last.CID)
	assert.True(t, last.Ghosted)
	assert.Equal(t, 1.0, c.Snapshot().P)
}
