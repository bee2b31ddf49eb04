// Package cache implements the adaptive replacement eviction core used by
// cache-bearing tiers. One ARC instance tracks residency for one tier;
// payload I/O against the tier's backend happens outside this package so
// no lock is ever held across a Store call.
package cache

import (
	"container/list"
	"math"
	"sync"
)

// EvictionEvent describes a payload leaving the resident lists. The
// migrator consumes these to demote content before it is lost.
type EvictionEvent struct {
	CID       string
	Payload   []byte
	SizeBytes int64
	// Ghosted reports whether the key was retained in ghost history
	// (B1/B2) for future partition adaptation.
	Ghosted bool
}

type listID int

const (
	listT1 listID = iota // recently used, single access, resident
	listT2               // frequently used, resident
	listB1               // ghost history of T1 evictions
	listB2               // ghost history of T2 evictions
)

type item struct {
	cid     string
	payload []byte
	size    int64
	where   listID
}

// ARC is an adaptive replacement cache bounded by a capacity of c entries
// and, optionally, a byte budget. Resident entries (T1+T2) never exceed
// c; tracked keys including ghosts never exceed 2c.
type ARC struct {
	mu       sync.Mutex
	capacity int
	maxBytes int64
	p        float64

	t1, t2, b1, b2 *list.List
	index          map[string]*list.Element

	liveBytes int64
	hits      uint64
	misses    uint64
	evictions uint64

	onEvict func(EvictionEvent)
}

// New creates an ARC bounded to capacity entries. maxBytes, when
// positive, additionally bounds the resident payload bytes. onEvict, when
// non-nil, is invoked after each operation for every payload dropped from
// the resident lists; it runs without the cache lock held.
func New(capacity int, maxBytes int64, onEvict func(EvictionEvent)) *ARC {
	if capacity < 1 {
		capacity = 1
	}
	return &ARC{
		capacity: capacity,
		maxBytes: maxBytes,
		t1:       list.New(),
		t2:       list.New(),
		b1:       list.New(),
		b2:       list.New(),
		index:    make(map[string]*list.Element),
		onEvict:  onEvict,
	}
}

// Get returns the payload for cid if resident. A hit moves the entry to
// the MRU end of T2. Ghost entries are misses and are left untouched;
// partition adaptation happens when the payload is re-inserted.
func (c *ARC) Get(cid string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[cid]
	if !ok {
		c.misses++
		return nil, false
	}
	it := elem.Value.(*item)
	switch it.where {
	case listT1:
		c.t1.Remove(elem)
		it.where = listT2
		c.index[cid] = c.t2.PushFront(it)
		c.hits++
		return it.payload, true
	case listT2:
		c.t2.MoveToFront(elem)
		c.hits++
		return it.payload, true
	default:
		c.misses++
		return nil, false
	}
}

// Contains reports whether cid is resident, without promoting it
func (c *ARC) Contains(cid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.index[cid]
	if !ok {
		return false
	}
	where := elem.Value.(*item).where
	return where == listT1 || where == listT2
}

// Put inserts or refreshes the payload for cid, evicting per the
// adaptive replacement policy as needed.
func (c *ARC) Put(cid string, payload []byte) {
	c.mu.Lock()
	events := c.put(cid, payload)
	c.mu.Unlock()

	if c.onEvict != nil {
		for _, ev := range events {
			c.onEvict(ev)
		}
	}
}

func (c *ARC) put(cid string, payload []byte) []EvictionEvent {
	var events []EvictionEvent
	size := int64(len(payload))

	if elem, ok := c.index[cid]; ok {
		it := elem.Value.(*item)
		switch it.where {
		case listT1:
			// Second access: promote to the frequent list.
			c.liveBytes += size - it.size
			it.payload, it.size = payload, size
			c.t1.Remove(elem)
			it.where = listT2
			c.index[cid] = c.t2.PushFront(it)
		case listT2:
			c.liveBytes += size - it.size
			it.payload, it.size = payload, size
			c.t2.MoveToFront(elem)
		case listB1:
			// Recency ghost hit: grow the T1 target.
			delta := 1.0
			if c.b1.Len() > 0 {
				delta = math.Max(1, float64(c.b2.Len())/float64(c.b1.Len()))
			}
			c.p = math.Min(float64(c.capacity), c.p+delta)
			if c.t1.Len()+c.t2.Len() >= c.capacity {
				events = append(events, c.replace(false))
			}
			c.b1.Remove(elem)
			it.payload, it.size = payload, size
			it.where = listT2
			c.index[cid] = c.t2.PushFront(it)
			c.liveBytes += size
		case listB2:
			// Frequency ghost hit: shrink the T1 target.
			delta := 1.0
			if c.b2.Len() > 0 {
				delta = math.Max(1, float64(c.b1.Len())/float64(c.b2.Len()))
			}
			c.p = math.Max(0, c.p-delta)
			if c.t1.Len()+c.t2.Len() >= c.capacity {
				events = append(events, c.replace(true))
			}
			c.b2.Remove(elem)
			it.payload, it.size = payload, size
			it.where = listT2
			c.index[cid] = c.t2.PushFront(it)
			c.liveBytes += size
		}
		events = c.enforceByteBudget(events)
		return compactEvents(events)
	}

	// New key, present in neither the resident nor the ghost lists.
	l1 := c.t1.Len() + c.b1.Len()
	if l1 == c.capacity {
		if c.t1.Len() < c.capacity {
			c.dropGhost(c.b1)
			events = append(events, c.replace(false))
		} else {
			// B1 is empty and T1 is full: drop the T1 LRU outright
			// with no ghost trace.
			events = append(events, c.evictResident(c.t1, false))
		}
	} else if l1 < c.capacity {
		total := l1 + c.t2.Len() + c.b2.Len()
		if total >= c.capacity {
			if total == 2*c.capacity {
				c.dropGhost(c.b2)
			}
			if c.t1.Len()+c.t2.Len() >= c.capacity {
				events = append(events, c.replace(false))
			}
		}
	}

	it := &item{cid: cid, payload: payload, size: size, where: listT1}
	c.index[cid] = c.t1.PushFront(it)
	c.liveBytes += size

	events = c.enforceByteBudget(events)
	return compactEvents(events)
}

// replace evicts the resident LRU from T1 or T2 according to the current
// adaptive partition, keeping a ghost trace of the key. When the
// preferred list is empty the other resident list is evicted instead.
func (c *ARC) replace(inB2 bool) EvictionEvent {
	t1Len := float64(c.t1.Len())
	fromT1 := c.t1.Len() >= 1 && (t1Len > c.p || (inB2 && t1Len == c.p))
	if fromT1 || c.t2.Len() == 0 {
		return c.evictResident(c.t1, true)
	}
	return c.evictResident(c.t2, true)
}

// evictResident drops the LRU payload of the given resident list.
// ghosted keeps the key in the matching ghost list.
func (c *ARC) evictResident(l *list.List, ghosted bool) EvictionEvent {
	elem := l.Back()
	if elem == nil {
		return EvictionEvent{}
	}
	it := elem.Value.(*item)
	l.Remove(elem)
	c.liveBytes -= it.size
	c.evictions++

	ev := EvictionEvent{CID: it.cid, Payload: it.payload, SizeBytes: it.size, Ghosted: ghosted}

	if !ghosted {
		delete(c.index, it.cid)
		return ev
	}
	it.payload = nil
	it.size = 0
	if it.where == listT1 {
		it.where = listB1
		c.index[it.cid] = c.b1.PushFront(it)
	} else {
		it.where = listB2
		c.index[it.cid] = c.b2.PushFront(it)
	}
	return ev
}

// dropGhost removes the LRU key of a ghost list entirely
func (c *ARC) dropGhost(l *list.List) {
	elem := l.Back()
	if elem == nil {
		return
	}
	it := elem.Value.(*item)
	l.Remove(elem)
	delete(c.index, it.cid)
}

// enforceByteBudget evicts residents until the byte budget is respected.
// The loop ends as soon as a round evicts nothing, so it can never spin
// on empty lists.
func (c *ARC) enforceByteBudget(events []EvictionEvent) []EvictionEvent {
	if c.maxBytes <= 0 {
		return events
	}
	for c.liveBytes > c.maxBytes && c.t1.Len()+c.t2.Len() > 0 {
		ev := c.replace(false)
		if ev.CID == "" {
			break
		}
		events = append(events, ev)
	}
	return events
}

func compactEvents(events []EvictionEvent) []EvictionEvent {
	out := events[:0]
	for _, ev := range events {
		if ev.CID != "" {
			out = append(out, ev)
		}
	}
	return out
}

// Remove deletes cid from every list, resident or ghost. No eviction
// event is emitted: removal is an explicit caller decision, not a policy
// eviction the migrator should rescue.
func (c *ARC) Remove(cid string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[cid]
	if !ok {
		return
	}
	it := elem.Value.(*item)
	switch it.where {
	case listT1:
		c.t1.Remove(elem)
		c.liveBytes -= it.size
	case listT2:
		c.t2.Remove(elem)
		c.liveBytes -= it.size
	case listB1:
		c.b1.Remove(elem)
	case listB2:
		c.b2.Remove(elem)
	}
	delete(c.index, cid)
}

// Len returns the number of resident entries
func (c *ARC) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t1.Len() + c.t2.Len()
}

// TrackedLen returns the number of tracked keys including ghosts
func (c *ARC) TrackedLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t1.Len() + c.t2.Len() + c.b1.Len() + c.b2.Len()
}

// LiveBytes returns the resident payload bytes
func (c *ARC) LiveBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveBytes
}

// Stats is a point-in-time snapshot of the cache state
type Stats struct {
	Capacity  int
	T1Len     int
	T2Len     int
	B1Len     int
	B2Len     int
	P         float64
	LiveBytes int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Snapshot returns current cache statistics
func (c *ARC) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Capacity:  c.capacity,
		T1Len:     c.t1.Len(),
		T2Len:     c.t2.Len(),
		B1Len:     c.b1.Len(),
		B2Len:     c.b2.Len(),
		P:         c.p,
		LiveBytes: c.liveBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
