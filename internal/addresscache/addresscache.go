// Package addresscache implements the bounded address→hostname ring from
// spec.md §3: a fixed-capacity table populated by ERQ reverse-DNS replies
// and consulted before issuing a new lookup, so a noisy peer cannot queue
// unbounded ERQ requests for the same address.
//
// Grounded on the teacher's internal/session registry.go slot-table pattern
// (linear scan over a fixed array, oldest entry evicted first) generalized
// from session IDs to IP addresses.
package addresscache

// DefaultCapacity matches spec.md §3's "at least 200 entries".
const DefaultCapacity = 200

type entry struct {
	addr     string
	hostname string
	pending  bool
	inUse    bool
}

// Cache is a fixed-size, insertion-ordered ring of address/hostname pairs.
// It is not safe for concurrent use; callers run it from the single
// scheduler goroutine like everything else in this module.
type Cache struct {
	entries []entry
	next    int // ring cursor for eviction
}

// New constructs a Cache with the given capacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{entries: make([]entry, capacity)}
}

// Lookup returns the cached hostname for addr, and whether it was found. A
// "pending" entry (lookup in flight but no reply yet) reports found=true
// with an empty hostname, letting the caller avoid issuing a second ERQ
// request for the same address.
func (c *Cache) Lookup(addr string) (hostname string, found bool) {
	for i := range c.entries {
		if c.entries[i].inUse && c.entries[i].addr == addr {
			return c.entries[i].hostname, true
		}
	}
	return "", false
}

// MarkPending records that a reverse-DNS lookup for addr is in flight,
// evicting the oldest ring slot if the cache is full.
func (c *Cache) MarkPending(addr string) {
	if _, found := c.Lookup(addr); found {
		return
	}
	slot := c.evict()
	c.entries[slot] = entry{addr: addr, pending: true, inUse: true}
}

// Resolve records the reply for a pending (or fresh) lookup.
func (c *Cache) Resolve(addr, hostname string) {
	for i := range c.entries {
		if c.entries[i].inUse && c.entries[i].addr == addr {
			c.entries[i].hostname = hostname
			c.entries[i].pending = false
			return
		}
	}
	slot := c.evict()
	c.entries[slot] = entry{addr: addr, hostname: hostname, inUse: true}
}

// evict returns the index of the next slot to reuse, advancing the ring
// cursor. This is FIFO rather than strict LRU, matching the teacher's
// session-slot allocator rather than a full LRU list.
func (c *Cache) evict() int {
	for i := range c.entries {
		if !c.entries[i].inUse {
			return i
		}
	}
	slot := c.next
	c.next = (c.next + 1) % len(c.entries)
	return slot
}

// Len reports the number of occupied slots.
func (c *Cache) Len() int {
	n := 0
	for i := range c.entries {
		if c.entries[i].inUse {
			n++
		}
	}
	return n
}

// Cap reports the cache's fixed capacity.
func (c *Cache) Cap() int { return len(c.entries) }
