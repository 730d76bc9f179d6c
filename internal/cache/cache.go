// Package cache implements the frame cache: a bounded, time-indexed mapping
// from frame identifier to the raw frame bytes and capture metadata that
// were in flight at send time, retrieved again when a matching Result
// arrives.
package cache

import (
	"strconv"
	"sync"
	"time"

	"github.com/edgevision/inferclient/internal/wire"
)

// Entry is a cached frame: immutable after insertion, shared (not copied)
// between the feeder (writer) and the ingest path (reader).
type Entry struct {
	FrameID     uint64
	Payload     []byte
	Width       uint32
	Height      uint32
	PixelFormat string
	Codec       string
	Planes      []wire.Plane
	MonotonicNs int64
	WallClockNs int64
	SessionID   string
	insertedAt  time.Time
}

// Cache is a single-writer, many-reader map from decimal frame id to Entry,
// with TTL-based absence enforced both on lookup and by a background sweep.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration
	now     func() time.Time
}

// New creates a Cache with the given TTL (spec default: 2s).
func New(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]Entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// key renders a frame id as its cache key, per spec §3 ("decimal string
// form of the frame identifier").
func key(frameID uint64) string {
	return strconv.FormatUint(frameID, 10)
}

// Set inserts or unconditionally replaces the entry for e.FrameID.
func (c *Cache) Set(e Entry) {
	e.insertedAt = c.now()
	c.mu.Lock()
	c.entries[key(e.FrameID)] = e
	c.mu.Unlock()
}

// Get returns the entry for frameID and true, or the zero Entry and false
// if absent or expired. An expired-but-not-yet-swept entry is reported
// absent here even though Sweep has not physically removed it yet.
func (c *Cache) Get(frameID uint64) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[key(frameID)]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if c.now().Sub(e.insertedAt) >= c.ttl {
		return Entry{}, false
	}
	return e, true
}

// Delete removes an entry after it has been consumed (the feeder deletes it
// as soon as its Result is matched), so it doesn't wait out the rest of its
// TTL for no reason.
func (c *Cache) Delete(frameID uint64) {
	c.mu.Lock()
	delete(c.entries, key(frameID))
	c.mu.Unlock()
}

// Len reports the current (pre-sweep) entry count, for diagnostics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// sweepExpired removes entries whose TTL has elapsed. Amortized O(1) per
// frame across the cache's lifetime since each entry is visited exactly
// once per sweep interval regardless of lookup traffic.
func (c *Cache) sweepExpired() int {
	cutoff := c.now().Add(-c.ttl)
	removed := 0
	c.mu.Lock()
	for k, e := range c.entries {
		if e.insertedAt.Before(cutoff) {
			delete(c.entries, k)
			removed++
		}
	}
	c.mu.Unlock()
	return removed
}
