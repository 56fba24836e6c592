// Package relaycache implements the RelayCache entry of spec.md §3/§4.C/§9:
// a bounded, LRU-evicted, TTL-expiring map of request_id to the user_pubkey
// first observed for that request, used to enforce the destination
// invariant on response shards.
//
// Grounded on github.com/hashicorp/golang-lru (already pulled in
// transitively by the teacher repo's libp2p/DHT stack; promoted here to a
// direct dependency) for the bounded-LRU eviction policy, and on the
// TTL-sweep-goroutine idiom of pkg/storage/relay_queue.go's
// cleanupExpiredMessages in the teacher repo.
package relaycache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/shardcore/corenet/pkg/ids"
)

// DefaultCapacity is the default LRU bound (spec.md §9: "default 100k entries").
const DefaultCapacity = 100_000

// DefaultTTL is the default entry lifetime (spec.md §3: "≥ 2x expected
// request lifetime, default 5 min").
const DefaultTTL = 5 * time.Minute

// Entry is a single RelayCache record.
type Entry struct {
	UserPubkey ids.PublicKey
	FirstSeen  time.Time
	TotalHops  uint8
}

// Cache is a relay's bounded, TTL-expiring request cache.
type Cache struct {
	ttl time.Duration
	lru *lru.Cache

	mu      sync.Mutex
	closing chan struct{}
}

// New constructs a Cache with the given capacity and TTL. A capacity or TTL
// of zero uses the package defaults.
func New(capacity int, ttl time.Duration) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	l, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}

	c := &Cache{ttl: ttl, lru: l, closing: make(chan struct{})}
	go c.sweepLoop()
	return c, nil
}

// Close stops the background TTL sweep.
func (c *Cache) Close() {
	close(c.closing)
}

// Insert records the first observation of a request_id. An existing entry
// for the same request_id is replaced, so callers check Lookup first.
func (c *Cache) Insert(requestID ids.RequestID, userPubkey ids.PublicKey, totalHops uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(requestID, &Entry{UserPubkey: userPubkey, FirstSeen: time.Now(), TotalHops: totalHops})
}

// Lookup returns the cached entry for request_id, or ok=false on a cache
// miss or an expired entry (expired entries are evicted on lookup).
func (c *Cache) Lookup(requestID ids.RequestID) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Get(requestID)
	if !ok {
		return nil, false
	}
	entry := v.(*Entry)
	if time.Since(entry.FirstSeen) > c.ttl {
		c.lru.Remove(requestID)
		return nil, false
	}
	return entry, true
}

// Len returns the number of live (possibly not-yet-swept) entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// sweepLoop periodically evicts expired entries, bounding memory held by
// entries nobody has looked up since they expired.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.closing:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Cache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, key := range c.lru.Keys() {
		v, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		entry := v.(*Entry)
		if now.Sub(entry.FirstSeen) > c.ttl {
			c.lru.Remove(key)
		}
	}
}
