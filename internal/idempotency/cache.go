// ABOUTME: Thread-safe TTL cache mapping idempotency keys to run outcomes.
// ABOUTME: Size-limited with O(1) oldest-first eviction via a linked list.

package idempotency

import (
	"container/list"
	"sync"
	"time"
)

// Outcome is what a retried submit observes: the identifier accepted for the
// original request and, once the run finishes, its terminal status.
type Outcome struct {
	RunID  string
	Status string // "accepted" until terminal, then "ok"/"error"/"rejected"
	Error  string
}

// cacheEntry stores the outcome, timestamp, and list element for a key.
type cacheEntry struct {
	outcome   Outcome
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited cache of submit outcomes.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the specified TTL and maximum size. A background
// goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the cached outcome for key if present and not expired.
func (c *Cache) Get(key string) (Outcome, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Since(entry.timestamp) >= c.ttl {
		return Outcome{}, false
	}
	return entry.outcome, true
}

// Put records the outcome for key, refreshing its TTL. If the cache is at
// capacity the oldest entry is evicted to make room.
func (c *Cache) Put(key string, outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if entry, exists := c.entries[key]; exists {
		entry.outcome = outcome
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{
		outcome:   outcome,
		timestamp: now,
		element:   elem,
	}
}

// Complete marks the key's outcome terminal while keeping its run id.
// A no-op if the entry has already expired or been evicted.
func (c *Cache) Complete(key, status, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return
	}
	entry.outcome.Status = status
	entry.outcome.Error = errMsg
	entry.timestamp = time.Now()
	c.order.MoveToBack(entry.element)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
