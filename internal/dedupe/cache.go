// Package dedupe tracks recently seen keys so redelivered Slack events and
// known non-conversation threads are skipped.
//
// Entries expire after a TTL and the cache is bounded; when full, the least
// recently marked key is evicted.
package dedupe

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a thread-safe, TTL-bounded set of keys.
type Cache struct {
	mu  sync.Mutex // serializes CheckAndMark
	lru *expirable.LRU[string, struct{}]
}

// New creates a cache holding at most capacity keys for ttl each.
// Panics if capacity < 1.
func New(ttl time.Duration, capacity int) *Cache {
	if capacity < 1 {
		panic("dedupe: capacity must be >= 1")
	}
	return &Cache{lru: expirable.NewLRU[string, struct{}](capacity, nil, ttl)}
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	_, ok := c.lru.Peek(key)
	return ok
}

// Mark records key as seen now, restarting its TTL.
func (c *Cache) Mark(key string) {
	c.lru.Add(key, struct{}{})
}

// CheckAndMark returns true if key was already seen. Otherwise it marks the
// key and returns false.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lru.Peek(key); ok {
		return true
	}
	c.lru.Add(key, struct{}{})
	return false
}

// Forget removes key. Returns true if it was present.
func (c *Cache) Forget(key string) bool {
	return c.lru.Remove(key)
}

// Len counts stored keys, including expired ones not yet evicted.
func (c *Cache) Len() int {
	return c.lru.Len()
}
