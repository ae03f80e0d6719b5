package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// entry is a cached value with expiration.
type entry struct {
	value     string
	expiresAt time.Time
}

// Memory is an in-process Store for single-node deployments and tests.
type Memory struct {
	mu    sync.RWMutex
	items map[string]entry
	now   func() time.Time // injectable clock for testing
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{items: map[string]entry{}, now: time.Now}
}

// Get retrieves a value if it has not expired.
func (c *Memory) Get(_ context.Context, key string) (string, error) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return "", ErrMiss
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.items[key]; ok && cur == e {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return "", ErrMiss
	}
	return e.value, nil
}

// Set stores a value. A non-positive ttl keeps the value until deleted.
func (c *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = e
	c.mu.Unlock()
	return nil
}

// Delete removes keys; missing keys are ignored.
func (c *Memory) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.items, k)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (c *Memory) DeletePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			delete(c.items, k)
		}
	}
	return nil
}

// Len returns the number of stored keys, including expired ones not yet evicted.
func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
