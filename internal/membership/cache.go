// Package membership resolves a user's role within an organization and
// applies every mutation to memberships, keeping the role cache coherent.
package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alecgard/taskforge/internal/cache"
	"github.com/alecgard/taskforge/internal/rbac"
	"github.com/google/uuid"
)

const (
	DefaultCacheTTL     = 300 * time.Second
	DefaultCacheTimeout = 250 * time.Millisecond

	keyPrefix = "membership:"
)

// Lookup outcomes reported to the OnLookup hook.
const (
	LookupHit   = "hit"
	LookupMiss  = "miss"
	LookupError = "error"
)

// CacheOptions tunes a Cache. Zero values take the defaults.
type CacheOptions struct {
	TTL      time.Duration
	Timeout  time.Duration
	OnLookup func(result string)
}

// Cache maps (organization, user) to a role in a cache.Store. It is derived
// state: reads fail open and the caller falls back to the store.
type Cache struct {
	store    cache.Store
	ttl      time.Duration
	timeout  time.Duration
	onLookup func(result string)
	now      func() time.Time
}

type entry struct {
	Role     rbac.Role `json:"role"`
	CachedAt time.Time `json:"cached_at"`
}

// NewCache wraps store.
func NewCache(store cache.Store, opts CacheOptions) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultCacheTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCacheTimeout
	}
	return &Cache{
		store:    store,
		ttl:      opts.TTL,
		timeout:  opts.Timeout,
		onLookup: opts.OnLookup,
		now:      time.Now,
	}
}

// Key returns the cache key for (orgID, userID). UUIDs are keyed in their
// canonical form so every spelling of one ID shares an entry.
func Key(orgID, userID string) string {
	return orgPrefix(orgID) + canonicalID(userID)
}

func orgPrefix(orgID string) string {
	return keyPrefix + canonicalID(orgID) + ":"
}

func canonicalID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return id
}

// Get returns the cached role. Misses, undecodable entries and store errors
// all report ok=false.
func (c *Cache) Get(ctx context.Context, orgID, userID string) (rbac.Role, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.store.Get(ctx, Key(orgID, userID))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			c.report(LookupMiss)
		} else {
			c.report(LookupError)
			slog.WarnContext(ctx, "membership cache read failed, falling back to store",
				"org_id", orgID, "user_id", userID, "error", err)
		}
		return "", false
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil || !e.Role.Valid() {
		c.report(LookupError)
		slog.WarnContext(ctx, "discarding malformed membership cache entry", "org_id", orgID, "user_id", userID)
		return "", false
	}
	c.report(LookupHit)
	return e.Role, true
}

// Set writes role through with the configured TTL. Failures are logged only.
func (c *Cache) Set(ctx context.Context, orgID, userID string, role rbac.Role) {
	body, err := json.Marshal(entry{Role: role, CachedAt: c.now().UTC()})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.store.Set(ctx, Key(orgID, userID), string(body), c.ttl); err != nil {
		slog.WarnContext(ctx, "membership cache write failed", "org_id", orgID, "user_id", userID, "error", err)
	}
}

// Invalidate deletes the entries for userIDs in orgID.
func (c *Cache) Invalidate(ctx context.Context, orgID string, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = Key(orgID, id)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("invalidating membership cache: %w", err)
	}
	return nil
}

// InvalidateOrganization deletes every entry of orgID.
func (c *Cache) InvalidateOrganization(ctx context.Context, orgID string) error {
	if err := c.store.DeletePrefix(ctx, orgPrefix(orgID)); err != nil {
		return fmt.Errorf("invalidating organization cache: %w", err)
	}
	return nil
}

func (c *Cache) report(result string) {
	if c.onLookup != nil {
		c.onLookup(result)
	}
}
