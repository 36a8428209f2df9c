package groups

import (
	"context"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached memoizes another resolver's answers for a bounded time so hot
// groups do not hit Redis or Postgres on every typing event. Errors are not
// cached.
type Cached struct {
	next  Resolver
	cache *expirable.LRU[string, []string]
}

// NewCached wraps next with an LRU of the given size and entry TTL.
func NewCached(next Resolver, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 1024
	}
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[string, []string](size, nil, ttl),
	}
}

// Resolve implements Resolver.
func (c *Cached) Resolve(ctx context.Context, groupID string) ([]string, error) {
	if members, ok := c.cache.Get(groupID); ok {
		return slices.Clone(members), nil
	}
	members, err := c.next.Resolve(ctx, groupID)
	if err != nil {
		return nil, err
	}
	c.cache.Add(groupID, slices.Clone(members))
	return members, nil
}

// Invalidate drops a cached group after a membership change.
func (c *Cached) Invalidate(groupID string) {
	c.cache.Remove(groupID)
}
