package groups

import (
	"context"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces membership sets: <prefix><groupID>:members.
const DefaultRedisPrefix = "relay:group:"

// Redis resolves membership from one Redis set per group.
type Redis struct {
	rdb    redis.Cmdable
	prefix string
}

// NewRedis creates a Redis resolver. An empty prefix selects DefaultRedisPrefix.
func NewRedis(rdb redis.Cmdable, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) key(groupID string) string {
	return r.prefix + groupID + ":members"
}

// Resolve implements Resolver. Set members come back unordered; they are
// sorted so fan-out order is stable.
func (r *Redis) Resolve(ctx context.Context, groupID string) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, r.key(groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis members of %s: %w", groupID, err)
	}
	slices.Sort(members)
	return members, nil
}

// AddMembers adds identities to a group's set.
func (r *Redis) AddMembers(ctx context.Context, groupID string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.rdb.SAdd(ctx, r.key(groupID), args...).Err()
}

// RemoveMembers removes identities from a group's set.
func (r *Redis) RemoveMembers(ctx context.Context, groupID string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.rdb.SRem(ctx, r.key(groupID), args...).Err()
}
