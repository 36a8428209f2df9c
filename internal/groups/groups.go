// Package groups resolves a group id to the identities of its members. The
// router queries a Resolver synchronously for every group-addressed envelope.
package groups

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrUnknownGroup is returned by resolvers that distinguish a missing group
// from an empty one.
var ErrUnknownGroup = errors.New("unknown group")

// Resolver returns the member identities of a group.
type Resolver interface {
	Resolve(ctx context.Context, groupID string) ([]string, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, groupID string) ([]string, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, groupID string) ([]string, error) {
	return f(ctx, groupID)
}

// Static is an in-memory membership table, used for configuration-defined
// groups and tests.
type Static struct {
	mu      sync.RWMutex
	members map[string][]string
}

// NewStatic builds a Static resolver from a group -> members table.
func NewStatic(table map[string][]string) *Static {
	s := &Static{members: make(map[string][]string, len(table))}
	for group, members := range table {
		s.members[group] = slices.Clone(members)
	}
	return s
}

// Resolve implements Resolver.
func (s *Static) Resolve(_ context.Context, groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members, ok := s.members[groupID]
	if !ok {
		return nil, ErrUnknownGroup
	}
	return slices.Clone(members), nil
}

// Set replaces the members of a group.
func (s *Static) Set(groupID string, members ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[groupID] = slices.Clone(members)
}

// Add appends a member to a group, creating it if needed.
func (s *Static) Add(groupID, member string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.members[groupID], member) {
		s.members[groupID] = append(s.members[groupID], member)
	}
}

// Remove drops a member from a group.
func (s *Static) Remove(groupID, member string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[groupID] = slices.DeleteFunc(s.members[groupID], func(m string) bool {
		return m == member
	})
}

// Chain consults resolvers in order and returns the first non-empty
// membership. A group unknown to every resolver yields ErrUnknownGroup.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(ctx context.Context, groupID string) ([]string, error) {
	for _, r := range c {
		members, err := r.Resolve(ctx, groupID)
		if errors.Is(err, ErrUnknownGroup) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(members) > 0 {
			return members, nil
		}
	}
	return nil, ErrUnknownGroup
}
