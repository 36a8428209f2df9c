// Package router decides which live connections receive an inbound envelope.
//
// Routing is a pure function of the envelope, the group resolver and the
// current registry contents: it never queues for offline identities and never
// falls back to broadcasting to every connected user.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/Tyrowin/relaychat/internal/envelope"
	"github.com/Tyrowin/relaychat/internal/groups"
	"go.uber.org/zap"
)

var (
	// ErrUnroutable marks an envelope with no resolvable target, such as a
	// read receipt that does not name the original sender.
	ErrUnroutable = errors.New("unroutable envelope")
	// ErrResolveGroup wraps group membership lookup failures.
	ErrResolveGroup = errors.New("resolve group")
)

// Directory looks up the live connection of an identity. *registry.Registry
// satisfies it.
type Directory[C any] interface {
	Lookup(identity string) (C, bool)
}

// Target is one identity an envelope is addressed to. Echo marks the copy
// returned to the sender of a message.
type Target struct {
	Identity string
	Echo     bool
}

// Delivery pairs a target with its live connection.
type Delivery[C any] struct {
	Target   string
	Conn     C
	Envelope envelope.Envelope
	Echo     bool
}

// Router resolves envelopes to deliveries.
type Router[C any] struct {
	directory Directory[C]
	groups    groups.Resolver
	logger    *zap.Logger
}

// New creates a Router. resolver may be nil when no groups are served; group
// envelopes then fail with ErrResolveGroup.
func New[C any](directory Directory[C], resolver groups.Resolver, logger *zap.Logger) *Router[C] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router[C]{directory: directory, groups: resolver, logger: logger}
}

// Targets returns the identities env is addressed to, in delivery order,
// without consulting the registry.
func (r *Router[C]) Targets(ctx context.Context, env envelope.Envelope) ([]Target, error) {
	switch env.Kind {
	case envelope.KindMessage, envelope.KindTyping:
		echo := env.Kind == envelope.KindMessage
		if env.IsGroup() {
			return r.groupTargets(ctx, env, echo)
		}
		return directTargets(env, echo), nil
	case envelope.KindRead:
		if env.RecipientID == "" {
			return nil, fmt.Errorf("%w: read receipt for %s has no recipientId", ErrUnroutable, env.MessageID)
		}
		return []Target{{Identity: env.RecipientID}}, nil
	default:
		return nil, fmt.Errorf("%w: kind %q is not routed", ErrUnroutable, env.Kind)
	}
}

func directTargets(env envelope.Envelope, echo bool) []Target {
	if env.RecipientID == env.SenderID {
		// Messages to self are delivered once, as the echo; typing to self
		// goes nowhere.
		if echo {
			return []Target{{Identity: env.SenderID, Echo: true}}
		}
		return nil
	}
	targets := []Target{{Identity: env.RecipientID}}
	if echo {
		targets = append(targets, Target{Identity: env.SenderID, Echo: true})
	}
	return targets
}

func (r *Router[C]) groupTargets(ctx context.Context, env envelope.Envelope, echo bool) ([]Target, error) {
	if r.groups == nil {
		return nil, fmt.Errorf("%w %s: no group resolver configured", ErrResolveGroup, env.GroupID)
	}
	members, err := r.groups.Resolve(ctx, env.GroupID)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrResolveGroup, env.GroupID, err)
	}

	seen := make(map[string]struct{}, len(members))
	targets := make([]Target, 0, len(members)+1)
	for _, member := range members {
		if member == env.SenderID {
			continue
		}
		if _, dup := seen[member]; dup {
			continue
		}
		seen[member] = struct{}{}
		targets = append(targets, Target{Identity: member})
	}
	if echo {
		targets = append(targets, Target{Identity: env.SenderID, Echo: true})
	}
	return targets, nil
}

// Route resolves env to the live connections that should receive it.
// Targets that are not registered are skipped.
func (r *Router[C]) Route(ctx context.Context, env envelope.Envelope) ([]Delivery[C], error) {
	targets, err := r.Targets(ctx, env)
	if err != nil {
		return nil, err
	}

	deliveries := make([]Delivery[C], 0, len(targets))
	for _, target := range targets {
		conn, ok := r.directory.Lookup(target.Identity)
		if !ok {
			r.logger.Debug("target offline, skipping",
				zap.String("kind", string(env.Kind)),
				zap.String("target", target.Identity),
				zap.String("sender", env.SenderID))
			continue
		}
		deliveries = append(deliveries, Delivery[C]{
			Target:   target.Identity,
			Conn:     conn,
			Envelope: env,
			Echo:     target.Echo,
		})
	}
	return deliveries, nil
}
