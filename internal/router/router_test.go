package router

import (
	"context"
	"errors"
	"testing"

	"github.com/Tyrowin/relaychat/internal/envelope"
	"github.com/Tyrowin/relaychat/internal/groups"
	"github.com/Tyrowin/relaychat/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type conn struct{ id string }

func newFixture(t *testing.T, online ...string) (*Router[*conn], map[string]*conn, *groups.Static) {
	t.Helper()
	reg := registry.New[*conn]()
	conns := make(map[string]*conn, len(online))
	for _, id := range online {
		c := &conn{id: id}
		conns[id] = c
		reg.Register(id, c)
	}
	static := groups.NewStatic(map[string][]string{
		"g1": {"alice", "bob", "carol"},
	})
	return New[*conn](reg, static, zaptest.NewLogger(t)), conns, static
}

func targetsOf(deliveries []Delivery[*conn]) []Target {
	out := make([]Target, len(deliveries))
	for i, d := range deliveries {
		out[i] = Target{Identity: d.Target, Echo: d.Echo}
	}
	return out
}

func TestDirectMessageDeliveredAndEchoed(t *testing.T) {
	r, conns, _ := newFixture(t, "alice", "bob", "carol")
	env := envelope.Envelope{Kind: envelope.KindMessage, SenderID: "alice", RecipientID: "bob", MessageID: "m1"}

	deliveries, err := r.Route(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, []Target{{Identity: "bob"}, {Identity: "alice", Echo: true}}, targetsOf(deliveries))
	assert.Same(t, conns["bob"], deliveries[0].Conn)
	assert.Same(t, conns["alice"], deliveries[1].Conn)
	for _, d := range deliveries {
		assert.Equal(t, env, d.Envelope)
	}
}

func TestDirectTypingNotEchoed(t *testing.T) {
	r, _, _ := newFixture(t, "alice", "bob")
	env := envelope.Envelope{Kind: envelope.KindTyping, SenderID: "alice", RecipientID: "bob", Typing: envelope.Bool(true)}

	deliveries, err := r.Route(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, []Target{{Identity: "bob"}}, targetsOf(deliveries))
}

func TestGroupMessageFanOut(t *testing.T) {
	r, _, _ := newFixture(t, "alice", "bob", "carol", "dave")
	env := envelope.Envelope{Kind: envelope.KindMessage, SenderID: "alice", GroupID: "g1", MessageID: "m2"}

	deliveries, err := r.Route(context.Background(), env)
	require.NoError(t, err)

	// dave is online but not a member.
	assert.Equal(t, []Target{
		{Identity: "bob"},
		{Identity: "carol"},
		{Identity: "alice", Echo: true},
	}, targetsOf(deliveries))
}

func TestGroupTypingExcludesSender(t *testing.T) {
	r, _, _ := newFixture(t, "alice", "bob", "carol")
	env := envelope.Envelope{Kind: envelope.KindTyping, SenderID: "bob", GroupID: "g1", Typing: envelope.Bool(true)}

	deliveries, err := r.Route(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, []Target{{Identity: "alice"}, {Identity: "carol"}}, targetsOf(deliveries))
}

func TestGroupMembersDeduplicated(t *testing.T) {
	r, _, static := newFixture(t, "alice", "bob")
	static.Set("dup", "bob", "alice", "bob")
	env := envelope.Envelope{Kind: envelope.KindMessage, SenderID: "alice", GroupID: "dup"}

	deliveries, err := r.Route(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, []Target{{Identity: "bob"}, {Identity: "alice", Echo: true}}, targetsOf(deliveries))
}

func TestReadRoutedToOriginalSender(t *testing.T) {
	r, _, _ := newFixture(t, "alice", "bob")
	env := envelope.Envelope{Kind: envelope.KindRead, SenderID: "bob", RecipientID: "alice", MessageID: "m1"}

	deliveries, err := r.Route(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, []Target{{Identity: "alice"}}, targetsOf(deliveries))
}

func TestReadWithoutRecipientUnroutable(t *testing.T) {
	r, _, _ := newFixture(t, "alice", "bob")
	env := envelope.Envelope{Kind: envelope.KindRead, SenderID: "bob", MessageID: "m1"}

	deliveries, err := r.Route(context.Background(), env)
	assert.ErrorIs(t, err, ErrUnroutable)
	assert.Empty(t, deliveries)
}

func TestOfflineTargetSkipped(t *testing.T) {
	r, _, _ := newFixture(t, "alice")
	env := envelope.Envelope{Kind: envelope.KindMessage, SenderID: "alice", RecipientID: "carol"}

	targets, err := r.Targets(context.Background(), env)
	require.NoError(t, err)
	assert.Len(t, targets, 2)

	deliveries, err := r.Route(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, []Target{{Identity: "alice", Echo: true}}, targetsOf(deliveries))
}

func TestSelfMessageDeliveredOnce(t *testing.T) {
	r, _, _ := newFixture(t, "alice")
	env := envelope.Envelope{Kind: envelope.KindMessage, SenderID: "alice", RecipientID: "alice"}

	deliveries, err := r.Route(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, []Target{{Identity: "alice", Echo: true}}, targetsOf(deliveries))
}

func TestGroupResolverFailure(t *testing.T) {
	reg := registry.New[*conn]()
	failing := groups.ResolverFunc(func(context.Context, string) ([]string, error) {
		return nil, errors.New("redis unavailable")
	})
	r := New[*conn](reg, failing, nil)

	_, err := r.Route(context.Background(), envelope.Envelope{Kind: envelope.KindMessage, SenderID: "alice", GroupID: "g1"})
	assert.ErrorIs(t, err, ErrResolveGroup)

	r = New[*conn](reg, nil, nil)
	_, err = r.Route(context.Background(), envelope.Envelope{Kind: envelope.KindMessage, SenderID: "alice", GroupID: "g1"})
	assert.ErrorIs(t, err, ErrResolveGroup)
}

func TestAuthIsNotRouted(t *testing.T) {
	r, _, _ := newFixture(t, "alice")
	_, err := r.Route(context.Background(), envelope.Envelope{Kind: envelope.KindAuth, SenderID: "alice"})
	assert.ErrorIs(t, err, ErrUnroutable)
}
