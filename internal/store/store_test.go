package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func TestNewMessageValidate(t *testing.T) {
	valid := NewMessage{Content: "hi", SenderID: "alice", RecipientID: "bob"}
	require.NoError(t, valid.Validate())

	invalid := []NewMessage{
		{SenderID: "alice", RecipientID: "bob"},
		{Content: "hi", RecipientID: "bob"},
		{Content: "hi", SenderID: "alice"},
		{Content: "hi", SenderID: "alice", RecipientID: "bob", GroupID: "g1"},
	}
	for _, m := range invalid {
		assert.ErrorIs(t, m.Validate(), ErrInvalid, "%+v", m)
	}
}

func TestMemoryCreateAssignsIDs(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	a, err := s.CreateMessage(ctx, NewMessage{Content: "one", SenderID: "alice", RecipientID: "bob"})
	require.NoError(t, err)
	b, err := s.CreateMessage(ctx, NewMessage{Content: "two", SenderID: "alice", RecipientID: "bob"})
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestMemoryListConversations(t *testing.T) {
	s := NewMemory()
	s.now = fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	seed := []NewMessage{
		{Content: "a->b", SenderID: "alice", RecipientID: "bob"},
		{Content: "b->a", SenderID: "bob", RecipientID: "alice"},
		{Content: "a->c", SenderID: "alice", RecipientID: "carol"},
		{Content: "group", SenderID: "bob", GroupID: "g1"},
	}
	for _, m := range seed {
		_, err := s.CreateMessage(ctx, m)
		require.NoError(t, err)
	}

	contents := func(q Query) []string {
		t.Helper()
		msgs, err := s.ListMessages(ctx, q)
		require.NoError(t, err)
		out := make([]string, len(msgs))
		for i, m := range msgs {
			out[i] = m.Content
		}
		return out
	}

	assert.Equal(t, []string{"a->b", "b->a"}, contents(Query{UserID: "alice", PeerID: "bob"}))
	assert.Equal(t, []string{"a->b", "b->a", "a->c"}, contents(Query{UserID: "alice"}))
	assert.Equal(t, []string{"group"}, contents(Query{GroupID: "g1"}))
	assert.Empty(t, contents(Query{UserID: "dave"}))

	_, err := s.ListMessages(ctx, Query{})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("RELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELAY_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewPostgres(pool)
	require.NoError(t, s.EnsureSchema(ctx))

	sender := "pgtest-" + time.Now().Format("150405.000000")
	first, err := s.CreateMessage(ctx, NewMessage{Content: "hello", SenderID: sender, RecipientID: "bob"})
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, NewMessage{Content: "reply", SenderID: "bob", RecipientID: sender})
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, Query{UserID: sender, PeerID: "bob"})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.Equal(t, "reply", msgs[1].Content)
}
