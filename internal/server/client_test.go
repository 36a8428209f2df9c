package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newDetachedClient(t *testing.T, buffer int) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SendBuffer = buffer
	relay := NewRelay(cfg, nil, WithLogger(zaptest.NewLogger(t)))
	return newClient(nil, relay, "test", "")
}

func TestClientSendQueuesWithoutBlocking(t *testing.T) {
	c := newDetachedClient(t, 2)

	require.NoError(t, c.Send([]byte("one")))
	require.NoError(t, c.Send([]byte("two")))
	assert.ErrorIs(t, c.Send([]byte("three")), ErrSendBufferFull)

	assert.Equal(t, []byte("one"), <-c.send)
	assert.NoError(t, c.Send([]byte("three")))
}

func TestClientSendAfterClose(t *testing.T) {
	c := newDetachedClient(t, 1)
	c.close()
	c.close()

	assert.ErrorIs(t, c.Send([]byte("late")), ErrClientClosed)
}

func TestClientInitialState(t *testing.T) {
	c := newDetachedClient(t, 1)

	assert.Equal(t, StateConnecting, c.state)
	assert.NotEmpty(t, c.ID())
	assert.Contains(t, c.String(), c.ID())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}
