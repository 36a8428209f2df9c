package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct{ name string }

func TestRegisterAndLookup(t *testing.T) {
	reg := New[*fakeConn]()
	conn := &fakeConn{name: "a1"}

	prev, replaced := reg.Register("alice", conn)
	assert.False(t, replaced)
	assert.Nil(t, prev)

	got, ok := reg.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, conn, got)

	_, ok = reg.Lookup("bob")
	assert.False(t, ok)
}

func TestRegisterSameConnectionTwice(t *testing.T) {
	reg := New[*fakeConn]()
	conn := &fakeConn{name: "a1"}

	reg.Register("alice", conn)
	_, replaced := reg.Register("alice", conn)

	assert.False(t, replaced)
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, []string{"alice"}, reg.Snapshot())
}

func TestRegisterReplacesPrevious(t *testing.T) {
	reg := New[*fakeConn]()
	first := &fakeConn{name: "a1"}
	second := &fakeConn{name: "a2"}

	reg.Register("alice", first)
	prev, replaced := reg.Register("alice", second)

	require.True(t, replaced)
	assert.Same(t, first, prev)

	got, ok := reg.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestUnregisterOnlyRemovesMatchingConnection(t *testing.T) {
	reg := New[*fakeConn]()
	first := &fakeConn{name: "a1"}
	second := &fakeConn{name: "a2"}

	reg.Register("alice", first)
	reg.Register("alice", second)

	// The orphaned connection closing must not evict the newer one.
	assert.False(t, reg.Unregister("alice", first))
	got, ok := reg.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.True(t, reg.Unregister("alice", second))
	_, ok = reg.Lookup("alice")
	assert.False(t, ok)
	assert.False(t, reg.Unregister("alice", second))
}

func TestSnapshotSorted(t *testing.T) {
	reg := New[*fakeConn]()
	for _, id := range []string{"carol", "alice", "bob"} {
		reg.Register(id, &fakeConn{name: id})
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, reg.Snapshot())
}

func TestConcurrentAccess(t *testing.T) {
	reg := New[*fakeConn]()
	const workers = 32

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("user-%d", i%8)
			conn := &fakeConn{name: fmt.Sprintf("c%d", i)}
			reg.Register(id, conn)
			reg.Lookup(id)
			reg.Snapshot()
			reg.Unregister(id, conn)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, reg.Len(), 8)
}
