package edge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionTable(t *testing.T) {
	assert := assert.New(t)

	uut := GetConnectionTable()
	assert.Equal(0, uut.Count())

	conn1 := newTestConnection("alice")
	assert.Nil(uut.Put(conn1))
	assert.Equal(1, uut.Count())

	fetched, ok := uut.Get("alice")
	assert.True(ok)
	assert.Equal(conn1, fetched)

	// Re-inserting the same connection displaces nothing
	assert.Nil(uut.Put(conn1))

	// A new connection for the same user displaces the old one
	conn2 := newTestConnection("alice")
	displaced := uut.Put(conn2)
	assert.Equal(conn1, displaced)
	assert.Equal(1, uut.Count())

	// The displaced connection cannot evict its replacement
	assert.False(uut.Remove("alice", conn1))
	assert.Equal(1, uut.Count())

	// The current connection can
	assert.True(uut.Remove("alice", conn2))
	assert.Equal(0, uut.Count())

	// Removing an absent user is a no-op
	assert.False(uut.Remove("alice", conn2))

	conn3 := newTestConnection("bob")
	assert.Nil(uut.Put(conn3))
	snapshot := uut.Snapshot()
	assert.Len(snapshot, 1)
	assert.Equal("bob", snapshot[0].UserID())
}
