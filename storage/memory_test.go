package storage

import (
	"context"
	"testing"
	"time"

	"github.com/chatmesh/chatmesh/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMemorySessionStoreBasicOperation(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := CreateMemorySessionStore(time.Minute)
	defer func() {
		assert.Nil(uut.Close())
	}()

	userID := uuid.New().String()

	// Case 1: unknown user
	{
		_, err := uut.GetSession(ctxt, userID)
		assert.Equal(common.ErrSessionNotFound, err)
	}

	// Case 2: record and read back
	{
		assert.Nil(uut.RecordSession(ctxt, userID, "node-1"))
		serverID, err := uut.GetSession(ctxt, userID)
		assert.Nil(err)
		assert.Equal("node-1", serverID)
	}

	// Case 3: re-registration overwrites (last write wins)
	{
		assert.Nil(uut.RecordSession(ctxt, userID, "node-2"))
		serverID, err := uut.GetSession(ctxt, userID)
		assert.Nil(err)
		assert.Equal("node-2", serverID)
	}

	// Case 4: clear and verify gone
	{
		cleared, err := uut.ClearSession(ctxt, userID, "node-2")
		assert.Nil(err)
		assert.True(cleared)
		_, err = uut.GetSession(ctxt, userID)
		assert.Equal(common.ErrSessionNotFound, err)
	}
}

func TestMemorySessionStoreClearFence(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := CreateMemorySessionStore(time.Minute)
	defer func() {
		assert.Nil(uut.Close())
	}()

	userID := uuid.New().String()

	// The user reconnected through node-2 before node-1 reported the old
	// socket closing; the stale clear must not remove the new session
	assert.Nil(uut.RecordSession(ctxt, userID, "node-2"))
	cleared, err := uut.ClearSession(ctxt, userID, "node-1")
	assert.Nil(err)
	assert.False(cleared)

	serverID, err := uut.GetSession(ctxt, userID)
	assert.Nil(err)
	assert.Equal("node-2", serverID)

	// Clearing an absent session reports nothing removed
	cleared, err = uut.ClearSession(ctxt, uuid.New().String(), "node-1")
	assert.Nil(err)
	assert.False(cleared)
}

func TestMemorySessionStoreTTLExpiry(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := CreateMemorySessionStore(time.Millisecond * 50)
	defer func() {
		assert.Nil(uut.Close())
	}()

	userID := uuid.New().String()
	assert.Nil(uut.RecordSession(ctxt, userID, "node-1"))

	serverID, err := uut.GetSession(ctxt, userID)
	assert.Nil(err)
	assert.Equal("node-1", serverID)

	// An unrefreshed record reads as an implicit unregister
	time.Sleep(time.Millisecond * 75)
	_, err = uut.GetSession(ctxt, userID)
	assert.Equal(common.ErrSessionNotFound, err)

	// A refresh restarts the TTL
	assert.Nil(uut.RecordSession(ctxt, userID, "node-1"))
	time.Sleep(time.Millisecond * 30)
	assert.Nil(uut.RecordSession(ctxt, userID, "node-1"))
	time.Sleep(time.Millisecond * 30)
	serverID, err = uut.GetSession(ctxt, userID)
	assert.Nil(err)
	assert.Equal("node-1", serverID)
}

func TestMemorySessionStorePresence(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut := CreateMemorySessionStore(time.Minute)
	defer func() {
		assert.Nil(uut.Close())
	}()

	userID := uuid.New().String()

	// Unknown users read as offline
	record, err := uut.GetPresence(ctxt, userID)
	assert.Nil(err)
	assert.Equal(PresenceOffline, record.Status)

	timestamp := time.Now().UTC()
	assert.Nil(uut.SetPresence(ctxt, userID, PresenceOnline, timestamp))
	record, err = uut.GetPresence(ctxt, userID)
	assert.Nil(err)
	assert.Equal(PresenceOnline, record.Status)
	assert.Equal(timestamp, record.LastSeen.UTC())
}
