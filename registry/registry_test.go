package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/chatmesh/chatmesh/bus"
	"github.com/chatmesh/chatmesh/common"
	"github.com/chatmesh/chatmesh/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func defineRegistryForTest(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup,
) (SessionRegistry, storage.SessionStore, bus.MessageBus) {
	assert := assert.New(t)
	store := storage.CreateMemorySessionStore(time.Minute)
	mbus := bus.GetMemoryBus(ctxt)
	tp, err := common.GetNewTaskProcessorInstance(ctxt, "unit-test", 16)
	assert.Nil(err)
	uut, err := DefineSessionRegistry(
		ctxt, tp, store, mbus, GetNoopPresenceNotifier(), "unit-test", "unit-test",
	)
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(wg))
	assert.Nil(uut.Start(wg))
	return uut, store, mbus
}

func TestRegistryLifecycleFlow(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()
	uut, store, _ := defineRegistryForTest(t, ctxt, &wg)

	userID := uuid.New().String()

	// Case 1: register records the session and flips presence online
	{
		assert.Nil(uut.ApplyLifecycleEvent(ctxt, common.SessionLifecycleEvent{
			Action:    common.SessionActionRegister,
			UserID:    userID,
			ServerID:  "node-1",
			Timestamp: time.Now().UTC(),
		}))
		serverID, err := store.GetSession(ctxt, userID)
		assert.Nil(err)
		assert.Equal("node-1", serverID)
		record, err := store.GetPresence(ctxt, userID)
		assert.Nil(err)
		assert.Equal(storage.PresenceOnline, record.Status)
	}

	// Case 2: matching unregister clears the session and flips presence offline
	{
		assert.Nil(uut.ApplyLifecycleEvent(ctxt, common.SessionLifecycleEvent{
			Action:    common.SessionActionUnregister,
			UserID:    userID,
			ServerID:  "node-1",
			Timestamp: time.Now().UTC(),
		}))
		_, err := store.GetSession(ctxt, userID)
		assert.Equal(common.ErrSessionNotFound, err)
		record, err := store.GetPresence(ctxt, userID)
		assert.Nil(err)
		assert.Equal(storage.PresenceOffline, record.Status)
	}

	// Case 3: unknown action is rejected
	{
		assert.NotNil(uut.ApplyLifecycleEvent(ctxt, common.SessionLifecycleEvent{
			Action:   "refresh",
			UserID:   userID,
			ServerID: "node-1",
		}))
	}
}

func TestRegistryStaleUnregisterFenced(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()
	uut, store, _ := defineRegistryForTest(t, ctxt, &wg)

	userID := uuid.New().String()

	// The user connected to node-1, dropped, and reconnected through node-2
	// before node-1 reported the disconnect
	assert.Nil(uut.ApplyLifecycleEvent(ctxt, common.SessionLifecycleEvent{
		Action: common.SessionActionRegister, UserID: userID, ServerID: "node-1",
	}))
	assert.Nil(uut.ApplyLifecycleEvent(ctxt, common.SessionLifecycleEvent{
		Action: common.SessionActionRegister, UserID: userID, ServerID: "node-2",
	}))
	assert.Nil(uut.ApplyLifecycleEvent(ctxt, common.SessionLifecycleEvent{
		Action: common.SessionActionUnregister, UserID: userID, ServerID: "node-1",
	}))

	// The stale unregister must not touch node-2's registration
	serverID, err := store.GetSession(ctxt, userID)
	assert.Nil(err)
	assert.Equal("node-2", serverID)
	record, err := store.GetPresence(ctxt, userID)
	assert.Nil(err)
	assert.Equal(storage.PresenceOnline, record.Status)
}

func TestRegistryAnswersLookups(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()
	uut, _, mbus := defineRegistryForTest(t, ctxt, &wg)

	responses := make(chan common.SessionLookupResponse, 8)
	assert.Nil(mbus.Subscribe(
		common.SubjectSessionLookupResponse, "",
		func(_ context.Context, _ string, msg []byte) error {
			var response common.SessionLookupResponse
			if err := json.Unmarshal(msg, &response); err != nil {
				return err
			}
			responses <- response
			return nil
		}, &wg,
	))

	userID := uuid.New().String()
	assert.Nil(uut.ApplyLifecycleEvent(ctxt, common.SessionLifecycleEvent{
		Action: common.SessionActionRegister, UserID: userID, ServerID: "node-1",
	}))

	// Case 1: hit
	{
		requestID := uuid.New().String()
		assert.Nil(uut.AnswerLookup(ctxt, common.SessionLookupRequest{
			UserID: userID, RequestID: requestID,
		}))
		select {
		case response := <-responses:
			assert.Equal(requestID, response.RequestID)
			assert.Equal(userID, response.UserID)
			assert.NotNil(response.ServerID)
			assert.Equal("node-1", *response.ServerID)
		case <-time.After(time.Second):
			assert.FailNow("no lookup response")
		}
	}

	// Case 2: miss is still answered, with a null serverId
	{
		requestID := uuid.New().String()
		assert.Nil(uut.AnswerLookup(ctxt, common.SessionLookupRequest{
			UserID: uuid.New().String(), RequestID: requestID,
		}))
		select {
		case response := <-responses:
			assert.Equal(requestID, response.RequestID)
			assert.Nil(response.ServerID)
		case <-time.After(time.Second):
			assert.FailNow("no lookup response")
		}
	}
}

func TestRegistryEndToEndOverBus(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()
	_, store, mbus := defineRegistryForTest(t, ctxt, &wg)

	userID := uuid.New().String()

	// Register via the bus as an edge node would
	event := common.SessionLifecycleEvent{
		Action:    common.SessionActionRegister,
		UserID:    userID,
		ServerID:  "node-1",
		Timestamp: time.Now().UTC(),
	}
	encoded, err := json.Marshal(&event)
	assert.Nil(err)
	assert.Nil(mbus.Publish(ctxt, common.SubjectSessionLifecycle, encoded))

	// The event flows through the subscription and the event loop
	assert.Eventually(func() bool {
		serverID, err := store.GetSession(ctxt, userID)
		return err == nil && serverID == "node-1"
	}, time.Second, time.Millisecond*10)

	// Malformed payloads are dropped without effect
	assert.Nil(mbus.Publish(ctxt, common.SubjectSessionLifecycle, []byte("not json")))
	time.Sleep(time.Millisecond * 50)
	serverID, err := store.GetSession(ctxt, userID)
	assert.Nil(err)
	assert.Equal("node-1", serverID)
}
