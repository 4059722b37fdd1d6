package edge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/chatmesh/chatmesh/bus"
	"github.com/chatmesh/chatmesh/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// testClientConnection ClientConnection capturing frames for assertions
type testClientConnection struct {
	userID string
	lock   sync.Mutex
	frames []interface{}
	closed bool
}

func newTestConnection(userID string) *testClientConnection {
	return &testClientConnection{userID: userID}
}

func (c *testClientConnection) UserID() string {
	return c.userID
}

func (c *testClientConnection) SendFrame(frame interface{}) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *testClientConnection) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
	return nil
}

func (c *testClientConnection) sentFrames() []interface{} {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([]interface{}, len(c.frames))
	copy(result, c.frames)
	return result
}

func (c *testClientConnection) wasClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

func collectLifecycleEvents(
	t *testing.T,
	ctxt context.Context,
	mbus bus.MessageBus,
	wg *sync.WaitGroup,
) chan common.SessionLifecycleEvent {
	assert := assert.New(t)
	events := make(chan common.SessionLifecycleEvent, 16)
	assert.Nil(mbus.Subscribe(
		common.SubjectSessionLifecycle, "",
		func(_ context.Context, _ string, msg []byte) error {
			var event common.SessionLifecycleEvent
			if err := json.Unmarshal(msg, &event); err != nil {
				return err
			}
			events <- event
			return nil
		}, wg,
	))
	return events
}

func TestEdgeNodeConnectionLifecycle(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()
	mbus := bus.GetMemoryBus(ctxt)
	events := collectLifecycleEvents(t, ctxt, mbus, &wg)

	uut, err := DefineEdgeNode(ctxt, "node-1", mbus, time.Hour, &wg)
	assert.Nil(err)
	assert.Nil(uut.Start(&wg))

	userID := uuid.New().String()
	conn := newTestConnection(userID)

	// Case 1: accept registers the connection
	{
		assert.Nil(uut.Accept(ctxt, conn))
		assert.Equal(1, uut.Connections().Count())
		select {
		case event := <-events:
			assert.Equal(common.SessionActionRegister, event.Action)
			assert.Equal(userID, event.UserID)
			assert.Equal("node-1", event.ServerID)
		case <-time.After(time.Second):
			assert.FailNow("no register event")
		}
	}

	// Case 2: a second connection for the same user displaces the first
	replacement := newTestConnection(userID)
	{
		assert.Nil(uut.Accept(ctxt, replacement))
		assert.Equal(1, uut.Connections().Count())
		assert.True(conn.wasClosed())
		select {
		case event := <-events:
			assert.Equal(common.SessionActionRegister, event.Action)
		case <-time.After(time.Second):
			assert.FailNow("no register event")
		}
	}

	// Case 3: the displaced connection closing late must not unregister the
	// replacement
	{
		uut.Disconnect(ctxt, conn)
		assert.Equal(1, uut.Connections().Count())
		select {
		case <-events:
			assert.FailNow("stale disconnect published an event")
		case <-time.After(time.Millisecond * 50):
		}
	}

	// Case 4: the live connection disconnecting unregisters
	{
		uut.Disconnect(ctxt, replacement)
		assert.Equal(0, uut.Connections().Count())
		select {
		case event := <-events:
			assert.Equal(common.SessionActionUnregister, event.Action)
			assert.Equal(userID, event.UserID)
			assert.Equal("node-1", event.ServerID)
		case <-time.After(time.Second):
			assert.FailNow("no unregister event")
		}
	}
}

func TestEdgeNodeInboundFrames(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()
	mbus := bus.GetMemoryBus(ctxt)

	forwards := make(chan common.ChatForwardEvent, 16)
	assert.Nil(mbus.Subscribe(
		common.SubjectChatForward, "",
		func(_ context.Context, _ string, msg []byte) error {
			var event common.ChatForwardEvent
			if err := json.Unmarshal(msg, &event); err != nil {
				return err
			}
			forwards <- event
			return nil
		}, &wg,
	))

	uut, err := DefineEdgeNode(ctxt, "node-1", mbus, time.Hour, &wg)
	assert.Nil(err)
	assert.Nil(uut.Start(&wg))

	userID := uuid.New().String()
	conn := newTestConnection(userID)
	assert.Nil(uut.Accept(ctxt, conn))

	// Case 1: valid frame is forwarded with the sender filled in
	{
		frame, err := json.Marshal(InboundFrame{
			Type: FrameTypeChat, ReceiverID: "bob", Content: "hello",
		})
		assert.Nil(err)
		uut.HandleInbound(ctxt, conn, frame)
		select {
		case event := <-forwards:
			assert.Equal(userID, event.SenderID)
			assert.Equal("bob", event.ReceiverID)
			assert.Equal("hello", event.Content)
		case <-time.After(time.Second):
			assert.FailNow("no forwarded payload")
		}
	}

	// Case 2: frame missing required fields is dropped with an error notice
	{
		uut.HandleInbound(ctxt, conn, []byte(`{"type":"chat","content":"no receiver"}`))
		select {
		case <-forwards:
			assert.FailNow("malformed frame was forwarded")
		case <-time.After(time.Millisecond * 50):
		}
		frames := conn.sentFrames()
		assert.NotEmpty(frames)
		_, isError := frames[len(frames)-1].(ErrorFrame)
		assert.True(isError)
	}

	// Case 3: unparsable payload is dropped
	{
		uut.HandleInbound(ctxt, conn, []byte("not json"))
		select {
		case <-forwards:
			assert.FailNow("unparsable frame was forwarded")
		case <-time.After(time.Millisecond * 50):
		}
	}
}

func TestEdgeNodeTargetedDelivery(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()
	mbus := bus.GetMemoryBus(ctxt)

	uut, err := DefineEdgeNode(ctxt, "node-1", mbus, time.Hour, &wg)
	assert.Nil(err)
	assert.Nil(uut.Start(&wg))

	userID := uuid.New().String()
	conn := newTestConnection(userID)
	assert.Nil(uut.Accept(ctxt, conn))

	// Case 1: a delivery event for a local user lands on its socket
	{
		frame, err := json.Marshal(NewErrorFrame("test payload"))
		assert.Nil(err)
		delivery := common.NodeDeliveryEvent{TargetUserID: userID, Frame: frame}
		encoded, err := json.Marshal(&delivery)
		assert.Nil(err)
		assert.Nil(mbus.Publish(ctxt, common.NodeDeliverySubject("node-1"), encoded))

		assert.Eventually(func() bool {
			return len(conn.sentFrames()) > 0
		}, time.Second, time.Millisecond*10)
	}

	// Case 2: a delivery event for an absent user is dropped quietly
	{
		delivery := common.NodeDeliveryEvent{
			TargetUserID: uuid.New().String(), Frame: []byte(`{}`),
		}
		encoded, err := json.Marshal(&delivery)
		assert.Nil(err)
		assert.Nil(mbus.Publish(ctxt, common.NodeDeliverySubject("node-1"), encoded))
		time.Sleep(time.Millisecond * 50)
	}
}
