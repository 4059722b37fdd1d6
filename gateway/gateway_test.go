package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/chatmesh/chatmesh/bus"
	"github.com/chatmesh/chatmesh/common"
	"github.com/chatmesh/chatmesh/edge"
	"github.com/chatmesh/chatmesh/locator"
	"github.com/chatmesh/chatmesh/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// testClientConnection ClientConnection capturing frames for assertions
type testClientConnection struct {
	userID string
	lock   sync.Mutex
	frames []interface{}
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
	return nil
}

func (c *testClientConnection) chatFrames() []edge.ChatFrame {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := []edge.ChatFrame{}
	for _, frame := range c.frames {
		if chat, ok := frame.(edge.ChatFrame); ok {
			result = append(result, chat)
		}
	}
	return result
}

func (c *testClientConnection) presenceFrames() []edge.PresenceFrame {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := []edge.PresenceFrame{}
	for _, frame := range c.frames {
		if presence, ok := frame.(edge.PresenceFrame); ok {
			result = append(result, presence)
		}
	}
	return result
}

func (c *testClientConnection) rawFrames() []json.RawMessage {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := []json.RawMessage{}
	for _, frame := range c.frames {
		if raw, ok := frame.(json.RawMessage); ok {
			result = append(result, raw)
		}
	}
	return result
}

type gatewayTestEnv struct {
	uut      DeliveryGateway
	mbus     bus.MessageBus
	messages storage.MessageStore
	groups   *MemoryGroupDirectory
}

func defineGatewayForTest(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup, lookupTimeout time.Duration,
) gatewayTestEnv {
	assert := assert.New(t)
	mbus := bus.GetMemoryBus(ctxt)
	node, err := edge.DefineEdgeNode(ctxt, "gw-1", mbus, time.Hour, wg)
	assert.Nil(err)
	locate, err := locator.DefineSessionLocator(mbus, "gw-1", lookupTimeout)
	assert.Nil(err)
	assert.Nil(locate.Start(wg))
	messages := storage.CreateMemoryMessageStore()
	groups := GetMemoryGroupDirectory()
	uut, err := DefineDeliveryGateway(node, mbus, messages, groups, locate, "unit-test")
	assert.Nil(err)
	assert.Nil(uut.Start(wg))
	return gatewayTestEnv{uut: uut, mbus: mbus, messages: messages, groups: groups}
}

func TestGatewayLocalFastPath(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()
	env := defineGatewayForTest(t, ctxt, &wg, time.Millisecond*100)

	sender := newTestConnection(uuid.New().String())
	receiver := newTestConnection(uuid.New().String())
	assert.Nil(env.uut.Accept(ctxt, sender))
	assert.Nil(env.uut.Accept(ctxt, receiver))

	// Both parties local: stored Delivered, copy pushed to the receiver
	stored, err := env.uut.DeliverChat(ctxt, common.ChatForwardEvent{
		SenderID:   sender.UserID(),
		ReceiverID: receiver.UserID(),
		Content:    "hello",
		Timestamp:  time.Now().UTC(),
	})
	assert.Nil(err)
	assert.Equal(storage.MessageStatusDelivered, stored.Status)
	assert.NotNil(stored.DeliveredAt)

	received := receiver.chatFrames()
	assert.Len(received, 1)
	assert.Equal(stored.ID, received[0].Data.ID)
	assert.Equal("hello", received[0].Data.Content)
	assert.Equal(storage.MessageStatusDelivered, received[0].Data.Status)

	// The row in the store matches what was pushed
	fetched, err := env.messages.GetMessage(ctxt, stored.ID)
	assert.Nil(err)
	assert.Equal(storage.MessageStatusDelivered, fetched.Status)
}

func TestGatewayReceiverAbsent(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()
	// No registry is answering; locating the receiver times out
	env := defineGatewayForTest(t, ctxt, &wg, time.Millisecond*50)

	sender := newTestConnection(uuid.New().String())
	assert.Nil(env.uut.Accept(ctxt, sender))

	stored, err := env.uut.DeliverChat(ctxt, common.ChatForwardEvent{
		SenderID:   sender.UserID(),
		ReceiverID: uuid.New().String(),
		Content:    "hello?",
		Timestamp:  time.Now().UTC(),
	})
	assert.Nil(err)

	// The row is persisted Pending and stays that way
	assert.Equal(storage.MessageStatusPending, stored.Status)
	assert.Nil(stored.DeliveredAt)
	fetched, err := env.messages.GetMessage(ctxt, stored.ID)
	assert.Nil(err)
	assert.Equal(storage.MessageStatusPending, fetched.Status)
}

func TestGatewayRemoteForward(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()
	env := defineGatewayForTest(t, ctxt, &wg, time.Second)

	receiverID := uuid.New().String()

	// Fake registry placing the receiver on node-9
	assert.Nil(env.mbus.Subscribe(
		common.SubjectSessionLookupRequest, "",
		func(_ context.Context, _ string, msg []byte) error {
			var request common.SessionLookupRequest
			if err := json.Unmarshal(msg, &request); err != nil {
				return err
			}
			serverID := "node-9"
			response := common.SessionLookupResponse{
				UserID: request.UserID, ServerID: &serverID, RequestID: request.RequestID,
			}
			encoded, err := json.Marshal(&response)
			if err != nil {
				return err
			}
			return env.mbus.Publish(ctxt, common.SubjectSessionLookupResponse, encoded)
		}, &wg,
	))

	deliveries := make(chan common.NodeDeliveryEvent, 8)
	assert.Nil(env.mbus.Subscribe(
		common.NodeDeliverySubject("node-9"), "",
		func(_ context.Context, _ string, msg []byte) error {
			var event common.NodeDeliveryEvent
			if err := json.Unmarshal(msg, &event); err != nil {
				return err
			}
			deliveries <- event
			return nil
		}, &wg,
	))

	stored, err := env.uut.DeliverChat(ctxt, common.ChatForwardEvent{
		SenderID:   uuid.New().String(),
		ReceiverID: receiverID,
		Content:    "over there",
		Timestamp:  time.Now().UTC(),
	})
	assert.Nil(err)

	// Forwarded toward node-9 with the stored row pre-encoded as a chat frame
	select {
	case delivery := <-deliveries:
		assert.Equal(receiverID, delivery.TargetUserID)
		var frame edge.ChatFrame
		assert.Nil(json.Unmarshal(delivery.Frame, &frame))
		assert.Equal(edge.FrameTypeChat, frame.Type)
		assert.Equal(stored.ID, frame.Data.ID)
	case <-time.After(time.Second):
		assert.FailNow("no targeted delivery published")
	}

	// No delivery ack exists, so the row stays Pending
	assert.Equal(storage.MessageStatusPending, stored.Status)
}

func TestGatewayInboundAcksSender(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()
	env := defineGatewayForTest(t, ctxt, &wg, time.Millisecond*50)

	sender := newTestConnection(uuid.New().String())
	receiver := newTestConnection(uuid.New().String())
	assert.Nil(env.uut.Accept(ctxt, sender))
	assert.Nil(env.uut.Accept(ctxt, receiver))

	frame, err := json.Marshal(edge.InboundFrame{
		Type: edge.FrameTypeChat, ReceiverID: receiver.UserID(), Content: "hi",
	})
	assert.Nil(err)
	env.uut.HandleInbound(ctxt, sender, frame)

	// The sender's ack carries the stored row
	acks := sender.chatFrames()
	assert.Len(acks, 1)
	assert.Equal(storage.MessageStatusDelivered, acks[0].Data.Status)
	assert.Equal("hi", acks[0].Data.Content)

	// Malformed frames are answered with an error, nothing stored
	env.uut.HandleInbound(ctxt, sender, []byte(`{"type":"chat"}`))
	assert.Len(sender.chatFrames(), 1)
}

func TestGatewayPresenceBroadcast(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()
	env := defineGatewayForTest(t, ctxt, &wg, time.Millisecond*50)

	watcher := newTestConnection(uuid.New().String())
	assert.Nil(env.uut.Accept(ctxt, watcher))

	// A new connection is announced to everyone local
	other := newTestConnection(uuid.New().String())
	assert.Nil(env.uut.Accept(ctxt, other))
	assert.Eventually(func() bool {
		for _, frame := range watcher.presenceFrames() {
			if frame.UserID == other.UserID() && frame.Status == string(storage.PresenceOnline) {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond*10)

	// So is a departure
	env.uut.Disconnect(ctxt, other)
	assert.Eventually(func() bool {
		for _, frame := range watcher.presenceFrames() {
			if frame.UserID == other.UserID() && frame.Status == string(storage.PresenceOffline) {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond*10)
}

func TestGatewayGroupFanOut(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		wg.Wait()
	}()
	env := defineGatewayForTest(t, ctxt, &wg, time.Millisecond*50)

	member := newTestConnection(uuid.New().String())
	outsider := newTestConnection(uuid.New().String())
	assert.Nil(env.uut.Accept(ctxt, member))
	assert.Nil(env.uut.Accept(ctxt, outsider))

	groupID := uuid.New().String()
	env.groups.SetMembers(groupID, []string{member.UserID(), uuid.New().String()})

	payload := map[string]string{"event": "member-joined", "groupId": groupID}
	assert.Nil(env.uut.NotifyGroup(ctxt, groupID, payload))

	// The locally connected member receives the payload via the bus round trip
	assert.Eventually(func() bool {
		return len(member.rawFrames()) > 0
	}, time.Second, time.Millisecond*10)

	var decoded map[string]string
	assert.Nil(json.Unmarshal(member.rawFrames()[0], &decoded))
	assert.Equal("member-joined", decoded["event"])

	// Exactly once despite publisher and subscriber being the same process
	time.Sleep(time.Millisecond * 100)
	assert.Len(member.rawFrames(), 1)

	// The non-member connection sees nothing
	assert.Empty(outsider.rawFrames())
}
