// Copyright 2024 The chatmesh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/bus"
	"github.com/chatmesh/chatmesh/common"
	"github.com/chatmesh/chatmesh/edge"
	"github.com/chatmesh/chatmesh/locator"
	"github.com/chatmesh/chatmesh/storage"
	"github.com/go-playground/validator/v10"
)

// DeliveryGateway the edge node variant that also owns message persistence,
// same-process fast-path delivery, presence broadcast, and group fan-out.
//
// It doubles as the platform's persistence / routing consumer: chat payloads
// forwarded by plain edge nodes land here, get their Message row, and are
// routed onward to whichever node holds the receiver.
type DeliveryGateway interface {
	edge.SessionHandler
	// ServerID this gateway's identity in session records
	ServerID() string
	// Connections this gateway's live connection table
	Connections() edge.ConnectionTable
	// Start begin the edge node loops plus the routing and group fan-out consumers
	Start(wg *sync.WaitGroup) error
	// DeliverChat persist one chat payload and deliver it as far as the
	// receiver's location allows
	DeliverChat(ctxt context.Context, event common.ChatForwardEvent) (storage.Message, error)
	// NotifyGroup fan a membership-change notification out to the group's
	// members on every node
	NotifyGroup(ctxt context.Context, groupID string, payload interface{}) error
}

// deliveryGatewayImpl implements DeliveryGateway
type deliveryGatewayImpl struct {
	common.Component
	node              edge.Node
	mbus              bus.MessageBus
	messages          storage.MessageStore
	groups            GroupDirectory
	locate            locator.SessionLocator
	forwardQueueGroup string
	validate          *validator.Validate
}

// DefineDeliveryGateway create a DeliveryGateway wrapped around an edge node
func DefineDeliveryGateway(
	node edge.Node,
	mbus bus.MessageBus,
	messages storage.MessageStore,
	groups GroupDirectory,
	locate locator.SessionLocator,
	forwardQueueGroup string,
) (DeliveryGateway, error) {
	logTags := log.Fields{
		"module":    "gateway",
		"component": "delivery-gateway",
		"instance":  node.ServerID(),
	}
	return &deliveryGatewayImpl{
		Component:         common.Component{LogTags: logTags},
		node:              node,
		mbus:              mbus,
		messages:          messages,
		groups:            groups,
		locate:            locate,
		forwardQueueGroup: forwardQueueGroup,
		validate:          validator.New(),
	}, nil
}

// ServerID this gateway's identity in session records
func (g *deliveryGatewayImpl) ServerID() string {
	return g.node.ServerID()
}

// Connections this gateway's live connection table
func (g *deliveryGatewayImpl) Connections() edge.ConnectionTable {
	return g.node.Connections()
}

// Start begin the edge node loops plus the routing and group fan-out consumers
func (g *deliveryGatewayImpl) Start(wg *sync.WaitGroup) error {
	if err := g.node.Start(wg); err != nil {
		return err
	}
	// Forwarded chat payloads are split across gateway instances
	if err := g.mbus.Subscribe(
		common.SubjectChatForward, g.forwardQueueGroup, g.receiveChatForward, wg,
	); err != nil {
		return err
	}
	// Group notifications reach every gateway; each serves its own locals
	return g.mbus.Subscribe(
		common.SubjectGroupNotify, "", g.receiveGroupNotify, wg,
	)
}

// Accept take ownership of a newly connected client and announce the
// presence change to every client local to this node
func (g *deliveryGatewayImpl) Accept(ctxt context.Context, conn edge.ClientConnection) error {
	if err := g.node.Accept(ctxt, conn); err != nil {
		return err
	}
	g.broadcastLocal(edge.NewPresenceFrame(conn.UserID(), storage.PresenceOnline))
	return nil
}

// Disconnect release a client whose socket closed and announce the presence
// change to the remaining local clients
func (g *deliveryGatewayImpl) Disconnect(ctxt context.Context, conn edge.ClientConnection) {
	g.node.Disconnect(ctxt, conn)
	// A displaced connection closing late leaves the user connected; only a
	// true departure is broadcast
	if _, stillConnected := g.Connections().Get(conn.UserID()); !stillConnected {
		g.broadcastLocal(edge.NewPresenceFrame(conn.UserID(), storage.PresenceOffline))
	}
}

// HandleInbound process one raw inbound frame from a local client.
//
// Unlike the plain edge node, the gateway short-circuits the bus: the payload
// is persisted and delivered here, and the sender is acked with the stored
// message.
func (g *deliveryGatewayImpl) HandleInbound(
	ctxt context.Context, conn edge.ClientConnection, payload []byte,
) {
	var frame edge.InboundFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		g.dropMalformed(conn, err)
		return
	}
	if err := g.validate.Struct(&frame); err != nil {
		g.dropMalformed(conn, err)
		return
	}
	event := common.ChatForwardEvent{
		SenderID:   conn.UserID(),
		ReceiverID: frame.ReceiverID,
		Content:    frame.Content,
		Timestamp:  time.Now().UTC(),
	}
	stored, err := g.DeliverChat(ctxt, event)
	if err != nil {
		if err := conn.SendFrame(edge.NewErrorFrame("failed to store message")); err != nil {
			log.WithError(err).WithFields(g.LogTags).Debugf(
				"Could not notify %s of persistence failure", conn.UserID(),
			)
		}
		return
	}
	// The sender's ack carries the stored row, delivery status included
	if err := conn.SendFrame(edge.NewChatFrame(stored)); err != nil {
		log.WithError(err).WithFields(g.LogTags).Debugf(
			"Could not ack sender %s", conn.UserID(),
		)
	}
}

// dropMalformed drop a payload failing the frame schema
func (g *deliveryGatewayImpl) dropMalformed(conn edge.ClientConnection, cause error) {
	log.WithError(cause).WithFields(g.LogTags).Warnf(
		"Dropped malformed frame from %s", conn.UserID(),
	)
	if err := conn.SendFrame(edge.NewErrorFrame("receiverId and content are required")); err != nil {
		log.WithError(err).WithFields(g.LogTags).Debugf(
			"Could not notify %s of dropped frame", conn.UserID(),
		)
	}
}

// DeliverChat persist one chat payload and deliver it as far as the
// receiver's location allows.
//
// Exactly one Message row comes out of every call. A receiver on this node
// gets the copy pushed immediately and the row lands Delivered; any other
// outcome leaves the row Pending with no re-delivery trigger; the receiver
// recovers history through the CRUD service on reconnect.
func (g *deliveryGatewayImpl) DeliverChat(
	ctxt context.Context, event common.ChatForwardEvent,
) (storage.Message, error) {
	message := storage.Message{
		SenderID:   event.SenderID,
		ReceiverID: event.ReceiverID,
		Content:    event.Content,
		Status:     storage.MessageStatusPending,
		CreatedAt:  event.Timestamp,
	}

	receiverConn, receiverLocal := g.Connections().Get(event.ReceiverID)
	if receiverLocal {
		now := time.Now().UTC()
		message.Status = storage.MessageStatusDelivered
		message.DeliveredAt = &now
	}

	stored, err := g.messages.CreateMessage(ctxt, message)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf(
			"Failed to persist chat %s ==> %s", event.SenderID, event.ReceiverID,
		)
		return storage.Message{}, err
	}

	if receiverLocal {
		if err := receiverConn.SendFrame(edge.NewChatFrame(stored)); err != nil {
			log.WithError(err).WithFields(g.LogTags).Errorf(
				"Failed to push chat to local receiver %s", event.ReceiverID,
			)
		}
		return stored, nil
	}

	g.forwardRemote(ctxt, stored)
	return stored, nil
}

// forwardRemote best-effort push of a pending message toward the node
// currently holding the receiver.
//
// The row stays Pending: with no delivery ack from the remote node there is
// no ground to claim the copy arrived, and at-most-once permits the loss.
func (g *deliveryGatewayImpl) forwardRemote(ctxt context.Context, message storage.Message) {
	serverID, err := g.locate.Locate(ctxt, message.ReceiverID)
	if err != nil {
		switch err {
		case common.ErrUserNotFound:
			log.WithFields(g.LogTags).Debugf(
				"Receiver %s offline, message stays pending", message.ReceiverID,
			)
		case common.ErrLookupTimeout:
			// Treated the same as offline; the caller decided this fallback
			log.WithFields(g.LogTags).Warnf(
				"Locating %s timed out, message stays pending", message.ReceiverID,
			)
		default:
			log.WithError(err).WithFields(g.LogTags).Errorf(
				"Locating %s failed, message stays pending", message.ReceiverID,
			)
		}
		return
	}
	if serverID == g.ServerID() {
		// Located here but not in the table: the receiver left between the
		// table check and now. Nothing to push.
		return
	}
	frame, err := json.Marshal(edge.NewChatFrame(message))
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Failed to encode delivery frame")
		return
	}
	delivery := common.NodeDeliveryEvent{TargetUserID: message.ReceiverID, Frame: frame}
	encoded, err := json.Marshal(&delivery)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Failed to encode delivery event")
		return
	}
	if err := g.mbus.Publish(
		ctxt, common.NodeDeliverySubject(serverID), encoded,
	); err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf(
			"Failed to forward chat for %s to %s", message.ReceiverID, serverID,
		)
	}
}

// receiveChatForward bus callback for chat.forward
func (g *deliveryGatewayImpl) receiveChatForward(
	ctxt context.Context, subject string, msg []byte,
) error {
	var event common.ChatForwardEvent
	if err := json.Unmarshal(msg, &event); err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Discarding unparsable chat forward")
		return common.ErrMalformedPayload
	}
	if err := g.validate.Struct(&event); err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Discarding invalid chat forward")
		return common.ErrMalformedPayload
	}
	_, err := g.DeliverChat(ctxt, event)
	return err
}

// NotifyGroup fan a membership-change notification out to the group's
// members on every node.
//
// The notification is published on the bus and every gateway, this one
// included, serves its own locally connected members from the subscription.
// When the publish fails the local members are still served directly.
func (g *deliveryGatewayImpl) NotifyGroup(
	ctxt context.Context, groupID string, payload interface{},
) error {
	encodedPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := common.GroupNotifyEvent{GroupID: groupID, Payload: encodedPayload}
	encoded, err := json.Marshal(&event)
	if err != nil {
		return err
	}
	if err := g.mbus.Publish(ctxt, common.SubjectGroupNotify, encoded); err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf(
			"Group notify publish failed for %s, serving local members only", groupID,
		)
		return g.notifyLocalMembers(ctxt, event)
	}
	return nil
}

// receiveGroupNotify bus callback for group.notify
func (g *deliveryGatewayImpl) receiveGroupNotify(
	ctxt context.Context, subject string, msg []byte,
) error {
	var event common.GroupNotifyEvent
	if err := json.Unmarshal(msg, &event); err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Discarding unparsable group notify")
		return common.ErrMalformedPayload
	}
	if err := g.validate.Struct(&event); err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Discarding invalid group notify")
		return common.ErrMalformedPayload
	}
	return g.notifyLocalMembers(ctxt, event)
}

// notifyLocalMembers push a group notification to members connected to this node
func (g *deliveryGatewayImpl) notifyLocalMembers(
	ctxt context.Context, event common.GroupNotifyEvent,
) error {
	members, err := g.groups.ListMembers(ctxt, event.GroupID)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Errorf(
			"Membership read failed, skipped fan-out for group %s", event.GroupID,
		)
		return err
	}
	for _, userID := range members {
		conn, ok := g.Connections().Get(userID)
		if !ok {
			continue
		}
		if err := conn.SendFrame(json.RawMessage(event.Payload)); err != nil {
			log.WithError(err).WithFields(g.LogTags).Debugf(
				"Failed to push group notification to %s", userID,
			)
		}
	}
	return nil
}

// broadcastLocal push one frame to every client connected to this node.
//
// O(n) per presence event; acceptable at single-node scale and not meant to
// generalize across nodes.
func (g *deliveryGatewayImpl) broadcastLocal(frame interface{}) {
	for _, conn := range g.Connections().Snapshot() {
		if err := conn.SendFrame(frame); err != nil {
			log.WithError(err).WithFields(g.LogTags).Debugf(
				"Failed to push broadcast to %s", conn.UserID(),
			)
		}
	}
}
