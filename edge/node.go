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

package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/bus"
	"github.com/chatmesh/chatmesh/common"
	"github.com/go-playground/validator/v10"
)

// SessionHandler reacts to client connection lifecycle and inbound frames.
//
// The WebSocket layer drives one SessionHandler; the plain edge node and the
// local delivery gateway are its two implementations.
type SessionHandler interface {
	// Accept take ownership of a newly connected client
	Accept(ctxt context.Context, conn ClientConnection) error
	// HandleInbound process one raw inbound frame from a client
	HandleInbound(ctxt context.Context, conn ClientConnection, payload []byte)
	// Disconnect release a client whose socket closed
	Disconnect(ctxt context.Context, conn ClientConnection)
}

// Node an edge node: terminates client connections and translates them into
// bus traffic, holding no durable state
type Node interface {
	SessionHandler
	// ServerID this node's identity in session records
	ServerID() string
	// Connections this node's live connection table
	Connections() ConnectionTable
	// Start begin the targeted delivery consumer and the periodic
	// registration re-announcer
	Start(wg *sync.WaitGroup) error
}

// edgeNodeImpl implements Node
type edgeNodeImpl struct {
	common.Component
	serverID         string
	mbus             bus.MessageBus
	table            ConnectionTable
	announceInterval time.Duration
	announcer        common.IntervalTimer
	validate         *validator.Validate
	ctxt             context.Context
}

// DefineEdgeNode create an edge Node.
//
// announceInterval controls how often the node republishes Register events
// for its live connections to refresh their registry TTL; it should be well
// inside the store's session TTL.
func DefineEdgeNode(
	ctxt context.Context,
	serverID string,
	mbus bus.MessageBus,
	announceInterval time.Duration,
	wg *sync.WaitGroup,
) (Node, error) {
	if serverID == "" {
		return nil, fmt.Errorf("edge node requires a server ID")
	}
	logTags := log.Fields{
		"module":    "edge",
		"component": "edge-node",
		"instance":  serverID,
	}
	announcer, err := common.GetIntervalTimerInstance(
		ctxt, fmt.Sprintf("announce-%s", serverID), wg,
	)
	if err != nil {
		return nil, err
	}
	return &edgeNodeImpl{
		Component:        common.Component{LogTags: logTags},
		serverID:         serverID,
		mbus:             mbus,
		table:            GetConnectionTable(),
		announceInterval: announceInterval,
		announcer:        announcer,
		validate:         validator.New(),
		ctxt:             ctxt,
	}, nil
}

// ServerID this node's identity in session records
func (n *edgeNodeImpl) ServerID() string {
	return n.serverID
}

// Connections this node's live connection table
func (n *edgeNodeImpl) Connections() ConnectionTable {
	return n.table
}

// Start begin the targeted delivery consumer and the registration re-announcer
func (n *edgeNodeImpl) Start(wg *sync.WaitGroup) error {
	if err := n.mbus.Subscribe(
		common.NodeDeliverySubject(n.serverID), "", n.receiveDelivery, wg,
	); err != nil {
		return err
	}
	return n.announcer.Start(n.announceInterval, n.announceConnections, false)
}

// Accept take ownership of a newly connected client.
//
// Registration is idempotent; the periodic re-announcer republishes the same
// event for every live connection.
func (n *edgeNodeImpl) Accept(ctxt context.Context, conn ClientConnection) error {
	if conn.UserID() == "" {
		return fmt.Errorf("connection carries no user ID")
	}
	if displaced := n.table.Put(conn); displaced != nil {
		log.WithFields(n.LogTags).Infof(
			"Displacing previous connection of %s", conn.UserID(),
		)
		if err := displaced.Close(); err != nil {
			log.WithError(err).WithFields(n.LogTags).Debugf(
				"Failed to close displaced connection of %s", conn.UserID(),
			)
		}
	}
	n.publishLifecycle(ctxt, common.SessionActionRegister, conn.UserID())
	log.WithFields(n.LogTags).Infof("Accepted connection of %s", conn.UserID())
	return nil
}

// HandleInbound process one raw inbound frame from a client.
//
// Forwarding is fire-and-forget: nothing is persisted here, no ack is
// awaited, and a failed publish only logs. Malformed frames are dropped with
// a best-effort error notice to the client.
func (n *edgeNodeImpl) HandleInbound(
	ctxt context.Context, conn ClientConnection, payload []byte,
) {
	var frame InboundFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		n.dropMalformed(conn, err)
		return
	}
	if err := n.validate.Struct(&frame); err != nil {
		n.dropMalformed(conn, err)
		return
	}
	event := common.ChatForwardEvent{
		SenderID:   conn.UserID(),
		ReceiverID: frame.ReceiverID,
		Content:    frame.Content,
		Timestamp:  time.Now().UTC(),
	}
	encoded, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(n.LogTags).Error("Failed to encode chat forward")
		return
	}
	if err := n.mbus.Publish(ctxt, common.SubjectChatForward, encoded); err != nil {
		// Accepted message loss under the at-most-once contract
		log.WithError(err).WithFields(n.LogTags).Errorf(
			"Lost chat payload %s ==> %s", conn.UserID(), frame.ReceiverID,
		)
	}
}

// dropMalformed drop a payload failing the frame schema
func (n *edgeNodeImpl) dropMalformed(conn ClientConnection, cause error) {
	log.WithError(cause).WithFields(n.LogTags).Warnf(
		"Dropped malformed frame from %s", conn.UserID(),
	)
	if err := conn.SendFrame(NewErrorFrame("receiverId and content are required")); err != nil {
		log.WithError(err).WithFields(n.LogTags).Debugf(
			"Could not notify %s of dropped frame", conn.UserID(),
		)
	}
}

// Disconnect release a client whose socket closed.
//
// The unregister event carries this node's serverId so the registry can fence
// it against a newer registration made elsewhere.
func (n *edgeNodeImpl) Disconnect(ctxt context.Context, conn ClientConnection) {
	if !n.table.Remove(conn.UserID(), conn) {
		// A displaced connection closing late; the replacement stays registered
		return
	}
	n.publishLifecycle(ctxt, common.SessionActionUnregister, conn.UserID())
	log.WithFields(n.LogTags).Infof("Released connection of %s", conn.UserID())
}

// publishLifecycle publish one lifecycle event, fire-and-forget
func (n *edgeNodeImpl) publishLifecycle(ctxt context.Context, action, userID string) {
	event := common.SessionLifecycleEvent{
		Action:    action,
		UserID:    userID,
		ServerID:  n.serverID,
		Timestamp: time.Now().UTC(),
	}
	encoded, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(n.LogTags).Error("Failed to encode lifecycle event")
		return
	}
	if err := n.mbus.Publish(ctxt, common.SubjectSessionLifecycle, encoded); err != nil {
		// Non-fatal and non-retried; the connection is unaffected
		log.WithError(err).WithFields(n.LogTags).Errorf(
			"Lost %s event for %s", action, userID,
		)
	}
}

// announceConnections republish Register for every live connection
func (n *edgeNodeImpl) announceConnections() error {
	for _, conn := range n.table.Snapshot() {
		n.publishLifecycle(n.ctxt, common.SessionActionRegister, conn.UserID())
	}
	return nil
}

// receiveDelivery bus callback for this node's targeted delivery subject
func (n *edgeNodeImpl) receiveDelivery(
	ctxt context.Context, subject string, msg []byte,
) error {
	var event common.NodeDeliveryEvent
	if err := json.Unmarshal(msg, &event); err != nil {
		log.WithError(err).WithFields(n.LogTags).Error("Discarding unparsable delivery event")
		return common.ErrMalformedPayload
	}
	conn, ok := n.table.Get(event.TargetUserID)
	if !ok {
		// The target left this node after being located; best-effort only
		log.WithFields(n.LogTags).Debugf(
			"No local connection for delivery to %s", event.TargetUserID,
		)
		return nil
	}
	if err := conn.SendFrame(json.RawMessage(event.Frame)); err != nil {
		log.WithError(err).WithFields(n.LogTags).Errorf(
			"Failed to push delivery to %s", event.TargetUserID,
		)
		return err
	}
	return nil
}
