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

package common

import (
	"encoding/json"
	"fmt"
	"time"
)

// ===============================================================================
// Bus subjects

// SubjectSessionLifecycle carries connection register / unregister events
const SubjectSessionLifecycle = "session.lifecycle"

// SubjectSessionLookupRequest carries session location queries
const SubjectSessionLookupRequest = "session.lookup.request"

// SubjectSessionLookupResponse carries answers to session location queries
const SubjectSessionLookupResponse = "session.lookup.response"

// SubjectChatForward carries chat payloads from edge nodes to the routing consumer
const SubjectChatForward = "chat.forward"

// SubjectGroupNotify carries group membership notifications for every gateway
const SubjectGroupNotify = "group.notify"

// nodeDeliverySubjectPrefix prefix of the per-node targeted delivery subjects
const nodeDeliverySubjectPrefix = "node.deliver"

// SubjectNodeDeliveryAll wildcard covering every per-node delivery subject
const SubjectNodeDeliveryAll = nodeDeliverySubjectPrefix + ".>"

// NodeDeliverySubject the targeted delivery subject for one edge node
func NodeDeliverySubject(serverID string) string {
	return fmt.Sprintf("%s.%s", nodeDeliverySubjectPrefix, serverID)
}

// ===============================================================================
// Session lifecycle

// Lifecycle event actions
const (
	SessionActionRegister   = "register"
	SessionActionUnregister = "unregister"
)

// SessionLifecycleEvent announces a connection appearing on, or leaving, an edge node
type SessionLifecycleEvent struct {
	// Action either "register" or "unregister"
	Action string `json:"action" validate:"required,oneof=register unregister"`
	// UserID the user whose connection changed
	UserID string `json:"userId" validate:"required"`
	// ServerID the edge node reporting the change
	ServerID string `json:"serverId" validate:"required"`
	// Timestamp when the edge node observed the change
	Timestamp time.Time `json:"ts"`
}

// ===============================================================================
// Session lookup

// SessionLookupRequest asks the registry which node holds a user's connection
type SessionLookupRequest struct {
	UserID    string `json:"userId" validate:"required"`
	RequestID string `json:"requestId" validate:"required"`
}

// SessionLookupResponse answers a SessionLookupRequest.
//
// ServerID is nil when the user has no registered session; cache misses are
// answered, never suppressed.
type SessionLookupResponse struct {
	UserID    string  `json:"userId" validate:"required"`
	ServerID  *string `json:"serverId"`
	RequestID string  `json:"requestId" validate:"required"`
}

// ===============================================================================
// Chat forwarding

// ChatForwardEvent a chat payload published by an edge node for routing
type ChatForwardEvent struct {
	SenderID   string    `json:"senderId" validate:"required"`
	ReceiverID string    `json:"receiverId" validate:"required"`
	Content    string    `json:"content" validate:"required"`
	Timestamp  time.Time `json:"ts"`
}

// NodeDeliveryEvent a pre-encoded client frame targeted at one user on one node.
//
// The receiving node pushes Frame verbatim to the target's local socket, or
// drops it if the target is no longer connected there.
type NodeDeliveryEvent struct {
	TargetUserID string          `json:"targetUserId" validate:"required"`
	Frame        json.RawMessage `json:"frame" validate:"required"`
}

// GroupNotifyEvent a group membership notification fanned out by every gateway
// to its locally connected members
type GroupNotifyEvent struct {
	GroupID string          `json:"groupId" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}
