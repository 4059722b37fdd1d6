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
	"github.com/chatmesh/chatmesh/storage"
)

// Client frame types
const (
	FrameTypeChat     = "chat"
	FrameTypeError    = "error"
	FrameTypePresence = "presence"
)

// InboundFrame the minimal schema of a client's inbound chat frame
type InboundFrame struct {
	Type       string `json:"type" validate:"required,eq=chat"`
	ReceiverID string `json:"receiverId" validate:"required"`
	Content    string `json:"content" validate:"required"`
}

// ErrorFrame outbound frame reporting a client-visible failure
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorFrame build an ErrorFrame
func NewErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: FrameTypeError, Message: message}
}

// PresenceFrame outbound frame announcing a presence change
type PresenceFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// NewPresenceFrame build a PresenceFrame
func NewPresenceFrame(userID string, status storage.PresenceStatus) PresenceFrame {
	return PresenceFrame{Type: FrameTypePresence, UserID: userID, Status: string(status)}
}

// ChatFrame outbound frame carrying a persisted chat message
type ChatFrame struct {
	Type string          `json:"type"`
	Data storage.Message `json:"data"`
}

// NewChatFrame build a ChatFrame
func NewChatFrame(message storage.Message) ChatFrame {
	return ChatFrame{Type: FrameTypeChat, Data: message}
}
