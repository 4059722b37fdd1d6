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

package storage

import (
	"context"
	"time"
)

// MessageStatus delivery status of a persisted chat message
type MessageStatus string

// Message delivery states. The only legal transition is Pending → Delivered;
// a delivered message never reverts.
const (
	MessageStatusPending   MessageStatus = "Pending"
	MessageStatusDelivered MessageStatus = "Delivered"
)

// Message a persisted chat message row
type Message struct {
	// ID is the message UUID
	ID string `gorm:"primaryKey" json:"id"`
	// SenderID is the sending user
	SenderID string `gorm:"index" json:"senderId"`
	// ReceiverID is the receiving user
	ReceiverID string `gorm:"index" json:"receiverId"`
	// Content is the client-supplied payload, opaque to this layer
	Content string `json:"content"`
	// Status is the delivery status
	Status MessageStatus `json:"status"`
	// CreatedAt is when the row was written
	CreatedAt time.Time `json:"createdAt"`
	// DeliveredAt is when the message reached the receiver's socket, if ever
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
}

// MessageStore persistence API for chat messages, written by the local
// delivery gateway
type MessageStore interface {
	// CreateMessage persist a new message row. An empty ID is assigned one.
	CreateMessage(ctxt context.Context, message Message) (Message, error)
	// MarkDelivered transition a pending message to Delivered. A message
	// already delivered is left untouched; the transition is monotonic.
	MarkDelivered(ctxt context.Context, messageID string, deliveredAt time.Time) error
	// GetMessage read one message row by ID
	GetMessage(ctxt context.Context, messageID string) (Message, error)
	// Close release the store connection
	Close() error
}
