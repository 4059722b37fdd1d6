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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryMessageStoreImpl implements MessageStore within a single process
type memoryMessageStoreImpl struct {
	lock     sync.Mutex
	messages map[string]Message
}

// CreateMemoryMessageStore define an in-memory MessageStore
func CreateMemoryMessageStore() MessageStore {
	return &memoryMessageStoreImpl{messages: make(map[string]Message)}
}

// CreateMessage persist a new message row
func (d *memoryMessageStoreImpl) CreateMessage(
	ctxt context.Context, message Message,
) (Message, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	d.messages[message.ID] = message
	return message, nil
}

// MarkDelivered transition a pending message to Delivered
func (d *memoryMessageStoreImpl) MarkDelivered(
	ctxt context.Context, messageID string, deliveredAt time.Time,
) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	message, ok := d.messages[messageID]
	if !ok {
		return fmt.Errorf("message %s not found", messageID)
	}
	if message.Status == MessageStatusDelivered {
		return nil
	}
	message.Status = MessageStatusDelivered
	message.DeliveredAt = &deliveredAt
	d.messages[messageID] = message
	return nil
}

// GetMessage read one message row by ID
func (d *memoryMessageStoreImpl) GetMessage(
	ctxt context.Context, messageID string,
) (Message, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	message, ok := d.messages[messageID]
	if !ok {
		return Message{}, fmt.Errorf("message %s not found", messageID)
	}
	return message, nil
}

// Close release the store
func (d *memoryMessageStoreImpl) Close() error {
	return nil
}
