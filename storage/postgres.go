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

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/common"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// postgresMessageStoreImpl implements MessageStore against postgres
type postgresMessageStoreImpl struct {
	common.Component
	db *gorm.DB
}

// CreatePostgresMessageStore define a postgres backed MessageStore
func CreatePostgresMessageStore(dsn string) (MessageStore, error) {
	logTags := log.Fields{"module": "storage", "component": "postgres-message-store"}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to connect with postgres")
		return nil, err
	}
	if err := db.AutoMigrate(&Message{}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Message table migration failed")
		return nil, err
	}
	log.WithFields(logTags).Info("Connected with postgres")
	return &postgresMessageStoreImpl{
		Component: common.Component{LogTags: logTags}, db: db,
	}, nil
}

// CreateMessage persist a new message row
func (d *postgresMessageStoreImpl) CreateMessage(
	ctxt context.Context, message Message,
) (Message, error) {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if err := d.db.WithContext(ctxt).Create(&message).Error; err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Failed to persist message %s ==> %s", message.SenderID, message.ReceiverID,
		)
		return Message{}, err
	}
	return message, nil
}

// MarkDelivered transition a pending message to Delivered.
//
// The WHERE clause keeps the transition monotonic; marking an already
// delivered message is a no-op.
func (d *postgresMessageStoreImpl) MarkDelivered(
	ctxt context.Context, messageID string, deliveredAt time.Time,
) error {
	result := d.db.WithContext(ctxt).
		Model(&Message{}).
		Where("id = ? AND status = ?", messageID, MessageStatusPending).
		Updates(map[string]interface{}{
			"status": MessageStatusDelivered, "delivered_at": deliveredAt,
		})
	if result.Error != nil {
		log.WithError(result.Error).WithFields(d.LogTags).Errorf(
			"Failed to mark message %s delivered", messageID,
		)
		return result.Error
	}
	return nil
}

// GetMessage read one message row by ID
func (d *postgresMessageStoreImpl) GetMessage(
	ctxt context.Context, messageID string,
) (Message, error) {
	var message Message
	if err := d.db.WithContext(ctxt).First(&message, "id = ?", messageID).Error; err != nil {
		return Message{}, err
	}
	return message, nil
}

// Close release the store connection
func (d *postgresMessageStoreImpl) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
