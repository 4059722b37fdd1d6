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
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/common"
)

// memorySessionRecord one session entry with its expiry deadline
type memorySessionRecord struct {
	serverID string
	expireAt time.Time
}

// memorySessionStoreImpl implements SessionStore within a single process.
//
// Used by tests and single-process deployments; mirrors the etcd store's TTL
// behavior by expiring records lazily on read.
type memorySessionStoreImpl struct {
	common.Component
	lock       sync.Mutex
	sessionTTL time.Duration
	sessions   map[string]memorySessionRecord
	presence   map[string]PresenceRecord
}

// CreateMemorySessionStore define an in-memory SessionStore
func CreateMemorySessionStore(sessionTTL time.Duration) SessionStore {
	logTags := log.Fields{"module": "storage", "component": "memory-session-store"}
	return &memorySessionStoreImpl{
		Component:  common.Component{LogTags: logTags},
		sessionTTL: sessionTTL,
		sessions:   make(map[string]memorySessionRecord),
		presence:   make(map[string]PresenceRecord),
	}
}

// RecordSession upsert the user → owning-node mapping, restarting its TTL
func (d *memorySessionStoreImpl) RecordSession(
	ctxt context.Context, userID, serverID string,
) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.sessions[userID] = memorySessionRecord{
		serverID: serverID, expireAt: time.Now().Add(d.sessionTTL),
	}
	return nil
}

// GetSession read the user's owning node
func (d *memorySessionStoreImpl) GetSession(
	ctxt context.Context, userID string,
) (string, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	record, ok := d.sessions[userID]
	if !ok {
		return "", common.ErrSessionNotFound
	}
	if time.Now().After(record.expireAt) {
		// Lazy expiry as an implicit unregister
		delete(d.sessions, userID)
		return "", common.ErrSessionNotFound
	}
	return record.serverID, nil
}

// ClearSession delete the user's mapping if serverID still owns it
func (d *memorySessionStoreImpl) ClearSession(
	ctxt context.Context, userID, serverID string,
) (bool, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	record, ok := d.sessions[userID]
	if !ok || time.Now().After(record.expireAt) {
		delete(d.sessions, userID)
		return false, nil
	}
	if record.serverID != serverID {
		log.WithFields(d.LogTags).Infof(
			"Ignored unregister of %s from %s; session now owned by %s",
			userID, serverID, record.serverID,
		)
		return false, nil
	}
	delete(d.sessions, userID)
	return true, nil
}

// SetPresence record the user's presence state and last-seen timestamp
func (d *memorySessionStoreImpl) SetPresence(
	ctxt context.Context, userID string, status PresenceStatus, lastSeen time.Time,
) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.presence[userID] = PresenceRecord{UserID: userID, Status: status, LastSeen: lastSeen}
	return nil
}

// GetPresence read the user's presence record
func (d *memorySessionStoreImpl) GetPresence(
	ctxt context.Context, userID string,
) (PresenceRecord, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	record, ok := d.presence[userID]
	if !ok {
		return PresenceRecord{UserID: userID, Status: PresenceOffline}, nil
	}
	return record, nil
}

// Close release the store
func (d *memorySessionStoreImpl) Close() error {
	return nil
}
