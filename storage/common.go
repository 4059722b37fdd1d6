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
	"time"
)

// PresenceStatus a user's presence state
type PresenceStatus string

// Presence states
const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord a user's presence state with last-seen timestamp
type PresenceRecord struct {
	UserID   string         `json:"userId" validate:"required"`
	Status   PresenceStatus `json:"status" validate:"required,oneof=online offline"`
	LastSeen time.Time      `json:"lastSeen"`
}

// Shared store key layout
func sessionKey(userID string) string {
	return fmt.Sprintf("session:%s", userID)
}

func presenceStatusKey(userID string) string {
	return fmt.Sprintf("presence:%s:status", userID)
}

func presenceLastSeenKey(userID string) string {
	return fmt.Sprintf("presence:%s:lastSeen", userID)
}

// SessionStore the shared user → owning-node and presence store.
//
// Consistency contract: last-write-wins upsert / delete / read, no
// compare-and-swap. The session registry is the only writer; any process may
// read. Session records carry a liveness TTL and expire unless re-recorded,
// which callers treat as an implicit unregister.
type SessionStore interface {
	// RecordSession upsert the user → owning-node mapping, restarting its TTL
	RecordSession(ctxt context.Context, userID, serverID string) error
	// GetSession read the user's owning node. Returns
	// common.ErrSessionNotFound when no live mapping exists.
	GetSession(ctxt context.Context, userID string) (string, error)
	// ClearSession delete the user's mapping if serverID still owns it.
	// Returns whether a record was actually cleared; a mismatched owner is a
	// no-op, closing the stale-disconnect race between nodes.
	ClearSession(ctxt context.Context, userID, serverID string) (bool, error)
	// SetPresence record the user's presence state and last-seen timestamp
	SetPresence(
		ctxt context.Context, userID string, status PresenceStatus, lastSeen time.Time,
	) error
	// GetPresence read the user's presence record. A user never seen before
	// reads as offline with a zero last-seen.
	GetPresence(ctxt context.Context, userID string) (PresenceRecord, error)
	// Close release the store connection
	Close() error
}
