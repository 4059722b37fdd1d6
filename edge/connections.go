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
	"sync"
)

// ClientConnection one live client socket held by this process
type ClientConnection interface {
	// UserID the user this connection authenticated as
	UserID() string
	// SendFrame JSON-encode and write one outbound frame
	SendFrame(frame interface{}) error
	// Close close the underlying socket
	Close() error
}

// ConnectionTable the per-process user → live connection map.
//
// Owned exclusively by the hosting process; never shared across processes.
type ConnectionTable interface {
	// Put record a connection under its user, returning any displaced
	// connection previously held for the same user
	Put(conn ClientConnection) ClientConnection
	// Get fetch the user's current connection
	Get(userID string) (ClientConnection, bool)
	// Remove drop the user's entry only if conn is still the current one.
	// Returns whether an entry was removed; a displaced connection closing
	// late must not evict its replacement.
	Remove(userID string, conn ClientConnection) bool
	// Snapshot list the currently held connections
	Snapshot() []ClientConnection
	// Count number of currently held connections
	Count() int
}

// connectionTableImpl implements ConnectionTable
type connectionTableImpl struct {
	lock        sync.Mutex
	connections map[string]ClientConnection
}

// GetConnectionTable define a ConnectionTable
func GetConnectionTable() ConnectionTable {
	return &connectionTableImpl{connections: make(map[string]ClientConnection)}
}

// Put record a connection under its user
func (t *connectionTableImpl) Put(conn ClientConnection) ClientConnection {
	t.lock.Lock()
	defer t.lock.Unlock()
	displaced := t.connections[conn.UserID()]
	t.connections[conn.UserID()] = conn
	if displaced == conn {
		return nil
	}
	return displaced
}

// Get fetch the user's current connection
func (t *connectionTableImpl) Get(userID string) (ClientConnection, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	conn, ok := t.connections[userID]
	return conn, ok
}

// Remove drop the user's entry only if conn is still the current one
func (t *connectionTableImpl) Remove(userID string, conn ClientConnection) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	current, ok := t.connections[userID]
	if !ok || current != conn {
		return false
	}
	delete(t.connections, userID)
	return true
}

// Snapshot list the currently held connections
func (t *connectionTableImpl) Snapshot() []ClientConnection {
	t.lock.Lock()
	defer t.lock.Unlock()
	result := make([]ClientConnection, 0, len(t.connections))
	for _, conn := range t.connections {
		result = append(result, conn)
	}
	return result
}

// Count number of currently held connections
func (t *connectionTableImpl) Count() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.connections)
}
