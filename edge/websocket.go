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
	"net/http"
	"sync"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// wsClientConnection implements ClientConnection over a gorilla WebSocket
type wsClientConnection struct {
	userID string
	conn   *websocket.Conn
	// gorilla permits only one concurrent writer per connection
	writeLock sync.Mutex
}

// UserID the user this connection authenticated as
func (c *wsClientConnection) UserID() string {
	return c.userID
}

// SendFrame JSON-encode and write one outbound frame
func (c *wsClientConnection) SendFrame(frame interface{}) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.conn.WriteJSON(frame)
}

// Close close the underlying socket
func (c *wsClientConnection) Close() error {
	return c.conn.Close()
}

// WebsocketHandlerParams parameters for defining the client socket endpoint
type WebsocketHandlerParams struct {
	// Handler reacts to connections and frames
	Handler SessionHandler `validate:"required"`
	// RootCtxt ends all connection read loops when cancelled
	RootCtxt context.Context `validate:"required"`
	// WG tracks the per-connection read loops
	WG *sync.WaitGroup `validate:"required"`
}

// GetWebsocketHandler define the HTTP handler terminating client WebSocket
// connections.
//
// The handshake requires a userId query parameter; a request without one is
// rejected before upgrade. Each accepted connection gets its own read loop
// goroutine feeding the SessionHandler.
func GetWebsocketHandler(params WebsocketHandlerParams) http.HandlerFunc {
	logTags := log.Fields{"module": "edge", "component": "websocket-server"}
	upgrader := websocket.Upgrader{
		// Client origins are not restricted at this layer
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userId")
		if userID == "" {
			log.WithFields(logTags).Warn("Rejected handshake with no userId")
			http.Error(w, "missing userId", http.StatusBadRequest)
			return
		}
		socket, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("WebSocket upgrade failed")
			return
		}
		conn := &wsClientConnection{userID: userID, conn: socket}
		if err := params.Handler.Accept(params.RootCtxt, conn); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Rejected connection of %s", userID,
			)
			_ = socket.Close()
			return
		}
		params.WG.Add(1)
		go func() {
			defer params.WG.Done()
			runConnectionReadLoop(params.RootCtxt, conn, params.Handler, logTags)
		}()
	}
}

// runConnectionReadLoop read frames off one connection until it closes
func runConnectionReadLoop(
	ctxt context.Context,
	conn *wsClientConnection,
	handler SessionHandler,
	logTags log.Fields,
) {
	defer handler.Disconnect(ctxt, conn)
	defer func() { _ = conn.Close() }()
	// Force the blocking read to fail when shutting down
	shutdownWatch, cancelWatch := context.WithCancel(ctxt)
	defer cancelWatch()
	go func() {
		<-shutdownWatch.Done()
		_ = conn.conn.Close()
	}()
	for {
		_, payload, err := conn.conn.ReadMessage()
		if err != nil {
			if ctxt.Err() == nil && !websocket.IsCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(logTags).Debugf(
					"Read loop of %s ended", conn.userID,
				)
			}
			return
		}
		handler.HandleInbound(ctxt, conn, payload)
	}
}
