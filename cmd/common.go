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

package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/chatmesh/chatmesh/common"
	"github.com/chatmesh/chatmesh/core"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// sessionStreamName JetStream stream for session coordination subjects
const sessionStreamName = "chatmesh-session"

// chatStreamName JetStream stream for chat routing subjects
const chatStreamName = "chatmesh-chat"

// ensureCoreStreams provision the JetStream streams every role consumes from.
//
// Idempotent; every process provisions on startup so role start order does
// not matter. Short retention only, the bus is a transport and not the
// message system of record.
func ensureCoreStreams(natsClient *core.NatsClient) error {
	if err := natsClient.EnsureStream(
		sessionStreamName,
		[]string{
			common.SubjectSessionLifecycle,
			common.SubjectSessionLookupRequest,
			common.SubjectSessionLookupResponse,
		},
		time.Minute*5,
	); err != nil {
		return err
	}
	return natsClient.EnsureStream(
		chatStreamName,
		[]string{
			common.SubjectChatForward,
			common.SubjectNodeDeliveryAll,
			common.SubjectGroupNotify,
		},
		time.Minute*5,
	)
}

// defineHTTPServer build an HTTP server around a handler per the server config
func defineHTTPServer(config common.HTTPServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.ListenOn, config.Port),
		ReadTimeout:  time.Second * time.Duration(config.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.IdleTimeout),
		Handler:      h2c.NewHandler(handler, &http2.Server{}),
	}
}
