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

package apis

import (
	"encoding/json"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/core"
	"github.com/nats-io/nats.go"
)

// Health checks for the client-facing node servers. These carry no request
// ID plumbing; the socket endpoint next to them never uses it either.

// writeNodeHealthResponse JSON-encode and write one health check response
func writeNodeHealthResponse(w http.ResponseWriter, respCode int, resp interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(respCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.WithError(err).Error("Failed to form health check response")
	}
}

// GetNodeAliveHandler define the node liveness check handler
func GetNodeAliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeNodeHealthResponse(
			w, http.StatusOK, goutils.RestAPIBaseResponse{Success: true},
		)
	}
}

// GetNodeReadyHandler define the node readiness check handler. Ready requires
// a live bus connection; a node that cannot publish serves no one.
func GetNodeReadyHandler(natsClient *core.NatsClient) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if natsClient.NATs().Status() == nats.CONNECTED {
			writeNodeHealthResponse(
				w, http.StatusOK, goutils.RestAPIBaseResponse{Success: true},
			)
			return
		}
		msg := "not ready"
		writeNodeHealthResponse(
			w, http.StatusInternalServerError, goutils.RestAPIBaseResponse{
				Success: false,
				Error:   &goutils.ErrorDetail{Code: http.StatusInternalServerError, Msg: msg},
			},
		)
	}
}
