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
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/common"
	"github.com/chatmesh/chatmesh/core"
	"github.com/chatmesh/chatmesh/storage"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
)

// APIRestSessionRegistryHandler REST handler for the session registry ops API
type APIRestSessionRegistryHandler struct {
	goutils.RestAPIHandler
	natsClient *core.NatsClient
	store      storage.SessionStore
}

// GetAPIRestSessionRegistryHandler define APIRestSessionRegistryHandler
func GetAPIRestSessionRegistryHandler(
	client *core.NatsClient,
	httpConfig *common.HTTPConfig,
	store storage.SessionStore,
) (APIRestSessionRegistryHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "session-registry",
	}
	return APIRestSessionRegistryHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		natsClient: client,
		store:      store,
	}, nil
}

// Write logging support
func (h APIRestSessionRegistryHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Session query

// RestAPISessionResponse response to a session query
type RestAPISessionResponse struct {
	goutils.RestAPIBaseResponse
	// UserID the queried user
	UserID string `json:"userId"`
	// ServerID the node currently owning the user's session
	ServerID string `json:"serverId"`
}

// -----------------------------------------------------------------------

// GetSession godoc
// @Summary Query a user's session
// @Description Fetch the ID of the node currently holding the user's connection
// @tags Registry
// @Produce json
// @Param Chatmesh-Request-ID header string false "User provided request ID to match against logs"
// @Param userId path string true "User to query"
// @Success 200 {object} RestAPISessionResponse "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,404,500 {string} Chatmesh-Request-ID "Request ID to match against logs"
// @Router /v1/session/{userId} [get]
func (h APIRestSessionRegistryHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	userID, ok := vars["userId"]
	if !ok {
		msg := "No user ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	serverID, err := h.store.GetSession(r.Context(), userID)
	if err != nil {
		if err == common.ErrSessionNotFound {
			msg := "No session for user"
			respCode = http.StatusNotFound
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
			return
		}
		msg := "Session read failed"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = RestAPISessionResponse{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		UserID:   userID,
		ServerID: serverID,
	}
}

// GetSessionHandler Wrapper around GetSession
func (h APIRestSessionRegistryHandler) GetSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSession(w, r)
	}
}

// =======================================================================
// Presence query

// RestAPIPresenceResponse response to a presence query
type RestAPIPresenceResponse struct {
	goutils.RestAPIBaseResponse
	// UserID the queried user
	UserID string `json:"userId"`
	// Status the user's presence status
	Status storage.PresenceStatus `json:"status"`
	// LastSeen when the user's presence last changed
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// -----------------------------------------------------------------------

// GetPresence godoc
// @Summary Query a user's presence
// @Description Fetch the user's presence status. A store read failure degrades
// the answer to Offline rather than erroring.
// @tags Registry
// @Produce json
// @Param Chatmesh-Request-ID header string false "User provided request ID to match against logs"
// @Param userId path string true "User to query"
// @Success 200 {object} RestAPIPresenceResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400 {string} Chatmesh-Request-ID "Request ID to match against logs"
// @Router /v1/presence/{userId} [get]
func (h APIRestSessionRegistryHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	userID, ok := vars["userId"]
	if !ok {
		msg := "No user ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	record, err := h.store.GetPresence(r.Context(), userID)
	if err != nil {
		// Unknown presence reads as Offline
		log.WithError(err).WithFields(localLogTags).Warnf(
			"Presence read failed for %s, reporting offline", userID,
		)
		record = storage.PresenceRecord{UserID: userID, Status: storage.PresenceOffline}
	}

	var lastSeen *time.Time
	if !record.LastSeen.IsZero() {
		lastSeen = &record.LastSeen
	}

	respCode = http.StatusOK
	respBody = RestAPIPresenceResponse{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		UserID:   userID,
		Status:   record.Status,
		LastSeen: lastSeen,
	}
}

// GetPresenceHandler Wrapper around GetPresence
func (h APIRestSessionRegistryHandler) GetPresenceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetPresence(w, r)
	}
}

// =======================================================================
// Health checks

// Alive godoc
// @Summary For registry REST API liveness check
// @Description Will return success to indicate the registry REST API is live
// @tags Registry
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestSessionRegistryHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestSessionRegistryHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For registry REST API readiness check
// @Description Will return success if the bus connection and the session store
// are both reachable
// @tags Registry
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestSessionRegistryHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.natsClient.NATs().Status() != nats.CONNECTED {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}
	// Reading presence for an arbitrary ID exercises the store connection
	if _, err := h.store.GetPresence(r.Context(), "readiness-probe"); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Session store unreachable")
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestSessionRegistryHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
