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

package registry

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/bus"
	"github.com/chatmesh/chatmesh/common"
	"github.com/chatmesh/chatmesh/storage"
	"github.com/go-playground/validator/v10"
)

// SessionRegistry single source of truth for user → node mapping and
// presence, driven entirely by consumed bus events
type SessionRegistry interface {
	// Start begin consuming lifecycle events and lookup requests
	Start(wg *sync.WaitGroup) error
	// ApplyLifecycleEvent apply one register / unregister event
	ApplyLifecycleEvent(ctxt context.Context, event common.SessionLifecycleEvent) error
	// AnswerLookup answer one session lookup request. Cache misses are
	// answered with a null serverId, never suppressed.
	AnswerLookup(ctxt context.Context, request common.SessionLookupRequest) error
}

// sessionRegistryImpl implements SessionRegistry
type sessionRegistryImpl struct {
	common.Component
	store      storage.SessionStore
	mbus       bus.MessageBus
	notifier   PresenceNotifier
	tp         common.TaskProcessor
	queueGroup string
	validate   *validator.Validate
	ctxt       context.Context
}

// lifecycleEventTask task param wrapping a lifecycle event for the event loop
type lifecycleEventTask struct {
	event common.SessionLifecycleEvent
}

// lookupRequestTask task param wrapping a lookup request for the event loop
type lookupRequestTask struct {
	request common.SessionLookupRequest
}

// DefineSessionRegistry create a SessionRegistry.
//
// All store mutations run on the given task processor's event loop; the bus
// subscriptions only decode, validate, and submit.
func DefineSessionRegistry(
	ctxt context.Context,
	tp common.TaskProcessor,
	store storage.SessionStore,
	mbus bus.MessageBus,
	notifier PresenceNotifier,
	queueGroup string,
	instance string,
) (SessionRegistry, error) {
	logTags := log.Fields{
		"module":    "registry",
		"component": "session-registry",
		"instance":  instance,
	}
	registry := &sessionRegistryImpl{
		Component:  common.Component{LogTags: logTags},
		store:      store,
		mbus:       mbus,
		notifier:   notifier,
		tp:         tp,
		queueGroup: queueGroup,
		validate:   validator.New(),
		ctxt:       ctxt,
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(lifecycleEventTask{}), registry.processLifecycleEvent,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(lookupRequestTask{}), registry.processLookupRequest,
	); err != nil {
		return nil, err
	}
	return registry, nil
}

// Start begin consuming lifecycle events and lookup requests
func (r *sessionRegistryImpl) Start(wg *sync.WaitGroup) error {
	if err := r.mbus.Subscribe(
		common.SubjectSessionLifecycle, r.queueGroup, r.receiveLifecycleEvent, wg,
	); err != nil {
		return err
	}
	return r.mbus.Subscribe(
		common.SubjectSessionLookupRequest, r.queueGroup, r.receiveLookupRequest, wg,
	)
}

// receiveLifecycleEvent bus callback for session.lifecycle
func (r *sessionRegistryImpl) receiveLifecycleEvent(
	ctxt context.Context, subject string, msg []byte,
) error {
	var event common.SessionLifecycleEvent
	if err := json.Unmarshal(msg, &event); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Discarding unparsable lifecycle event")
		return common.ErrMalformedPayload
	}
	if err := r.validate.Struct(&event); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Discarding invalid lifecycle event")
		return common.ErrMalformedPayload
	}
	return r.tp.Submit(ctxt, lifecycleEventTask{event: event})
}

// receiveLookupRequest bus callback for session.lookup.request
func (r *sessionRegistryImpl) receiveLookupRequest(
	ctxt context.Context, subject string, msg []byte,
) error {
	var request common.SessionLookupRequest
	if err := json.Unmarshal(msg, &request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Discarding unparsable lookup request")
		return common.ErrMalformedPayload
	}
	if err := r.validate.Struct(&request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Discarding invalid lookup request")
		return common.ErrMalformedPayload
	}
	return r.tp.Submit(ctxt, lookupRequestTask{request: request})
}

// processLifecycleEvent support TaskProcessor, handle lifecycleEventTask
func (r *sessionRegistryImpl) processLifecycleEvent(param interface{}) error {
	task, ok := param.(lifecycleEventTask)
	if !ok {
		log.WithFields(r.LogTags).Errorf(
			"Unexpected task param type %s for lifecycle event", reflect.TypeOf(param),
		)
		return common.ErrMalformedPayload
	}
	return r.ApplyLifecycleEvent(r.ctxt, task.event)
}

// processLookupRequest support TaskProcessor, handle lookupRequestTask
func (r *sessionRegistryImpl) processLookupRequest(param interface{}) error {
	task, ok := param.(lookupRequestTask)
	if !ok {
		log.WithFields(r.LogTags).Errorf(
			"Unexpected task param type %s for lookup request", reflect.TypeOf(param),
		)
		return common.ErrMalformedPayload
	}
	return r.AnswerLookup(r.ctxt, task.request)
}

// ApplyLifecycleEvent apply one register / unregister event
func (r *sessionRegistryImpl) ApplyLifecycleEvent(
	ctxt context.Context, event common.SessionLifecycleEvent,
) error {
	switch event.Action {
	case common.SessionActionRegister:
		return r.applyRegister(ctxt, event)
	case common.SessionActionUnregister:
		return r.applyUnregister(ctxt, event)
	}
	return common.ErrMalformedPayload
}

// applyRegister upsert the session and flip presence online.
//
// Registration is idempotent; re-registration restarts the record TTL, which
// is how edge node re-announcements keep live sessions from expiring.
func (r *sessionRegistryImpl) applyRegister(
	ctxt context.Context, event common.SessionLifecycleEvent,
) error {
	if err := r.store.RecordSession(ctxt, event.UserID, event.ServerID); err != nil {
		// Store writes are logged and dropped; there is no write-ahead buffer
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Dropped register of %s on %s", event.UserID, event.ServerID,
		)
		return err
	}
	lastSeen := event.Timestamp
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}
	if err := r.store.SetPresence(
		ctxt, event.UserID, storage.PresenceOnline, lastSeen,
	); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Dropped presence update for %s", event.UserID,
		)
	}
	if err := r.notifier.PresenceChanged(ctxt, event.UserID, storage.PresenceOnline); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Presence callback failed for %s", event.UserID,
		)
	}
	log.WithFields(r.LogTags).Debugf("Registered %s on %s", event.UserID, event.ServerID)
	return nil
}

// applyUnregister clear the session and flip presence offline.
//
// The clear is fenced on the event's serverId: a stale disconnect from a node
// the user already left must not delete a fresher registration made elsewhere
// after a fast reconnect. A fenced-out event changes nothing.
func (r *sessionRegistryImpl) applyUnregister(
	ctxt context.Context, event common.SessionLifecycleEvent,
) error {
	cleared, err := r.store.ClearSession(ctxt, event.UserID, event.ServerID)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Dropped unregister of %s from %s", event.UserID, event.ServerID,
		)
		return err
	}
	if !cleared {
		return nil
	}
	lastSeen := event.Timestamp
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}
	if err := r.store.SetPresence(
		ctxt, event.UserID, storage.PresenceOffline, lastSeen,
	); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Dropped presence update for %s", event.UserID,
		)
	}
	if err := r.notifier.PresenceChanged(ctxt, event.UserID, storage.PresenceOffline); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Presence callback failed for %s", event.UserID,
		)
	}
	log.WithFields(r.LogTags).Debugf("Unregistered %s from %s", event.UserID, event.ServerID)
	return nil
}

// AnswerLookup answer one session lookup request
func (r *sessionRegistryImpl) AnswerLookup(
	ctxt context.Context, request common.SessionLookupRequest,
) error {
	response := common.SessionLookupResponse{
		UserID: request.UserID, RequestID: request.RequestID,
	}
	serverID, err := r.store.GetSession(ctxt, request.UserID)
	switch err {
	case nil:
		response.ServerID = &serverID
	case common.ErrSessionNotFound:
		// Answered as a miss
	default:
		// A store outage also answers as a miss; the caller sees the user as
		// offline rather than hanging until its deadline
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Session read failed for %s, answering lookup as a miss", request.UserID,
		)
	}
	encoded, err := json.Marshal(&response)
	if err != nil {
		return err
	}
	if err := r.mbus.Publish(ctxt, common.SubjectSessionLookupResponse, encoded); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to answer lookup %s", request.RequestID,
		)
		return err
	}
	return nil
}
