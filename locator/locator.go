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

package locator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/bus"
	"github.com/chatmesh/chatmesh/common"
	"github.com/google/uuid"
)

// DefaultLookupTimeout deadline on a Locate call when none is configured
const DefaultLookupTimeout = time.Second * 5

// SessionLocator bridges a synchronous "locate user" call onto the
// asynchronous bus request / response protocol
type SessionLocator interface {
	// Start begin consuming lookup responses
	Start(wg *sync.WaitGroup) error
	// Locate resolve which node holds the user's live connection. Returns
	// common.ErrUserNotFound when the registry answers with no session, and
	// common.ErrLookupTimeout when no answer arrives within the deadline.
	Locate(ctxt context.Context, userID string) (string, error)
}

// sessionLocatorImpl implements SessionLocator
type sessionLocatorImpl struct {
	common.Component
	mbus    bus.MessageBus
	timeout time.Duration
	lock    sync.Mutex
	pending map[string]chan common.SessionLookupResponse
}

// DefineSessionLocator create a SessionLocator.
//
// lookupTimeout bounds each Locate call; zero selects DefaultLookupTimeout.
// Concurrent lookups for the same user are independent requests; there is no
// coalescing.
func DefineSessionLocator(
	mbus bus.MessageBus, instance string, lookupTimeout time.Duration,
) (SessionLocator, error) {
	if lookupTimeout <= 0 {
		lookupTimeout = DefaultLookupTimeout
	}
	logTags := log.Fields{
		"module":    "locator",
		"component": "session-locator",
		"instance":  instance,
	}
	return &sessionLocatorImpl{
		Component: common.Component{LogTags: logTags},
		mbus:      mbus,
		timeout:   lookupTimeout,
		pending:   make(map[string]chan common.SessionLookupResponse),
	}, nil
}

// Start begin consuming lookup responses
func (l *sessionLocatorImpl) Start(wg *sync.WaitGroup) error {
	// Every locator instance sees every response; correlation is by requestId
	return l.mbus.Subscribe(
		common.SubjectSessionLookupResponse, "", l.receiveLookupResponse, wg,
	)
}

// receiveLookupResponse bus callback for session.lookup.response
func (l *sessionLocatorImpl) receiveLookupResponse(
	ctxt context.Context, subject string, msg []byte,
) error {
	var response common.SessionLookupResponse
	if err := json.Unmarshal(msg, &response); err != nil {
		log.WithError(err).WithFields(l.LogTags).Error("Discarding unparsable lookup response")
		return common.ErrMalformedPayload
	}
	l.lock.Lock()
	waiter, ok := l.pending[response.RequestID]
	if ok {
		delete(l.pending, response.RequestID)
	}
	l.lock.Unlock()
	if !ok {
		// Response for another process's request, or one whose caller
		// already timed out
		log.WithFields(l.LogTags).Debugf(
			"Discarded lookup response %s with no waiter", response.RequestID,
		)
		return nil
	}
	waiter <- response
	return nil
}

// Locate resolve which node holds the user's live connection
func (l *sessionLocatorImpl) Locate(ctxt context.Context, userID string) (string, error) {
	requestID := uuid.New().String()
	// Buffered so a response racing the timeout never blocks the reader loop
	waiter := make(chan common.SessionLookupResponse, 1)
	l.lock.Lock()
	l.pending[requestID] = waiter
	l.lock.Unlock()
	// The entry must never outlive the call, however it ends
	defer func() {
		l.lock.Lock()
		delete(l.pending, requestID)
		l.lock.Unlock()
	}()

	request := common.SessionLookupRequest{UserID: userID, RequestID: requestID}
	encoded, err := json.Marshal(&request)
	if err != nil {
		return "", err
	}
	if err := l.mbus.Publish(ctxt, common.SubjectSessionLookupRequest, encoded); err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf(
			"Failed to issue lookup for %s", userID,
		)
		return "", err
	}

	select {
	case response := <-waiter:
		if response.ServerID == nil {
			return "", common.ErrUserNotFound
		}
		return *response.ServerID, nil
	case <-time.After(l.timeout):
		log.WithFields(l.LogTags).Warnf(
			"Lookup %s for %s expired after %s", requestID, userID, l.timeout,
		)
		return "", common.ErrLookupTimeout
	case <-ctxt.Done():
		return "", ctxt.Err()
	}
}

// pendingCount number of lookups awaiting responses
func (l *sessionLocatorImpl) pendingCount() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.pending)
}
