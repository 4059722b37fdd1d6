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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/common"
	"github.com/chatmesh/chatmesh/storage"
)

// PresenceNotifier external hook invoked when a user's presence changes
type PresenceNotifier interface {
	// PresenceChanged report a presence transition to the collaborator
	PresenceChanged(
		ctxt context.Context, userID string, status storage.PresenceStatus,
	) error
}

// httpPresenceNotifierImpl implements PresenceNotifier against the CRUD
// service's presence callback endpoint
type httpPresenceNotifierImpl struct {
	common.Component
	client      *http.Client
	callbackURL string
}

// presenceCallbackBody the callback request payload
type presenceCallbackBody struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// GetHTTPPresenceNotifier define a PresenceNotifier calling an HTTP endpoint
func GetHTTPPresenceNotifier(callbackURL string) (PresenceNotifier, error) {
	logTags := log.Fields{
		"module":    "registry",
		"component": "presence-notifier",
		"endpoint":  callbackURL,
	}
	return &httpPresenceNotifierImpl{
		Component:   common.Component{LogTags: logTags},
		client:      &http.Client{Timeout: time.Second * 10},
		callbackURL: callbackURL,
	}, nil
}

// PresenceChanged report a presence transition to the collaborator
func (n *httpPresenceNotifierImpl) PresenceChanged(
	ctxt context.Context, userID string, status storage.PresenceStatus,
) error {
	body, err := json.Marshal(presenceCallbackBody{UserID: userID, Status: string(status)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(
		ctxt, http.MethodPost, n.callbackURL, bytes.NewReader(body),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		log.WithError(err).WithFields(n.LogTags).Errorf(
			"Presence callback failed for %s", userID,
		)
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("presence callback returned %d", resp.StatusCode)
		log.WithError(err).WithFields(n.LogTags).Errorf(
			"Presence callback rejected for %s", userID,
		)
		return err
	}
	return nil
}

// noopPresenceNotifierImpl PresenceNotifier used when no callback is configured
type noopPresenceNotifierImpl struct{}

// GetNoopPresenceNotifier define a PresenceNotifier which does nothing
func GetNoopPresenceNotifier() PresenceNotifier {
	return &noopPresenceNotifierImpl{}
}

// PresenceChanged does nothing
func (n *noopPresenceNotifierImpl) PresenceChanged(
	ctxt context.Context, userID string, status storage.PresenceStatus,
) error {
	return nil
}
