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

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/common"
)

// GroupDirectory read-only view of group membership, owned by the external
// CRUD service
type GroupDirectory interface {
	// ListMembers fetch the user IDs belonging to a group
	ListMembers(ctxt context.Context, groupID string) ([]string, error)
}

// httpGroupDirectoryImpl implements GroupDirectory against the CRUD service
type httpGroupDirectoryImpl struct {
	common.Component
	client  *http.Client
	baseURL string
}

// groupMembersResponse the membership read response payload
type groupMembersResponse struct {
	Members []string `json:"members"`
}

// GetHTTPGroupDirectory define a GroupDirectory calling the CRUD service
func GetHTTPGroupDirectory(baseURL string) (GroupDirectory, error) {
	logTags := log.Fields{
		"module":    "gateway",
		"component": "group-directory",
		"endpoint":  baseURL,
	}
	return &httpGroupDirectoryImpl{
		Component: common.Component{LogTags: logTags},
		client:    &http.Client{Timeout: time.Second * 10},
		baseURL:   baseURL,
	}, nil
}

// ListMembers fetch the user IDs belonging to a group
func (d *httpGroupDirectoryImpl) ListMembers(
	ctxt context.Context, groupID string,
) ([]string, error) {
	target := fmt.Sprintf("%s/v1/group/%s/members", d.baseURL, groupID)
	req, err := http.NewRequestWithContext(ctxt, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Membership read failed for group %s", groupID,
		)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("membership read returned %d", resp.StatusCode)
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Membership read rejected for group %s", groupID,
		)
		return nil, err
	}
	var decoded groupMembersResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded.Members, nil
}

// memoryGroupDirectoryImpl implements GroupDirectory within a single process
type memoryGroupDirectoryImpl struct {
	lock    sync.Mutex
	members map[string][]string
}

// GetMemoryGroupDirectory define an in-memory GroupDirectory
func GetMemoryGroupDirectory() *MemoryGroupDirectory {
	return &MemoryGroupDirectory{
		memoryGroupDirectoryImpl{members: make(map[string][]string)},
	}
}

// MemoryGroupDirectory in-memory GroupDirectory with membership setters
type MemoryGroupDirectory struct {
	memoryGroupDirectoryImpl
}

// SetMembers replace a group's membership
func (d *MemoryGroupDirectory) SetMembers(groupID string, members []string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.members[groupID] = members
}

// ListMembers fetch the user IDs belonging to a group
func (d *memoryGroupDirectoryImpl) ListMembers(
	ctxt context.Context, groupID string,
) ([]string, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.members[groupID], nil
}
