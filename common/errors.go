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

package common

import "errors"

// ErrMalformedPayload inbound payload failed schema validation. The payload
// is dropped; client notification is best-effort only.
var ErrMalformedPayload = errors.New("malformed payload")

// ErrBusUnavailable the message bus rejected a publish. Publishes are
// fire-and-forget, so the failure is logged and the message is lost.
var ErrBusUnavailable = errors.New("message bus unavailable")

// ErrLookupTimeout a session lookup received no response within the deadline
var ErrLookupTimeout = errors.New("session lookup timed out")

// ErrUserNotFound a session lookup resolved, but the user has no live session
var ErrUserNotFound = errors.New("user has no registered session")

// ErrSessionNotFound the session store has no mapping for the user
var ErrSessionNotFound = errors.New("session record not found")

// ErrStoreUnavailable the shared session store could not be reached.
// Presence reads degrade to Offline; writes are logged and dropped.
var ErrStoreUnavailable = errors.New("session store unavailable")
