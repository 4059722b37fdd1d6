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

package bus

import (
	"context"
	"sync"
)

// MessageHandlerCB callback invoked with each message read from a subscription
type MessageHandlerCB func(ctxt context.Context, subject string, msg []byte) error

// Publisher publishes messages onto bus subjects.
//
// Delivery is at-most-once: a failed publish is reported to the caller but
// never retried by this layer.
type Publisher interface {
	// Publish publish a new message on a subject
	Publish(ctxt context.Context, subject string, msg []byte) error
}

// Subscriber consumes messages from bus subjects.
//
// Subscriptions sharing a non-empty queue group split the subject's traffic
// between them; each message reaches one member of the group.
type Subscriber interface {
	// Subscribe begin reading messages published on a subject. The handler
	// runs on the subscription's own read loop until the root context ends.
	Subscribe(subject, queueGroup string, handler MessageHandlerCB, wg *sync.WaitGroup) error
}

// MessageBus the full topic-addressed publish / subscribe transport
type MessageBus interface {
	Publisher
	Subscriber
}
