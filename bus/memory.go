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

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/common"
)

// memorySubscription one subscription feed on the in-memory bus
type memorySubscription struct {
	subject    string
	queueGroup string
	feed       chan []byte
}

// memoryQueueGroup members of one queue group on one subject
type memoryQueueGroup struct {
	members []*memorySubscription
	next    int
}

// memoryBusImpl implements MessageBus within a single process.
//
// It exists for tests and single-process deployments. It honors the same
// at-most-once contract as the JetStream transport: a subscriber whose feed
// is full loses the message.
type memoryBusImpl struct {
	common.Component
	ctxt   context.Context
	lock   sync.Mutex
	direct map[string][]*memorySubscription
	groups map[string]map[string]*memoryQueueGroup
}

// GetMemoryBus define an in-process MessageBus
func GetMemoryBus(rootCtxt context.Context) MessageBus {
	logTags := log.Fields{"module": "bus", "component": "memory"}
	return &memoryBusImpl{
		Component: common.Component{LogTags: logTags},
		ctxt:      rootCtxt,
		direct:    make(map[string][]*memorySubscription),
		groups:    make(map[string]map[string]*memoryQueueGroup),
	}
}

// Publish publish a new message on a subject
func (b *memoryBusImpl) Publish(ctxt context.Context, subject string, msg []byte) error {
	b.lock.Lock()
	targets := make([]*memorySubscription, 0, len(b.direct[subject])+len(b.groups[subject]))
	targets = append(targets, b.direct[subject]...)
	for _, group := range b.groups[subject] {
		member := group.members[group.next%len(group.members)]
		group.next++
		targets = append(targets, member)
	}
	b.lock.Unlock()

	for _, target := range targets {
		select {
		case target.feed <- msg:
		default:
			log.WithFields(b.LogTags).Errorf(
				"Subscriber feed full, dropped message on %s", subject,
			)
		}
	}
	return nil
}

// Subscribe begin reading messages published on a subject
func (b *memoryBusImpl) Subscribe(
	subject, queueGroup string, handler MessageHandlerCB, wg *sync.WaitGroup,
) error {
	sub := &memorySubscription{
		subject: subject, queueGroup: queueGroup, feed: make(chan []byte, 64),
	}
	b.lock.Lock()
	if queueGroup == "" {
		b.direct[subject] = append(b.direct[subject], sub)
	} else {
		if b.groups[subject] == nil {
			b.groups[subject] = make(map[string]*memoryQueueGroup)
		}
		group, ok := b.groups[subject][queueGroup]
		if !ok {
			group = &memoryQueueGroup{}
			b.groups[subject][queueGroup] = group
		}
		group.members = append(group.members, sub)
	}
	b.lock.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-b.ctxt.Done():
				return
			case msg := <-sub.feed:
				if err := handler(b.ctxt, subject, msg); err != nil {
					log.WithError(err).WithFields(b.LogTags).Errorf(
						"Message handler failed on %s", subject,
					)
				}
			}
		}
	}()
	return nil
}
