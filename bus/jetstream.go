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
	"fmt"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/common"
	"github.com/chatmesh/chatmesh/core"
	"github.com/nats-io/nats.go"
)

// jetStreamBusImpl implements MessageBus on NATS JetStream
type jetStreamBusImpl struct {
	common.Component
	nats     *core.NatsClient
	instance string
	ctxt     context.Context
}

// GetJetStreamBus define a MessageBus backed by NATS JetStream.
//
// Subscriptions read until rootCtxt ends.
func GetJetStreamBus(
	rootCtxt context.Context, natsClient *core.NatsClient, instance string,
) (MessageBus, error) {
	logTags := log.Fields{
		"module": "bus", "component": "jetstream", "instance": instance,
	}
	return &jetStreamBusImpl{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		instance:  instance,
		ctxt:      rootCtxt,
	}, nil
}

// Publish publish a new message on a subject
func (b *jetStreamBusImpl) Publish(ctxt context.Context, subject string, msg []byte) error {
	ack, err := b.nats.JetStream().PublishAsync(subject, msg)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to send message on %s", subject)
		return err
	}
	// Wait for success, failure, or timeout
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture OK channel failure")
			log.WithError(err).WithFields(b.LogTags).Errorf("Message send failure")
			return err
		}
		log.WithFields(b.LogTags).Debugf(
			"Sent [%d] to %s/%s", goodSig.Sequence, goodSig.Stream, subject,
		)
		return nil
	case txErr, ok := <-ack.Err():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture error channel failure")
			log.WithError(err).WithFields(b.LogTags).Errorf("Message send failure")
			return err
		}
		return txErr
	case <-ctxt.Done():
		err := ctxt.Err()
		log.WithError(err).WithFields(b.LogTags).Errorf("Message send timed out")
		return err
	}
}

// durableName derive a JetStream-safe durable consumer name from a subject.
// Durable names must not contain ".".
func durableName(instance, subject string) string {
	return strings.ReplaceAll(fmt.Sprintf("%s_%s", instance, subject), ".", "-")
}

// Subscribe begin reading messages published on a subject
func (b *jetStreamBusImpl) Subscribe(
	subject, queueGroup string, handler MessageHandlerCB, wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "bus",
		"component": "jetstream-reader",
		"instance":  b.instance,
		"subject":   subject,
	}
	var sub *nats.Subscription
	var err error
	// A queue group shares one durable consumer between members; without a
	// group each subscriber gets a consumer of its own.
	if queueGroup != "" {
		sub, err = b.nats.JetStream().QueueSubscribeSync(
			subject, queueGroup, nats.Durable(durableName(queueGroup, subject)),
		)
	} else {
		sub, err = b.nats.JetStream().SubscribeSync(
			subject, nats.Durable(durableName(b.instance, subject)),
		)
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription")
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithFields(logTags).Infof("Starting read loop")
		defer log.WithFields(logTags).Infof("Stopping read loop")
		defer func() {
			if err := sub.Unsubscribe(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Unsubscribe failed")
			}
		}()
		for {
			newMsg, err := sub.NextMsgWithContext(b.ctxt)
			if err != nil {
				if b.ctxt.Err() == nil {
					log.WithError(err).WithFields(logTags).Errorf("Read failure")
				}
				return
			}
			if newMsg == nil {
				continue
			}
			if err := handler(b.ctxt, newMsg.Subject, newMsg.Data); err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Message handler failed")
			}
			if err := newMsg.Ack(); err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Message ACK failed")
			}
		}
	}()
	return nil
}
