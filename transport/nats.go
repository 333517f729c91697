// Copyright 2022 The telemetryhub Authors
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

package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/telemetryhub/common"
	"github.com/alwitt/telemetryhub/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// Message headers carrying the transport hints
const (
	HeaderQoS      = "Telemetry-Qos"
	HeaderRetained = "Telemetry-Retained"
)

// MessageSink receives inbound messages from the transport
type MessageSink interface {
	Submit(ctx context.Context, msg common.InboundMessage) error
}

// Subscriber reads telemetry messages from the configured topics
type Subscriber interface {
	// StartReading begin forwarding messages to the sink. Reading stops when the
	// subscriber context ends.
	StartReading(sink MessageSink, wg *sync.WaitGroup) error
}

// subscriberImpl implements Subscriber
type subscriberImpl struct {
	common.Component
	subs         map[string]*nats.Subscription
	senderHeader string
	reading      bool
	lock         sync.Mutex
	ctxt         context.Context
}

// GetSubscriber define a new Subscriber. Subscriptions are created immediately so no
// message published after this call is missed.
func GetSubscriber(
	ctxt context.Context,
	natsClient *core.NatsClient,
	topics []string,
	senderHeader string,
) (Subscriber, error) {
	logTags := log.Fields{"module": "transport", "component": "subscriber"}
	if len(topics) == 0 {
		err := fmt.Errorf("no subscription topics given")
		log.WithError(err).WithFields(logTags).Error("Unable to define subscriber")
		return nil, err
	}
	subs := map[string]*nats.Subscription{}
	for _, topic := range topics {
		subject := TopicToSubject(topic)
		sub, err := natsClient.NATs().SubscribeSync(subject)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to subscribe to %s", topic)
			for _, created := range subs {
				_ = created.Unsubscribe()
			}
			return nil, err
		}
		subs[topic] = sub
		log.WithFields(logTags).Infof("Subscribed to %s (subject %s)", topic, subject)
	}
	return &subscriberImpl{
		Component:    common.Component{LogTags: logTags},
		subs:         subs,
		senderHeader: senderHeader,
		ctxt:         ctxt,
	}, nil
}

// StartReading begin forwarding messages to the sink
func (s *subscriberImpl) StartReading(sink MessageSink, wg *sync.WaitGroup) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.reading {
		err := fmt.Errorf("already reading")
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start reading")
		return err
	}
	s.reading = true
	for topic, sub := range s.subs {
		wg.Add(1)
		go s.readLoop(topic, sub, sink, wg)
	}
	return nil
}

func (s *subscriberImpl) readLoop(
	topic string, sub *nats.Subscription, sink MessageSink, wg *sync.WaitGroup,
) {
	defer wg.Done()
	logTags := common.CopyLogTags(s.LogTags)
	logTags["topic"] = topic
	log.WithFields(logTags).Info("Starting read loop")
	defer log.WithFields(logTags).Info("Stopping read loop")
	defer func() {
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			log.WithError(err).WithFields(logTags).Error("Unsubscribe failed")
		}
	}()
	for {
		msg, err := sub.NextMsgWithContext(s.ctxt)
		if err != nil {
			if s.ctxt.Err() == nil {
				log.WithError(err).WithFields(logTags).Error("Read failure")
			}
			return
		}
		if msg == nil {
			continue
		}
		inbound := ConvertInbound(msg, s.senderHeader)
		log.WithFields(logTags).Debugf("Received %dB on %s", len(inbound.Payload), inbound.Topic)
		if err := sink.Submit(s.ctxt, inbound); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to forward message from %s", inbound.Topic,
			)
		}
	}
}

// ConvertInbound convert a NATS message into an InboundMessage. Missing or invalid
// hint headers fall back to QoS 0, not retained.
func ConvertInbound(msg *nats.Msg, senderHeader string) common.InboundMessage {
	result := common.InboundMessage{
		Topic:   SubjectToTopic(msg.Subject),
		Payload: msg.Data,
	}
	if msg.Header == nil {
		return result
	}
	if qos, err := strconv.Atoi(strings.TrimSpace(msg.Header.Get(HeaderQoS))); err == nil &&
		qos >= 0 && qos <= 2 {
		result.QoS = qos
	}
	if retained, err := strconv.ParseBool(
		strings.TrimSpace(msg.Header.Get(HeaderRetained)),
	); err == nil {
		result.Retained = retained
	}
	if senderHeader != "" {
		result.SenderID = common.NormalizeID(msg.Header.Get(senderHeader))
	}
	return result
}

// ==============================================================================

// Publisher publishes outbound messages
type Publisher interface {
	// Publish send one message. Returns once the server has acknowledged the flush.
	Publish(ctxt context.Context, msg common.OutboundMessage) error
}

// publisherImpl implements Publisher
type publisherImpl struct {
	common.Component
	nats         *core.NatsClient
	validate     *validator.Validate
	flushTimeout time.Duration
}

// GetPublisher define a new Publisher. flushTimeout bounds the flush when the
// caller's context has no deadline.
func GetPublisher(
	natsClient *core.NatsClient, instance string, flushTimeout time.Duration,
) (Publisher, error) {
	logTags := log.Fields{
		"module": "transport", "component": "publisher", "instance": instance,
	}
	if flushTimeout <= 0 {
		return nil, fmt.Errorf("invalid flush timeout %s", flushTimeout)
	}
	return &publisherImpl{
		Component:    common.Component{LogTags: logTags},
		nats:         natsClient,
		validate:     validator.New(),
		flushTimeout: flushTimeout,
	}, nil
}

// Publish send one message
func (p *publisherImpl) Publish(ctxt context.Context, msg common.OutboundMessage) error {
	if err := p.validate.Struct(&msg); err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("Invalid outbound message")
		return err
	}
	out := nats.NewMsg(TopicToSubject(msg.Topic))
	out.Data = []byte(msg.Payload)
	out.Header.Set(HeaderQoS, strconv.Itoa(msg.QoS))
	out.Header.Set(HeaderRetained, strconv.FormatBool(msg.Retained))
	if err := p.nats.NATs().PublishMsg(out); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to publish to %s", msg.Topic)
		return err
	}
	flushCtxt := ctxt
	if _, ok := ctxt.Deadline(); !ok {
		var cancel context.CancelFunc
		flushCtxt, cancel = context.WithTimeout(ctxt, p.flushTimeout)
		defer cancel()
	}
	if err := p.nats.NATs().FlushWithContext(flushCtxt); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Flush after publish to %s failed", msg.Topic)
		return err
	}
	log.WithFields(p.LogTags).Debugf("Published %dB to %s", len(msg.Payload), msg.Topic)
	return nil
}
