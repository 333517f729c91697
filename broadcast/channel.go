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

package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/alwitt/telemetryhub/common"
	"github.com/apex/log"
)

// EventFilter selects the events a subscriber receives. nil accepts every event.
type EventFilter func(event common.DeviceEvent) bool

// Subscription one attached reader of the live event channel
type Subscription interface {
	// Events the events delivered to this subscriber. Closed on Cancel.
	Events() <-chan common.DeviceEvent
	// Dropped number of events dropped because the buffer was full
	Dropped() uint64
	// Cancel detach from the channel. Safe to call more than once.
	Cancel()
}

// Channel multicast of persisted events to the currently attached subscribers.
//
// A subscriber only sees events published after it attached. Publish never blocks:
// when a subscriber's buffer is full, the event is dropped for that subscriber only.
type Channel interface {
	Subscribe(filter EventFilter) Subscription
	Publish(event common.DeviceEvent) int
	SubscriberCount() int
	TotalDropped() uint64
}

// channelImpl implements Channel
type channelImpl struct {
	common.Component
	lock         sync.RWMutex
	subscribers  map[uint64]*subscriptionImpl
	nextID       uint64
	bufferSize   int
	totalDropped uint64
}

// subscriptionImpl implements Subscription
type subscriptionImpl struct {
	id      uint64
	parent  *channelImpl
	filter  EventFilter
	events  chan common.DeviceEvent
	dropped uint64
	cancel  sync.Once
}

// GetChannel define a new live event channel
//
// bufferSize is the per subscriber buffer of undelivered events.
func GetChannel(instance string, bufferSize int) Channel {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &channelImpl{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "broadcast", "component": "live-channel", "instance": instance,
			},
		},
		subscribers: make(map[uint64]*subscriptionImpl),
		bufferSize:  bufferSize,
	}
}

// Subscribe attach a new subscriber
func (c *channelImpl) Subscribe(filter EventFilter) Subscription {
	c.lock.Lock()
	defer c.lock.Unlock()
	sub := &subscriptionImpl{
		id:     c.nextID,
		parent: c,
		filter: filter,
		events: make(chan common.DeviceEvent, c.bufferSize),
	}
	c.nextID++
	c.subscribers[sub.id] = sub
	log.WithFields(c.LogTags).Debugf("Subscriber %d attached", sub.id)
	return sub
}

// Publish deliver an event to every interested subscriber. Returns the number of
// subscribers the event was queued for.
func (c *channelImpl) Publish(event common.DeviceEvent) int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	queued := 0
	for _, sub := range c.subscribers {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.events <- event:
			queued++
		default:
			dropped := atomic.AddUint64(&sub.dropped, 1)
			atomic.AddUint64(&c.totalDropped, 1)
			log.WithFields(c.LogTags).Warnf(
				"Subscriber %d buffer full, dropped %s (%d dropped so far)", sub.id, event, dropped,
			)
		}
	}
	return queued
}

// SubscriberCount number of attached subscribers
func (c *channelImpl) SubscriberCount() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.subscribers)
}

// TotalDropped number of events dropped across all subscribers
func (c *channelImpl) TotalDropped() uint64 {
	return atomic.LoadUint64(&c.totalDropped)
}

// detach remove a subscriber and close its event channel
func (c *channelImpl) detach(sub *subscriptionImpl) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.subscribers, sub.id)
	close(sub.events)
	log.WithFields(c.LogTags).Debugf("Subscriber %d detached", sub.id)
}

// Events the events delivered to this subscriber
func (s *subscriptionImpl) Events() <-chan common.DeviceEvent {
	return s.events
}

// Dropped number of events dropped because the buffer was full
func (s *subscriptionImpl) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Cancel detach from the channel
func (s *subscriptionImpl) Cancel() {
	s.cancel.Do(func() {
		s.parent.detach(s)
	})
}
