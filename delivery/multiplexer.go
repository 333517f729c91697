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

package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/telemetryhub/broadcast"
	"github.com/alwitt/telemetryhub/common"
	"github.com/alwitt/telemetryhub/storage"
	"github.com/alwitt/telemetryhub/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrSessionClosed the session is closed, or its live subscription was dropped
var ErrSessionClosed = errors.New("live session closed")

// BatchWriter transport side of a live session
type BatchWriter interface {
	// WriteBatch send one batch to the viewer. An error closes the session.
	WriteBatch(ctx context.Context, batch []common.DeviceEvent) error
}

// BatchWriterFunc adapt a function to BatchWriter
type BatchWriterFunc func(ctx context.Context, batch []common.DeviceEvent) error

// WriteBatch implements BatchWriter
func (f BatchWriterFunc) WriteBatch(ctx context.Context, batch []common.DeviceEvent) error {
	return f(ctx, batch)
}

// SessionState lifecycle state of a live session
type SessionState int32

// Session states
const (
	SessionAttaching SessionState = iota
	SessionBackfillDelivered
	SessionStreaming
	SessionClosed
)

// String toString function
func (s SessionState) String() string {
	switch s {
	case SessionAttaching:
		return "attaching"
	case SessionBackfillDelivered:
		return "backfill-delivered"
	case SessionStreaming:
		return "streaming"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// MultiplexerParams live session parameters
type MultiplexerParams struct {
	// BatchSize max events per live batch
	BatchSize int `validate:"gte=1"`
	// FlushWindow max wait after the first buffered event
	FlushWindow time.Duration `validate:"gt=0"`
	// BackfillLimit number of stored events sent on attach. 0 uses the store's page size.
	BackfillLimit int `validate:"gte=0"`
}

// Multiplexer merges history backfill with the live feed for each viewer session
type Multiplexer struct {
	common.Component
	registry subscription.Registry
	channel  broadcast.Channel
	store    storage.EventStore
	params   MultiplexerParams
	active   int64
}

// GetMultiplexer define a new Multiplexer
func GetMultiplexer(
	registry subscription.Registry,
	channel broadcast.Channel,
	store storage.EventStore,
	params MultiplexerParams,
) (*Multiplexer, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	return &Multiplexer{
		Component: common.Component{
			LogTags: log.Fields{"module": "delivery", "component": "multiplexer"},
		},
		registry: registry,
		channel:  channel,
		store:    store,
		params:   params,
	}, nil
}

// ActiveSessions number of sessions not yet closed
func (m *Multiplexer) ActiveSessions() int {
	return int(atomic.LoadInt64(&m.active))
}

// Session one viewer's live feed
type Session struct {
	common.Component
	id        string
	filter    subscription.Key
	parent    *Multiplexer
	sub       broadcast.Subscription
	backfill  []common.DeviceEvent
	delivered map[int64]struct{}
	state     int32
	closeOnce sync.Once
}

// Attach open a live session for the filter
//
// The session is registered and subscribed before history is read, so an event
// persisted meanwhile is either in the backfill or arrives live. Events in both
// are only delivered once.
func (m *Multiplexer) Attach(ctx context.Context, filter subscription.Key) (*Session, error) {
	filter = subscription.NewKey(filter.DeviceID, filter.ClientID)
	sessionID := uuid.New().String()
	logTags := common.CopyLogTags(m.LogTags)
	logTags["session"] = sessionID
	logTags["filter"] = filter.String()

	session := &Session{
		Component: common.Component{LogTags: logTags},
		id:        sessionID,
		filter:    filter,
		parent:    m,
		delivered: map[int64]struct{}{},
		state:     int32(SessionAttaching),
	}
	atomic.AddInt64(&m.active, 1)
	m.registry.Register(sessionID, filter.DeviceID, filter.ClientID)
	session.sub = m.channel.Subscribe(func(event common.DeviceEvent) bool {
		return filter.Matches(event.DeviceID, event.ClientID)
	})

	recent, err := m.store.Recent(ctx, filter.DeviceID, filter.ClientID, m.params.BackfillLimit)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to read backfill")
		session.Close()
		return nil, err
	}
	// Stored newest first, delivered oldest first
	session.backfill = make([]common.DeviceEvent, len(recent))
	for idx, event := range recent {
		session.backfill[len(recent)-1-idx] = event
		session.delivered[event.ID] = struct{}{}
	}
	log.WithFields(logTags).Infof("Session attached with %d backfill events", len(recent))
	return session, nil
}

// ID session ID
func (s *Session) ID() string {
	return s.id
}

// Filter the session's filter
func (s *Session) Filter() subscription.Key {
	return s.filter
}

// State current session state
func (s *Session) State() SessionState {
	return SessionState(atomic.LoadInt32(&s.state))
}

func (s *Session) setState(state SessionState) {
	atomic.StoreInt32(&s.state, int32(state))
}

// Close release the registry entry and the live subscription. Undelivered events are
// discarded. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(SessionClosed)
		s.parent.registry.Unregister(s.id)
		s.sub.Cancel()
		atomic.AddInt64(&s.parent.active, -1)
		log.WithFields(s.LogTags).Info("Session closed")
	})
}

// Run deliver the backfill, then stream live batches until ctx ends or a write fails.
// The session is closed on return. Returns nil when ctx ended.
func (s *Session) Run(ctx context.Context, writer BatchWriter) error {
	defer s.Close()

	if len(s.backfill) > 0 {
		if err := writer.WriteBatch(ctx, s.backfill); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to deliver backfill")
			return err
		}
	}
	s.backfill = nil
	s.setState(SessionBackfillDelivered)
	log.WithFields(s.LogTags).Debug("Backfill delivered, streaming")
	s.setState(SessionStreaming)
	batchSize := s.parent.params.BatchSize
	flushWindow := s.parent.params.FlushWindow

	buffer := make([]common.DeviceEvent, 0, batchSize)
	flushTimer := time.NewTimer(flushWindow)
	flushTimer.Stop()
	defer flushTimer.Stop()
	var flushSignal <-chan time.Time

	flush := func() error {
		if flushSignal != nil && !flushTimer.Stop() {
			select {
			case <-flushTimer.C:
			default:
			}
		}
		flushSignal = nil
		if len(buffer) == 0 {
			return nil
		}
		batch := buffer
		buffer = make([]common.DeviceEvent, 0, batchSize)
		return writer.WriteBatch(ctx, batch)
	}

	for {
		select {
		case <-ctx.Done():
			log.WithFields(s.LogTags).Debug("Session context ended")
			return nil

		case event, ok := <-s.sub.Events():
			if !ok {
				return ErrSessionClosed
			}
			if _, seen := s.delivered[event.ID]; seen {
				continue
			}
			buffer = append(buffer, event)
			if len(buffer) == 1 {
				flushTimer.Reset(flushWindow)
				flushSignal = flushTimer.C
			}
			if len(buffer) >= batchSize {
				if err := flush(); err != nil {
					log.WithError(err).WithFields(s.LogTags).Error("Failed to deliver batch")
					return err
				}
			}

		case <-flushSignal:
			flushSignal = nil
			if err := flush(); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Failed to deliver batch")
				return err
			}
		}
	}
}

// Serve attach a session for the filter and run it until ctx ends or delivery fails
func (m *Multiplexer) Serve(
	ctx context.Context, filter subscription.Key, writer BatchWriter,
) error {
	session, err := m.Attach(ctx, filter)
	if err != nil {
		return err
	}
	return session.Run(ctx, writer)
}
