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
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/telemetryhub/broadcast"
	"github.com/alwitt/telemetryhub/common"
	"github.com/alwitt/telemetryhub/ingest"
	"github.com/alwitt/telemetryhub/storage"
	"github.com/alwitt/telemetryhub/subscription"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedBatch struct {
	at     time.Time
	events []common.DeviceEvent
}

// recordingWriter BatchWriter which keeps every batch
type recordingWriter struct {
	lock    sync.Mutex
	batches []recordedBatch
	failOn  int
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{failOn: -1}
}

func (w *recordingWriter) WriteBatch(_ context.Context, batch []common.DeviceEvent) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.failOn == len(w.batches) {
		return fmt.Errorf("dummy write error")
	}
	copied := make([]common.DeviceEvent, len(batch))
	copy(copied, batch)
	w.batches = append(w.batches, recordedBatch{at: time.Now(), events: copied})
	return nil
}

func (w *recordingWriter) snapshot() []recordedBatch {
	w.lock.Lock()
	defer w.lock.Unlock()
	result := make([]recordedBatch, len(w.batches))
	copy(result, w.batches)
	return result
}

type testSystem struct {
	store    *storage.SQLiteStore
	registry subscription.Registry
	channel  broadcast.Channel
	hub      broadcast.Hub
}

func defineTestSystem(t *testing.T) testSystem {
	store, err := storage.GetSQLiteStore(filepath.Join(t.TempDir(), "events.db"), 50)
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	registry := subscription.GetRegistry("testing")
	channel := broadcast.GetChannel("testing", 64)
	return testSystem{
		store:    store,
		registry: registry,
		channel:  channel,
		hub:      broadcast.GetHub(registry, channel),
	}
}

// record persist then broadcast, as ingestion does
func (s testSystem) record(t *testing.T, event common.DeviceEvent) common.DeviceEvent {
	stored, err := s.store.Persist(context.Background(), event)
	require.Nil(t, err)
	s.hub.OnPersisted(stored)
	return stored
}

// runInBackground start a session loop, returning a wait group joined once it returns
func runInBackground(run func() error) *sync.WaitGroup {
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = run()
	}()
	return wg
}

// stopAndWait cancel the session context, then wait for the session loops to return
func stopAndWait(t *testing.T, cancel context.CancelFunc, wg *sync.WaitGroup) {
	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second * 2):
		assert.Fail(t, "session loops did not stop")
	}
}

func eventIDs(events []common.DeviceEvent) []int64 {
	result := []int64{}
	for _, event := range events {
		result = append(result, event.ID)
	}
	return result
}

func TestSessionBackfillThenLive(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	system := defineTestSystem(t)
	uut, err := GetMultiplexer(
		system.registry, system.channel, system.store,
		MultiplexerParams{BatchSize: 10, FlushWindow: time.Millisecond * 100},
	)
	require.Nil(t, err)

	base := time.Now().UTC().Add(-time.Hour)
	history := []common.DeviceEvent{}
	for idx := 0; idx < 3; idx++ {
		history = append(history, system.record(t, common.DeviceEvent{
			DeviceID: "d1", ClientID: "c1", Topic: "t", Payload: "{}",
			ReceivedAt: base.Add(time.Minute * time.Duration(idx)),
		}))
	}
	system.record(t, common.DeviceEvent{DeviceID: "d2", Topic: "t", Payload: "{}"})

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := uut.Attach(utCtxt, subscription.NewKey(" d1 ", ""))
	require.Nil(t, err)
	assert.Equal(SessionAttaching, session.State())
	assert.Equal(subscription.Key{DeviceID: "d1"}, session.Filter())
	assert.True(system.registry.HasSubscribers("d1", "c9"))
	assert.False(system.registry.HasSubscribers("d2", "c1"))
	assert.Equal(1, uut.ActiveSessions())

	writer := newRecordingWriter()
	runResult := make(chan error, 1)
	go func() {
		runResult <- session.Run(utCtxt, writer)
	}()

	// Backfill first, oldest first
	assert.Eventually(func() bool {
		return len(writer.snapshot()) == 1
	}, time.Second, time.Millisecond*10)
	assert.Equal(eventIDs(history), eventIDs(writer.snapshot()[0].events))
	assert.Eventually(func() bool {
		return session.State() == SessionStreaming
	}, time.Second, time.Millisecond*10)

	// Live events
	live := system.record(t, common.DeviceEvent{DeviceID: "d1", ClientID: "c2", Topic: "t", Payload: "{}"})
	system.record(t, common.DeviceEvent{DeviceID: "d2", ClientID: "c2", Topic: "t", Payload: "{}"})
	assert.Eventually(func() bool {
		return len(writer.snapshot()) == 2
	}, time.Second, time.Millisecond*10)
	assert.Equal([]int64{live.ID}, eventIDs(writer.snapshot()[1].events))

	// Close
	cancel()
	select {
	case err := <-runResult:
		assert.Nil(err)
	case <-time.After(time.Second):
		assert.Fail("session did not stop")
	}
	assert.Equal(SessionClosed, session.State())
	assert.False(system.registry.HasSubscribers("d1", "c1"))
	assert.Equal(0, system.registry.SessionCount())
	assert.Equal(0, system.channel.SubscriberCount())
	assert.Equal(0, uut.ActiveSessions())
	session.Close()
	assert.Equal(0, uut.ActiveSessions())
}

func TestSessionEmptyBackfill(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	system := defineTestSystem(t)
	uut, err := GetMultiplexer(
		system.registry, system.channel, system.store,
		MultiplexerParams{BatchSize: 10, FlushWindow: time.Millisecond * 50},
	)
	require.Nil(t, err)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := newRecordingWriter()
	session, err := uut.Attach(utCtxt, subscription.Key{})
	require.Nil(t, err)
	sessionWG := runInBackground(func() error {
		return session.Run(utCtxt, writer)
	})
	assert.Eventually(func() bool {
		return session.State() == SessionStreaming
	}, time.Second, time.Millisecond*5)

	// No empty backfill batch
	time.Sleep(time.Millisecond * 100)
	assert.Len(writer.snapshot(), 0)

	event := system.record(t, common.DeviceEvent{DeviceID: "anything", Topic: "t", Payload: "{}"})
	assert.Eventually(func() bool {
		return len(writer.snapshot()) == 1
	}, time.Second, time.Millisecond*10)
	assert.Equal([]int64{event.ID}, eventIDs(writer.snapshot()[0].events))

	stopAndWait(t, cancel, sessionWG)
	assert.Equal(SessionClosed, session.State())
	assert.Equal(0, system.registry.SessionCount())
	assert.Equal(0, system.channel.SubscriberCount())
}

func TestSessionBatchSizeAndWindow(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	system := defineTestSystem(t)
	window := time.Millisecond * 200
	uut, err := GetMultiplexer(
		system.registry, system.channel, system.store,
		MultiplexerParams{BatchSize: 10, FlushWindow: window},
	)
	require.Nil(t, err)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := newRecordingWriter()
	session, err := uut.Attach(utCtxt, subscription.NewKey("d1", ""))
	require.Nil(t, err)
	sessionWG := runInBackground(func() error {
		return session.Run(utCtxt, writer)
	})
	assert.Eventually(func() bool {
		return session.State() == SessionStreaming
	}, time.Second, time.Millisecond*5)

	// 25 events at once: two full batches, the rest after the window
	start := time.Now()
	for idx := 0; idx < 25; idx++ {
		system.channel.Publish(common.DeviceEvent{ID: int64(idx + 1), DeviceID: "d1"})
	}
	assert.Eventually(func() bool {
		return len(writer.snapshot()) == 3
	}, time.Second*2, time.Millisecond*10)
	batches := writer.snapshot()
	assert.Len(batches[0].events, 10)
	assert.Len(batches[1].events, 10)
	assert.Len(batches[2].events, 5)
	assert.Less(batches[1].at.Sub(start), window/2)
	assert.GreaterOrEqual(batches[2].at.Sub(start), window-time.Millisecond*20)
	assert.Less(batches[2].at.Sub(start), window+time.Millisecond*150)
	assert.Equal(int64(25), batches[2].events[4].ID)

	stopAndWait(t, cancel, sessionWG)
	assert.Equal(0, system.registry.SessionCount())
}

func TestSessionSteadyStream(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	system := defineTestSystem(t)
	window := time.Millisecond * 250
	uut, err := GetMultiplexer(
		system.registry, system.channel, system.store,
		MultiplexerParams{BatchSize: 10, FlushWindow: window},
	)
	require.Nil(t, err)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := newRecordingWriter()
	session, err := uut.Attach(utCtxt, subscription.Key{})
	require.Nil(t, err)
	sessionWG := runInBackground(func() error {
		return session.Run(utCtxt, writer)
	})
	assert.Eventually(func() bool {
		return session.State() == SessionStreaming
	}, time.Second, time.Millisecond*5)

	// One event every 40ms
	publishedAt := map[int64]time.Time{}
	total := 40
	for idx := 1; idx <= total; idx++ {
		publishedAt[int64(idx)] = time.Now()
		system.channel.Publish(common.DeviceEvent{ID: int64(idx), DeviceID: "d1"})
		time.Sleep(time.Millisecond * 40)
	}
	assert.Eventually(func() bool {
		count := 0
		for _, batch := range writer.snapshot() {
			count += len(batch.events)
		}
		return count == total
	}, time.Second*2, time.Millisecond*10)

	slack := time.Millisecond * 100
	batches := writer.snapshot()
	for idx, batch := range batches {
		assert.NotEmpty(batch.events)
		assert.LessOrEqual(len(batch.events), 10)
		for _, event := range batch.events {
			assert.LessOrEqual(batch.at.Sub(publishedAt[event.ID]), window+slack)
		}
		if idx > 0 {
			assert.LessOrEqual(batch.at.Sub(batches[idx-1].at), window+slack)
		}
	}

	stopAndWait(t, cancel, sessionWG)
	assert.Equal(0, system.registry.SessionCount())
}

func TestSessionDeduplicateBackfill(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	system := defineTestSystem(t)
	uut, err := GetMultiplexer(
		system.registry, system.channel, system.store,
		MultiplexerParams{BatchSize: 10, FlushWindow: time.Millisecond * 50},
	)
	require.Nil(t, err)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	stored := system.record(t, common.DeviceEvent{DeviceID: "d1", Topic: "t", Payload: "{}"})
	session, err := uut.Attach(utCtxt, subscription.NewKey("d1", ""))
	require.Nil(t, err)

	// Broadcast of an event already in the backfill arrives after attaching
	system.channel.Publish(stored)
	fresh := system.record(t, common.DeviceEvent{DeviceID: "d1", Topic: "t", Payload: "{}"})

	writer := newRecordingWriter()
	sessionWG := runInBackground(func() error {
		return session.Run(utCtxt, writer)
	})
	assert.Eventually(func() bool {
		return len(writer.snapshot()) == 2
	}, time.Second, time.Millisecond*10)
	batches := writer.snapshot()
	assert.Equal([]int64{stored.ID}, eventIDs(batches[0].events))
	assert.Equal([]int64{fresh.ID}, eventIDs(batches[1].events))

	stopAndWait(t, cancel, sessionWG)
	assert.Equal(0, system.registry.SessionCount())
}

func TestSessionWriteFailureIsolated(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	system := defineTestSystem(t)
	uut, err := GetMultiplexer(
		system.registry, system.channel, system.store,
		MultiplexerParams{BatchSize: 1, FlushWindow: time.Millisecond * 50},
	)
	require.Nil(t, err)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	failing := newRecordingWriter()
	failing.failOn = 0
	healthy := newRecordingWriter()

	failResult := make(chan error, 1)
	go func() {
		failResult <- uut.Serve(utCtxt, subscription.Key{}, failing)
	}()
	healthySession, err := uut.Attach(utCtxt, subscription.Key{})
	require.Nil(t, err)
	sessionWG := runInBackground(func() error {
		return healthySession.Run(utCtxt, healthy)
	})
	assert.Eventually(func() bool {
		return uut.ActiveSessions() == 2 && healthySession.State() == SessionStreaming
	}, time.Second, time.Millisecond*5)
	// Wait for the failing session to be streaming too
	time.Sleep(time.Millisecond * 50)

	event := system.record(t, common.DeviceEvent{DeviceID: "d1", Topic: "t", Payload: "{}"})
	select {
	case err := <-failResult:
		assert.NotNil(err)
	case <-time.After(time.Second):
		assert.Fail("failing session did not stop")
	}
	assert.Equal(1, uut.ActiveSessions())
	assert.Equal(1, system.registry.SessionCount())
	assert.Equal(1, system.channel.SubscriberCount())

	assert.Eventually(func() bool {
		return len(healthy.snapshot()) == 1
	}, time.Second, time.Millisecond*10)
	assert.Equal([]int64{event.ID}, eventIDs(healthy.snapshot()[0].events))

	stopAndWait(t, cancel, sessionWG)
	assert.Equal(0, uut.ActiveSessions())
	assert.Equal(0, system.registry.SessionCount())
}

func TestSessionBackfillQueryFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	system := defineTestSystem(t)
	uut, err := GetMultiplexer(
		system.registry, system.channel, system.store,
		MultiplexerParams{BatchSize: 10, FlushWindow: time.Millisecond * 50},
	)
	require.Nil(t, err)

	// Case 0: invalid params
	{
		_, err := GetMultiplexer(
			system.registry, system.channel, system.store, MultiplexerParams{BatchSize: 0},
		)
		assert.NotNil(err)
	}

	// Case 1: store unavailable
	{
		assert.Nil(system.store.Close())
		_, err := uut.Attach(context.Background(), subscription.NewKey("d1", ""))
		assert.NotNil(err)
		assert.Equal(0, system.registry.SessionCount())
		assert.Equal(0, system.channel.SubscriberCount())
		assert.Equal(0, uut.ActiveSessions())
	}
}

func TestIngestThenAttachDeliversInBackfill(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	system := defineTestSystem(t)
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	deviceIdx := 1
	pipeline, err := ingest.GetPipeline(
		utCtxt,
		ingest.PipelineParams{Workers: 1, QueueDepth: 1},
		ingest.GetIdentifierResolver(&deviceIdx, nil, system.store, system.store),
		system.store,
		system.hub,
	)
	require.Nil(t, err)

	stored, err := pipeline.Ingest(utCtxt, common.InboundMessage{
		Topic: "water/device-007/data", Payload: []byte(`{"usage":"18.5cc"}`),
	})
	require.Nil(t, err)
	assert.Equal("device-007", stored.DeviceID)
	assert.Equal("", stored.ClientID)
	fields := map[string]interface{}{}
	assert.Nil(json.Unmarshal([]byte(stored.Payload), &fields))
	assert.Equal("18.5cc", fields["usage"])
	assert.Contains(fields, "timestamp")
	assert.Contains(fields, "date")

	uut, err := GetMultiplexer(
		system.registry, system.channel, system.store,
		MultiplexerParams{BatchSize: 10, FlushWindow: time.Millisecond * 50},
	)
	require.Nil(t, err)
	writer := newRecordingWriter()
	sessionWG := runInBackground(func() error {
		return uut.Serve(utCtxt, subscription.NewKey("device-007", ""), writer)
	})
	assert.Eventually(func() bool {
		return len(writer.snapshot()) == 1
	}, time.Second, time.Millisecond*10)
	// Nothing more arrives live
	time.Sleep(time.Millisecond * 150)
	batches := writer.snapshot()
	assert.Len(batches, 1)
	assert.Equal([]int64{stored.ID}, eventIDs(batches[0].events))

	stopAndWait(t, cancel, sessionWG)
	assert.Equal(0, system.registry.SessionCount())
	assert.Equal(0, system.channel.SubscriberCount())
}
