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

package ingest

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/telemetryhub/broadcast"
	"github.com/alwitt/telemetryhub/common"
	"github.com/alwitt/telemetryhub/storage"
	"github.com/apex/log"
)

// PipelineParams ingestion pipeline parameters
type PipelineParams struct {
	// Workers number of messages processed in parallel
	Workers int `validate:"gte=1"`
	// QueueDepth number of messages buffered ahead of the workers
	QueueDepth int `validate:"gte=1"`
	// SubmitTimeout max wait for a worker to accept a message
	SubmitTimeout time.Duration
}

// Pipeline resolve, enrich, persist, then broadcast each inbound message
type Pipeline struct {
	common.Component
	resolver  IdentifierResolver
	store     storage.EventStore
	hub       broadcast.Hub
	processor common.TaskProcessor
	workCtxt  context.Context
	workers   sync.WaitGroup
	// Now clock used to stamp ingested messages
	Now func() time.Time
}

// GetPipeline define a new ingestion pipeline
func GetPipeline(
	ctxt context.Context,
	params PipelineParams,
	resolver IdentifierResolver,
	store storage.EventStore,
	hub broadcast.Hub,
) (*Pipeline, error) {
	if params.SubmitTimeout <= 0 {
		params.SubmitTimeout = time.Second * 5
	}
	processor, err := common.GetNewTaskDemuxProcessorInstance(
		"ingest", params.QueueDepth, params.Workers, params.SubmitTimeout, ctxt,
	)
	if err != nil {
		return nil, err
	}
	instance := &Pipeline{
		Component: common.Component{
			LogTags: log.Fields{"module": "ingest", "component": "pipeline"},
		},
		resolver:  resolver,
		store:     store,
		hub:       hub,
		processor: processor,
		workCtxt:  ctxt,
		Now:       time.Now,
	}
	if err := processor.AddToTaskExecutionMap(
		reflect.TypeOf(common.InboundMessage{}), instance.processInbound,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// Start start the ingest workers. wg is released once every worker has exited.
func (p *Pipeline) Start(wg *sync.WaitGroup) error {
	if err := p.processor.StartEventLoop(&p.workers); err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.workers.Wait()
	}()
	return nil
}

// Stop stop the ingest workers. Messages already being processed still complete.
func (p *Pipeline) Stop() error {
	return p.processor.StopEventLoop()
}

// StopAndWait stop the ingest workers, then wait for messages already being processed
// to complete. Returns the context error if the wait is cut short.
func (p *Pipeline) StopAndWait(ctx context.Context) error {
	if err := p.Stop(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.WithFields(p.LogTags).Info("Ingest workers stopped")
		return nil
	case <-ctx.Done():
		log.WithError(ctx.Err()).WithFields(p.LogTags).Error("Ingest workers still busy")
		return ctx.Err()
	}
}

// Submit queue an inbound message for ingestion
func (p *Pipeline) Submit(ctx context.Context, msg common.InboundMessage) error {
	return p.processor.Submit(msg, ctx)
}

// processInbound worker side handler of an inbound message
func (p *Pipeline) processInbound(param interface{}) error {
	msg, ok := param.(common.InboundMessage)
	if !ok {
		return fmt.Errorf("unexpected ingest task %s", reflect.TypeOf(param))
	}
	_, err := p.Ingest(p.workCtxt, msg)
	return err
}

// Ingest process one inbound message: resolve identifiers, enrich, persist, broadcast
func (p *Pipeline) Ingest(
	ctx context.Context, msg common.InboundMessage,
) (common.DeviceEvent, error) {
	raw := string(msg.Payload)
	ids := p.resolver.Resolve(ctx, msg.Topic, raw, msg.SenderID)
	now := p.Now().UTC()
	return p.Record(ctx, common.DeviceEvent{
		DeviceID:   ids.DeviceID,
		ClientID:   ids.ClientID,
		Topic:      msg.Topic,
		Payload:    EnrichPayload(raw, ids.DeviceID, ids.ClientID, now),
		QoS:        msg.QoS,
		Retained:   msg.Retained,
		ReceivedAt: now,
	})
}

// Record persist an event, then hand it to the broadcast hub. A failed persist
// is not broadcast.
func (p *Pipeline) Record(
	ctx context.Context, event common.DeviceEvent,
) (common.DeviceEvent, error) {
	stored, err := p.store.Persist(ctx, event)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Failed to persist message from %s", event.Topic)
		return common.DeviceEvent{}, err
	}
	log.WithFields(p.LogTags).Debugf("Persisted %s", stored)
	p.hub.OnPersisted(stored)
	return stored, nil
}
