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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/telemetryhub/apis"
	"github.com/alwitt/telemetryhub/broadcast"
	"github.com/alwitt/telemetryhub/common"
	"github.com/alwitt/telemetryhub/core"
	"github.com/alwitt/telemetryhub/delivery"
	"github.com/alwitt/telemetryhub/ingest"
	"github.com/alwitt/telemetryhub/storage"
	"github.com/alwitt/telemetryhub/subscription"
	"github.com/alwitt/telemetryhub/transport"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// publishFlushTimeout bounds the publish flush when the API request has no deadline
const publishFlushTimeout = time.Second * 10

// pipelineDrainTimeout max wait for in-flight ingest work during shutdown
const pipelineDrainTimeout = time.Second * 10

// eventCore the storage and fan-out components shared by the commands
type eventCore struct {
	store    *storage.SQLiteStore
	registry subscription.Registry
	channel  broadcast.Channel
	pipeline *ingest.Pipeline
}

// defineEventCore open the event store and build the ingestion pipeline around it
func defineEventCore(
	ctxt context.Context, config *common.SystemConfig, instance string,
) (*eventCore, error) {
	store, err := storage.GetSQLiteStore(config.Storage.DBPath, config.Storage.HistoryPageSize)
	if err != nil {
		return nil, err
	}
	registry := subscription.GetRegistry(instance)
	channel := broadcast.GetChannel(instance, config.LiveFeed.SubscriberBuffer)
	resolver := ingest.GetIdentifierResolver(
		config.Telemetry.TopicDeviceIDIndex, config.Telemetry.TopicClientIDIndex, store, store,
	)
	pipeline, err := ingest.GetPipeline(
		ctxt,
		ingest.PipelineParams{
			Workers:    config.Telemetry.Ingest.Workers,
			QueueDepth: config.Telemetry.Ingest.QueueDepth,
		},
		resolver,
		store,
		broadcast.GetHub(registry, channel),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &eventCore{store: store, registry: registry, channel: channel, pipeline: pipeline}, nil
}

// seedEvents insert the demo readings through the pipeline
func (c *eventCore) seedEvents(ctxt context.Context, config common.SeedConfig) (int, error) {
	fixture := storage.DefaultSeedFixture()
	if config.FixtureFile != "" {
		loaded, err := storage.LoadSeedFixture(config.FixtureFile)
		if err != nil {
			return 0, err
		}
		fixture = loaded
	}
	return storage.GetSeeder(c.store, c.pipeline).Seed(ctxt, fixture)
}

// RunServer run the telemetry hub server
func RunServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	events, err := defineEventCore(localCtxt, config, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event store and pipeline")
		return err
	}
	defer func() {
		if err := events.store.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Event store close failed")
		}
	}()

	if err := events.pipeline.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start ingest workers")
		return err
	}
	// Runs before the store closes, so in-flight ingest completes against an open store
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), pipelineDrainTimeout)
		defer cancel()
		if err := events.pipeline.StopAndWait(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Ingest workers did not drain")
		}
	}()

	if config.Storage.Seed.DemoData {
		if _, err := events.seedEvents(localCtxt, config.Storage.Seed); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to seed demo data")
			return err
		}
	}

	// -------------------------------------------------------------------
	// Transport

	subscriber, err := transport.GetSubscriber(
		localCtxt, natsClient, config.Telemetry.SubscriptionTopics, config.Telemetry.SenderIDHeader,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define telemetry subscriber")
		return err
	}
	if err := subscriber.StartReading(events.pipeline, wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start telemetry subscriber")
		return err
	}

	publisher, err := transport.GetPublisher(natsClient, instance, publishFlushTimeout)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define message publisher")
		return err
	}

	multiplexer, err := delivery.GetMultiplexer(
		events.registry,
		events.channel,
		events.store,
		delivery.MultiplexerParams{
			BatchSize:   config.LiveFeed.BatchSize,
			FlushWindow: config.LiveFeed.FlushWindowDuration(),
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define live feed multiplexer")
		return err
	}

	// -------------------------------------------------------------------
	// HTTP handlers

	httpConfig := &config.API.HTTPSetting
	eventHandler, err := apis.GetAPIRestEventHandler(
		events.store,
		publisher,
		transport.GetTopicResolver(
			config.Telemetry.PublishTopicPattern, config.Telemetry.DefaultPublishTopic,
		),
		config.Telemetry.DefaultQoS,
		config.Storage.HistoryPageSize,
		httpConfig,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event HTTP handler")
		return err
	}
	deviceHandler, err := apis.GetAPIRestDeviceHandler(events.store, httpConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define device HTTP handler")
		return err
	}
	liveHandler, err := apis.GetAPIRestLiveFeedHandler(
		localCtxt,
		multiplexer,
		time.Second*time.Duration(config.LiveFeed.HeartbeatInterval),
		httpConfig,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define live feed HTTP handler")
		return err
	}
	healthHandler, err := apis.GetAPIRestHealthHandler(map[string]apis.ReadinessCheck{
		"nats": func(_ context.Context) error {
			if !natsClient.Connected() {
				return fmt.Errorf("not connected to %s", config.NATS.ServerURI)
			}
			return nil
		},
		"storage": events.store.Ping,
	}, httpConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define health HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.API.Endpoints.PathPrefix, nil)

	// Events
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/events", map[string]http.HandlerFunc{
		"get": eventHandler.QueryEventsHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/publish", map[string]http.HandlerFunc{
		"post": eventHandler.PublishMessageHandler(),
	})

	// Live feeds
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/events/ws", map[string]http.HandlerFunc{
		"get": liveHandler.LiveFeedWebsocketHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/events/stream", map[string]http.HandlerFunc{
		"get": liveHandler.LiveFeedStreamHandler(),
	})

	// Devices
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/devices", map[string]http.HandlerFunc{
		"post": deviceHandler.RegisterDeviceHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/devices/{deviceId}", map[string]http.HandlerFunc{
		"get": deviceHandler.GetDeviceHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": healthHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": healthHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return eventHandler.LoggingMiddleware(next.ServeHTTP)
	})

	serverCfg := config.API.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
