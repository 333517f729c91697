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

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/telemetryhub/common"
	"github.com/alwitt/telemetryhub/delivery"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// APIRestLiveFeedHandler handler for the live event feeds
type APIRestLiveFeedHandler struct {
	goutils.RestAPIHandler
	multiplexer *delivery.Multiplexer
	upgrader    websocket.Upgrader
	heartbeat   time.Duration
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetAPIRestLiveFeedHandler define APIRestLiveFeedHandler. A heartbeat of 0 disables
// websocket pings.
func GetAPIRestLiveFeedHandler(
	baseContext context.Context,
	multiplexer *delivery.Multiplexer,
	heartbeat time.Duration,
	httpConfig *common.HTTPConfig,
	wg *sync.WaitGroup,
) (APIRestLiveFeedHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "live-feed",
	}
	if heartbeat < 0 {
		return APIRestLiveFeedHandler{}, fmt.Errorf("invalid heartbeat interval %s", heartbeat)
	}
	return APIRestLiveFeedHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		multiplexer:    multiplexer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		heartbeat:   heartbeat,
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// =======================================================================
// Websocket feed

// LiveFeedWebsocket godoc
// @Summary Live event feed over websocket
// @Description Stream batches of events matching the filter. The first frame carries the
// recent history of the filter when there is any. JSON batches are sent as text frames,
// CBOR batches as binary frames. Frames sent by the client are ignored.
// @tags Live
// @Param Telemetryhub-Request-ID header string false "User provided request ID to match against logs"
// @Param deviceId query string false "Only events of this device"
// @Param clientId query string false "Only events of this client"
// @Param format query string false "Batch encoding: json (DEFAULT) or cbor"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/events/ws [get]
func (h APIRestLiveFeedHandler) LiveFeedWebsocket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	reply := func(respCode int, respBody interface{}) {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	filter, err := readEventFilter(r)
	if err != nil {
		msg := "Invalid event filter"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		reply(
			http.StatusBadRequest,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error()),
		)
		return
	}
	format, _, err := readSingleQuery(r, "format")
	if err != nil {
		msg := "Invalid batch format"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		reply(
			http.StatusBadRequest,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error()),
		)
		return
	}
	encoder, err := delivery.GetBatchEncoder(format)
	if err != nil {
		msg := "Invalid batch format"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		reply(
			http.StatusBadRequest,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error()),
		)
		return
	}

	runtimeCtxt, cancel := context.WithCancel(h.baseContext)
	defer cancel()

	// Attach before upgrading so attach failures are still plain HTTP errors
	session, err := h.multiplexer.Attach(runtimeCtxt, filter)
	if err != nil {
		msg := fmt.Sprintf("Unable to start live feed for %s", filter)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		reply(
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error()),
		)
		return
	}
	defer session.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	logTags := localLogTags
	logTags["session"] = session.ID()
	logTags["filter"] = filter.String()
	log.WithFields(logTags).Info("Websocket live feed connected")

	// Inbound frames are discarded. A read failure means the viewer went away.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				log.WithError(err).WithFields(logTags).Debug("Websocket read loop ended")
				return
			}
		}
	}()

	if h.heartbeat > 0 {
		heartbeat, err := common.GetIntervalTimerInstance(
			fmt.Sprintf("ws-heartbeat-%s", session.ID()), runtimeCtxt, h.wg,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define heartbeat timer")
			return
		}
		if err := heartbeat.Start(h.heartbeat, func() error {
			return conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(h.heartbeat),
			)
		}, false); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start heartbeat timer")
			return
		}
		defer func() {
			_ = heartbeat.Stop()
		}()
	}

	frameType := websocket.TextMessage
	if encoder.Binary() {
		frameType = websocket.BinaryMessage
	}
	writer := delivery.BatchWriterFunc(func(_ context.Context, batch []common.DeviceEvent) error {
		frame, err := encoder.Encode(batch)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(frameType, frame); err != nil {
			return err
		}
		log.WithFields(logTags).Debugf("Sent batch of %d events (%dB)", len(batch), len(frame))
		return nil
	})

	closeCode := websocket.CloseNormalClosure
	closeReason := ""
	if err := session.Run(runtimeCtxt, writer); err != nil {
		log.WithError(err).WithFields(logTags).Error("Websocket live feed failed")
		closeCode = websocket.CloseInternalServerErr
		closeReason = "live feed failure"
	} else if h.baseContext.Err() != nil {
		closeCode = websocket.CloseGoingAway
		closeReason = "server stopping"
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, closeReason),
		time.Now().Add(time.Second),
	)
	log.WithFields(logTags).Info("Websocket live feed closed")
}

// LiveFeedWebsocketHandler Wrapper around LiveFeedWebsocket
func (h APIRestLiveFeedHandler) LiveFeedWebsocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.LiveFeedWebsocket(w, r)
	}
}

// =======================================================================
// Streaming HTTP feed

// LiveFeedStream godoc
// @Summary Live event feed over a long lived HTTP response
// @Description Stream batches of events matching the filter as newline delimited JSON
// arrays. The first line carries the recent history of the filter when there is any.
// The stream ends on client disconnect, server shutdown, or delivery failure.
// @tags Live
// @Produce json
// @Param Telemetryhub-Request-ID header string false "User provided request ID to match against logs"
// @Param deviceId query string false "Only events of this device"
// @Param clientId query string false "Only events of this client"
// @Success 200 {array} common.DeviceEvent "one batch per line"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Telemetryhub-Request-ID "Request ID to match against logs"
// @Router /v1/events/stream [get]
func (h APIRestLiveFeedHandler) LiveFeedStream(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	reply := func(respCode int, respBody interface{}) {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	filter, err := readEventFilter(r)
	if err != nil {
		msg := "Invalid event filter"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		reply(
			http.StatusBadRequest,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error()),
		)
		return
	}

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTags).Error(msg)
		reply(
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg),
		)
		return
	}

	runtimeCtxt, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Stop on server shutdown as well
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-h.baseContext.Done():
			cancel()
		case <-runtimeCtxt.Done():
		}
	}()

	session, err := h.multiplexer.Attach(runtimeCtxt, filter)
	if err != nil {
		msg := fmt.Sprintf("Unable to start live feed for %s", filter)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		reply(
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error()),
		)
		return
	}

	logTags := localLogTags
	logTags["session"] = session.ID()
	logTags["filter"] = filter.String()

	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "application/x-ndjson")
	if requestID := h.ReadRequestIDFromContext(r.Context()); requestID != "" {
		w.Header().Set(*h.CallRequestIDHeaderField, requestID)
	}
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()

	writer := delivery.BatchWriterFunc(func(_ context.Context, batch []common.DeviceEvent) error {
		serialize, err := json.Marshal(batch)
		if err != nil {
			return err
		}
		written, err := fmt.Fprintf(w, "%s\n", serialize)
		writeFlusher.Flush()
		if err != nil {
			return err
		}
		log.WithFields(logTags).Debugf("Written %dB", written)
		return nil
	})

	if err := session.Run(runtimeCtxt, writer); err != nil {
		log.WithError(err).WithFields(logTags).Error("Streaming live feed failed")
	}
	log.WithFields(logTags).Info("Streaming live feed closed")
}

// LiveFeedStreamHandler Wrapper around LiveFeedStream
func (h APIRestLiveFeedHandler) LiveFeedStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.LiveFeedStream(w, r)
	}
}
