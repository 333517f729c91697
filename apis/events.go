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
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/alwitt/telemetryhub/common"
	"github.com/alwitt/telemetryhub/ingest"
	"github.com/alwitt/telemetryhub/storage"
	"github.com/alwitt/telemetryhub/transport"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/klauspost/compress/gzhttp"
)

// APIRestEventHandler REST handler for event queries and outbound publish
type APIRestEventHandler struct {
	goutils.RestAPIHandler
	store      storage.EventStore
	publisher  transport.Publisher
	topics     transport.TopicResolver
	defaultQoS int
	pageSize   int
	validate   *validator.Validate
}

// GetAPIRestEventHandler define APIRestEventHandler
func GetAPIRestEventHandler(
	store storage.EventStore,
	publisher transport.Publisher,
	topics transport.TopicResolver,
	defaultQoS int,
	pageSize int,
	httpConfig *common.HTTPConfig,
) (APIRestEventHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "events",
	}
	if pageSize < 1 {
		return APIRestEventHandler{}, fmt.Errorf("invalid history page size %d", pageSize)
	}
	return APIRestEventHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		store:          store,
		publisher:      publisher,
		topics:         topics,
		defaultQoS:     defaultQoS,
		pageSize:       pageSize,
		validate:       validator.New(),
	}, nil
}

// =======================================================================
// Event query

// APIRestRespDeviceEvents response to an event query
type APIRestRespDeviceEvents struct {
	goutils.RestAPIBaseResponse
	// Events the matching events, newest first
	Events []common.DeviceEvent `json:"events"`
}

// QueryEvents godoc
// @Summary Query recent events
// @Description Fetch the most recent stored events, newest first
// @tags Events
// @Produce json
// @Param Telemetryhub-Request-ID header string false "User provided request ID to match against logs"
// @Param deviceId query string false "Only events of this device"
// @Param clientId query string false "Only events of this client"
// @Param limit query integer false "Max number of events (capped by the history page size)"
// @Success 200 {object} APIRestRespDeviceEvents "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Telemetryhub-Request-ID "Request ID to match against logs"
// @Router /v1/events [get]
func (h APIRestEventHandler) QueryEvents(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	filter, err := readEventFilter(r)
	if err != nil {
		msg := "Invalid event filter"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	limit, err := readLimit(r, h.pageSize)
	if err != nil {
		msg := "Invalid limit"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	events, err := h.store.Recent(r.Context(), filter.DeviceID, filter.ClientID, limit)
	if err != nil {
		msg := fmt.Sprintf("Unable to query events for %s", filter)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespDeviceEvents{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Events:              events,
	}
}

// QueryEventsHandler Wrapper around QueryEvents. Responses are gzip compressed when the
// client accepts it.
func (h APIRestEventHandler) QueryEventsHandler() http.HandlerFunc {
	return gzhttp.GzipHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.QueryEvents(w, r)
	}))
}

// =======================================================================
// Outbound publish

// PublishRequest an outbound message to publish on behalf of a device
type PublishRequest struct {
	// Payload is the message payload
	Payload string `json:"payload" validate:"required"`
	// QoS is the transport priority hint, 0 to 2. The configured default when not given.
	QoS *int `json:"qos,omitempty"`
	// Retained is the transport retention hint
	Retained *bool `json:"retained,omitempty"`
	// DeviceID is the target device
	DeviceID string `json:"deviceId" validate:"required"`
	// ClientID is the optional client context
	ClientID string `json:"clientId,omitempty"`
}

// PublishMessage godoc
// @Summary Publish a message
// @Description Publish a message on behalf of a device. The topic comes from the configured
// pattern, or the default topic.
// @tags Events
// @Accept json
// @Produce json
// @Param Telemetryhub-Request-ID header string false "User provided request ID to match against logs"
// @Param message body PublishRequest true "Message to publish"
// @Success 202 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 202,400,500 {string} Telemetryhub-Request-ID "Request ID to match against logs"
// @Router /v1/publish [post]
func (h APIRestEventHandler) PublishMessage(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var request PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	request.DeviceID = common.NormalizeID(request.DeviceID)
	request.ClientID = common.NormalizeID(request.ClientID)
	if strings.TrimSpace(request.Payload) == "" {
		request.Payload = ""
	}
	if err := h.validate.Struct(&request); err != nil {
		msg := "Invalid publish request"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	qos := h.defaultQoS
	if request.QoS != nil {
		if *request.QoS < 0 || *request.QoS > 2 {
			msg := "QoS must be between 0 and 2"
			log.WithFields(localLogTags).Errorf("Invalid QoS %d requested", *request.QoS)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
			return
		}
		qos = *request.QoS
	}

	topic, err := h.topics.Resolve(request.DeviceID, request.ClientID)
	if err != nil {
		msg := "Unable to determine publish topic"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	outbound := common.OutboundMessage{
		Topic:    topic,
		QoS:      qos,
		Retained: request.Retained != nil && *request.Retained,
		Payload:  ingest.EnrichForPublish(request.Payload, request.DeviceID, request.ClientID),
	}
	if err := h.publisher.Publish(r.Context(), outbound); err != nil {
		msg := fmt.Sprintf("Unable to publish message to %s", topic)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}

	respCode = http.StatusAccepted
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// PublishMessageHandler Wrapper around PublishMessage
func (h APIRestEventHandler) PublishMessageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishMessage(w, r)
	}
}
