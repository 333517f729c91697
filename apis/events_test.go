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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alwitt/telemetryhub/common"
	"github.com/alwitt/telemetryhub/storage"
	"github.com/alwitt/telemetryhub/transport"
	"github.com/apex/log"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctxt context.Context, msg common.OutboundMessage) error {
	args := m.Called(ctxt, msg)
	return args.Error(0)
}

func testHTTPConfig() *common.HTTPConfig {
	return &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{
			RequestIDHeader: "Telemetryhub-Request-ID",
			DoNotLogHeaders: []string{"Authorization"},
		},
	}
}

func defineTestStore(t *testing.T) *storage.SQLiteStore {
	store, err := storage.GetSQLiteStore(filepath.Join(t.TempDir(), "events.db"), 50)
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestQueryEvents(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	store := defineTestStore(t)
	uut, err := GetAPIRestEventHandler(
		store, &mockPublisher{}, transport.GetTopicResolver("", "water/data"), 0, 25, testHTTPConfig(),
	)
	require.Nil(t, err)

	base := time.Now().UTC().Add(-time.Hour)
	for idx := 0; idx < 30; idx++ {
		deviceID := "d1"
		if idx%3 == 0 {
			deviceID = "d2"
		}
		_, err := store.Persist(context.Background(), common.DeviceEvent{
			DeviceID:   deviceID,
			ClientID:   "c1",
			Topic:      fmt.Sprintf("water/%s/data", deviceID),
			Payload:    fmt.Sprintf(`{"usage":"%d.5cc","note":"%s"}`, idx, strings.Repeat("x", 64)),
			ReceivedAt: base.Add(time.Minute * time.Duration(idx)),
		})
		require.Nil(t, err)
	}

	query := func(target string) (int, APIRestRespDeviceEvents) {
		req, err := http.NewRequest("GET", target, nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.QueryEventsHandler().ServeHTTP(respRecorder, req)
		var resp APIRestRespDeviceEvents
		if respRecorder.Code == http.StatusOK {
			assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		}
		return respRecorder.Code, resp
	}

	// Case 0: unfiltered, capped at the page size
	{
		code, resp := query("/v1/events")
		assert.Equal(http.StatusOK, code)
		assert.True(resp.Success)
		assert.Len(resp.Events, 25)
		for idx := 1; idx < len(resp.Events); idx++ {
			assert.True(resp.Events[idx-1].ReceivedAt.After(resp.Events[idx].ReceivedAt))
		}
	}

	// Case 1: filter by device
	{
		code, resp := query("/v1/events?deviceId=d2")
		assert.Equal(http.StatusOK, code)
		assert.Len(resp.Events, 10)
		for _, event := range resp.Events {
			assert.Equal("d2", event.DeviceID)
		}
	}

	// Case 2: filter by both, with a limit
	{
		code, resp := query("/v1/events?deviceId=d1&clientId=c1&limit=3")
		assert.Equal(http.StatusOK, code)
		assert.Len(resp.Events, 3)
		assert.Equal(`{"usage":"29.5cc","note":"`+strings.Repeat("x", 64)+`"}`, resp.Events[0].Payload)
	}

	// Case 3: unknown client
	{
		code, resp := query("/v1/events?clientId=c9")
		assert.Equal(http.StatusOK, code)
		assert.Len(resp.Events, 0)
	}

	// Case 4: bad parameters
	{
		code, _ := query("/v1/events?limit=abc")
		assert.Equal(http.StatusBadRequest, code)
		code, _ = query("/v1/events?limit=0")
		assert.Equal(http.StatusBadRequest, code)
		code, _ = query("/v1/events?deviceId=d1&deviceId=d2")
		assert.Equal(http.StatusBadRequest, code)
	}

	// Case 5: gzip
	{
		req, err := http.NewRequest("GET", "/v1/events", nil)
		assert.Nil(err)
		req.Header.Set("Accept-Encoding", "gzip")
		respRecorder := httptest.NewRecorder()
		uut.QueryEventsHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		assert.Equal("gzip", respRecorder.Header().Get("Content-Encoding"))
		reader, err := gzip.NewReader(respRecorder.Body)
		assert.Nil(err)
		raw, err := io.ReadAll(reader)
		assert.Nil(err)
		var resp APIRestRespDeviceEvents
		assert.Nil(json.Unmarshal(raw, &resp))
		assert.Len(resp.Events, 25)
	}

	// Case 6: store failure
	{
		assert.Nil(store.Close())
		code, _ := query("/v1/events")
		assert.Equal(http.StatusInternalServerError, code)
	}
}

func TestPublishMessage(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	store := defineTestStore(t)
	publisher := &mockPublisher{}
	uut, err := GetAPIRestEventHandler(
		store,
		publisher,
		transport.GetTopicResolver("water/{deviceId}/{clientId}/cmd", "water/data"),
		1,
		50,
		testHTTPConfig(),
	)
	require.Nil(t, err)

	publish := func(body string) int {
		req, err := http.NewRequest("POST", "/v1/publish", bytes.NewBufferString(body))
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.PublishMessageHandler().ServeHTTP(respRecorder, req)
		return respRecorder.Code
	}

	// Case 0: invalid requests
	{
		assert.Equal(http.StatusBadRequest, publish(`not json`))
		assert.Equal(http.StatusBadRequest, publish(`{"payload":"1"}`))
		assert.Equal(http.StatusBadRequest, publish(`{"payload":"  ","deviceId":"d1","clientId":"c1"}`))
		assert.Equal(http.StatusBadRequest, publish(`{"payload":"1","deviceId":"d1","clientId":"c1","qos":3}`))
		assert.Equal(http.StatusBadRequest, publish(`{"payload":"1","deviceId":"d1","clientId":"c1","qos":-1}`))
		// Pattern needs the client ID
		assert.Equal(http.StatusBadRequest, publish(`{"payload":"1","deviceId":"d1"}`))
		// IDs which would change the topic levels
		assert.Equal(http.StatusBadRequest, publish(`{"payload":"1","deviceId":"sensor.7","clientId":"c1"}`))
		assert.Equal(http.StatusBadRequest, publish(`{"payload":"1","deviceId":"sensor/7","clientId":"c1"}`))
		assert.Equal(http.StatusBadRequest, publish(`{"payload":"1","deviceId":"d1","clientId":"panel #2"}`))
	}

	// Case 1: JSON object payload
	{
		publisher.On(
			"Publish",
			mock.Anything,
			mock.MatchedBy(func(msg common.OutboundMessage) bool {
				var fields map[string]interface{}
				if err := json.Unmarshal([]byte(msg.Payload), &fields); err != nil {
					return false
				}
				return msg.Topic == "water/d1/c1/cmd" && msg.QoS == 1 && msg.Retained &&
					fields["deviceId"] == "d1" && fields["clientId"] == "c1" && fields["valve"] == "open"
			}),
		).Return(nil).Once()
		assert.Equal(
			http.StatusAccepted,
			publish(`{"payload":"{\"valve\":\"open\"}","deviceId":" d1 ","clientId":"c1","retained":true}`),
		)
	}

	// Case 2: plain payload is wrapped, explicit QoS 0
	{
		publisher.On(
			"Publish",
			mock.Anything,
			mock.MatchedBy(func(msg common.OutboundMessage) bool {
				var fields map[string]interface{}
				if err := json.Unmarshal([]byte(msg.Payload), &fields); err != nil {
					return false
				}
				return msg.Topic == "water/d2/c2/cmd" && msg.QoS == 0 && !msg.Retained &&
					fields["deviceId"] == "d2" && fields["payload"] == "close"
			}),
		).Return(nil).Once()
		assert.Equal(
			http.StatusAccepted,
			publish(`{"payload":"close","deviceId":"d2","clientId":"c2","qos":0}`),
		)
	}

	// Case 3: transport failure
	{
		publisher.On("Publish", mock.Anything, mock.Anything).
			Return(fmt.Errorf("dummy error")).Once()
		assert.Equal(
			http.StatusInternalServerError,
			publish(`{"payload":"1","deviceId":"d3","clientId":"c3"}`),
		)
	}

	publisher.AssertExpectations(t)

	// Case 4: no pattern, no default topic
	{
		uut, err := GetAPIRestEventHandler(
			store, publisher, transport.GetTopicResolver("", ""), 0, 50, testHTTPConfig(),
		)
		require.Nil(t, err)
		req, err := http.NewRequest(
			"POST", "/v1/publish", bytes.NewBufferString(`{"payload":"1","deviceId":"d1"}`),
		)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.PublishMessageHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}
}
