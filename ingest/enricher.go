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
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

// DateLayout layout of the "date" field added to enriched payloads
const DateLayout = "2006-01-02"

// PayloadEncodingBase64 "payloadEncoding" of a wrapped payload carried as base64
const PayloadEncodingBase64 = "base64"

// parseObject decode the payload if it is a JSON object. This is the only check
// deciding between merging into the payload and wrapping it.
func parseObject(raw string) (map[string]json.RawMessage, bool) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

// encodeJSON serialize without HTML escaping, so payload text is stored as sent
func encodeJSON(value interface{}) (string, error) {
	buf := new(bytes.Buffer)
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// setString set a string field of a decoded JSON object
func setString(fields map[string]json.RawMessage, key, value string) {
	// Marshalling a string never fails
	encoded, _ := json.Marshal(value)
	fields[key] = encoded
}

// wrappedPayload the envelope for payloads which are not JSON objects
type wrappedPayload struct {
	DeviceID  string  `json:"deviceId,omitempty"`
	ClientID  string  `json:"clientId,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
	Date      string  `json:"date,omitempty"`
	Payload   *string `json:"payload,omitempty"`
	// PayloadEncoding "base64" when the payload is not valid UTF-8
	PayloadEncoding string `json:"payloadEncoding,omitempty"`
}

// setPayload carry the original text. JSON strings cannot hold arbitrary bytes, so
// text which is not valid UTF-8 is carried base64 encoded instead.
func (w *wrappedPayload) setPayload(raw string) {
	if utf8.ValidString(raw) {
		w.Payload = &raw
		return
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(raw))
	w.Payload = &encoded
	w.PayloadEncoding = PayloadEncodingBase64
}

// EnrichPayload produce the stored form of an ingested payload
//
// A JSON object payload gets "timestamp" and "date" set, plus "deviceId" / "clientId"
// when resolved. Any other payload is wrapped in a new object carrying the same fields,
// with the original text under "payload" when it was not blank. Text which is not valid
// UTF-8 is stored base64 encoded, flagged by "payloadEncoding".
func EnrichPayload(raw, deviceID, clientID string, now time.Time) string {
	now = now.UTC()
	timestamp := now.Format(time.RFC3339Nano)
	date := now.Format(DateLayout)

	if fields, ok := parseObject(raw); ok {
		setString(fields, "timestamp", timestamp)
		setString(fields, "date", date)
		if deviceID != "" {
			setString(fields, "deviceId", deviceID)
		}
		if clientID != "" {
			setString(fields, "clientId", clientID)
		}
		if merged, err := encodeJSON(fields); err == nil {
			return merged
		}
	}

	wrapped := wrappedPayload{
		DeviceID: deviceID, ClientID: clientID, Timestamp: timestamp, Date: date,
	}
	if strings.TrimSpace(raw) != "" {
		wrapped.setPayload(raw)
	}
	result, _ := encodeJSON(wrapped)
	return result
}

// EnrichForPublish produce the payload of an outbound message
//
// A JSON object payload gets "deviceId", plus "clientId" when given. Any other payload
// is wrapped as {deviceId, clientId, payload}.
func EnrichForPublish(raw, deviceID, clientID string) string {
	if fields, ok := parseObject(raw); ok {
		setString(fields, "deviceId", deviceID)
		if clientID != "" {
			setString(fields, "clientId", clientID)
		}
		if merged, err := encodeJSON(fields); err == nil {
			return merged
		}
	}
	wrapped := wrappedPayload{DeviceID: deviceID, ClientID: clientID}
	wrapped.setPayload(raw)
	result, _ := encodeJSON(wrapped)
	return result
}
