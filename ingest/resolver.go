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
	"encoding/json"
	"strings"

	"github.com/alwitt/telemetryhub/common"
	"github.com/apex/log"
)

// RegistryLookup the client a device is registered to
type RegistryLookup interface {
	ClientIDForDevice(ctx context.Context, deviceID string) (string, error)
}

// HistoryLookup the client seen most recently with a device
type HistoryLookup interface {
	LatestClientIDForDevice(ctx context.Context, deviceID string) (string, error)
}

// Identifiers the device and client an ingested message belongs to. "" means unresolved.
type Identifiers struct {
	DeviceID string
	ClientID string
}

// IdentifierResolver work out the device and client of an inbound message
type IdentifierResolver struct {
	common.Component
	topicDeviceIdx *int
	topicClientIdx *int
	registry       RegistryLookup
	history        HistoryLookup
}

// GetIdentifierResolver define a new IdentifierResolver
//
// topicDeviceIdx / topicClientIdx are the topic segments holding the identifiers;
// nil disables that fallback. Either lookup may be nil.
func GetIdentifierResolver(
	topicDeviceIdx, topicClientIdx *int, registry RegistryLookup, history HistoryLookup,
) IdentifierResolver {
	return IdentifierResolver{
		Component: common.Component{
			LogTags: log.Fields{"module": "ingest", "component": "identifier-resolver"},
		},
		topicDeviceIdx: topicDeviceIdx,
		topicClientIdx: topicClientIdx,
		registry:       registry,
		history:        history,
	}
}

// jsonText the text form of a JSON value. Strings give their content, numbers and
// booleans their literal. null, objects and arrays give "".
func jsonText(value json.RawMessage) (string, bool) {
	trimmed := strings.TrimSpace(string(value))
	if trimmed == "" || trimmed == "null" {
		return "", false
	}
	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(value, &text); err != nil {
			return "", true
		}
		return text, true
	case '{', '[':
		return "", true
	default:
		return trimmed, true
	}
}

// firstField text of the first non-null field among keys
func firstField(fields map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		if value, ok := fields[key]; ok {
			if text, present := jsonText(value); present {
				return common.NormalizeID(text)
			}
		}
	}
	return ""
}

// topicSegment the normalized topic segment at index. "" when out of range.
func topicSegment(topic string, index *int) string {
	if index == nil || *index < 0 || topic == "" {
		return ""
	}
	segments := strings.Split(topic, "/")
	if *index >= len(segments) {
		return ""
	}
	return common.NormalizeID(segments[*index])
}

// Resolve determine the device and client of a message
//
// Per field, the first source that yields a value wins:
//  1. payload fields "deviceId" / "device_id". For the client, senderHint first,
//     then payload fields "clientId" / "client_id".
//  2. the configured topic segment.
//  3. client only, with a resolved device: the registry lookup, then the history lookup.
//
// Unparsable payloads and failed lookups only skip that source.
func (r IdentifierResolver) Resolve(
	ctx context.Context, topic, payload, senderHint string,
) Identifiers {
	result := Identifiers{ClientID: common.NormalizeID(senderHint)}

	if fields, ok := parseObject(payload); ok {
		result.DeviceID = firstField(fields, "deviceId", "device_id")
		if result.ClientID == "" {
			result.ClientID = firstField(fields, "clientId", "client_id")
		}
	}

	if result.DeviceID == "" {
		result.DeviceID = topicSegment(topic, r.topicDeviceIdx)
	}
	if result.ClientID == "" {
		result.ClientID = topicSegment(topic, r.topicClientIdx)
	}

	if result.ClientID == "" && result.DeviceID != "" {
		result.ClientID = r.lookupClientID(ctx, result.DeviceID)
	}
	return result
}

// lookupClientID consult the registry, then the history
func (r IdentifierResolver) lookupClientID(ctx context.Context, deviceID string) string {
	if r.registry != nil {
		clientID, err := r.registry.ClientIDForDevice(ctx, deviceID)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Warnf(
				"Registry lookup for %s failed", deviceID,
			)
		} else if clientID = common.NormalizeID(clientID); clientID != "" {
			return clientID
		}
	}
	if r.history != nil {
		clientID, err := r.history.LatestClientIDForDevice(ctx, deviceID)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Warnf(
				"History lookup for %s failed", deviceID,
			)
		} else if clientID = common.NormalizeID(clientID); clientID != "" {
			return clientID
		}
	}
	return ""
}
