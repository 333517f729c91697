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
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func decodeEnriched(t *testing.T, enriched string) map[string]interface{} {
	result := map[string]interface{}{}
	assert.Nil(t, json.Unmarshal([]byte(enriched), &result), enriched)
	return result
}

func TestEnrichJSONObject(t *testing.T) {
	assert := assert.New(t)

	now := time.Date(2025, time.November, 6, 23, 30, 15, 500, time.FixedZone("X", 3600*5))

	// Case 0: identifiers resolved
	{
		enriched := EnrichPayload(
			`{"usage":"18.5cc","nested":{"a":[1,2]},"timestamp":"old"}`, "d1", "c1", now,
		)
		fields := decodeEnriched(t, enriched)
		assert.Equal("18.5cc", fields["usage"])
		assert.Equal(map[string]interface{}{"a": []interface{}{1.0, 2.0}}, fields["nested"])
		assert.Equal("2025-11-06T18:30:15.0000005Z", fields["timestamp"])
		assert.Equal("2025-11-06", fields["date"])
		assert.Equal("d1", fields["deviceId"])
		assert.Equal("c1", fields["clientId"])
		assert.NotContains(fields, "payload")
	}

	// Case 1: identifiers unresolved, existing identifiers untouched
	{
		enriched := EnrichPayload(`{"deviceId":"original","value":3}`, "", "", now)
		fields := decodeEnriched(t, enriched)
		assert.Equal("original", fields["deviceId"])
		assert.NotContains(fields, "clientId")
		assert.Equal(3.0, fields["value"])
		assert.Contains(fields, "timestamp")
		assert.Contains(fields, "date")
	}

	// Case 2: empty object
	{
		fields := decodeEnriched(t, EnrichPayload(" {} ", "d1", "", now))
		assert.Len(fields, 3)
		assert.Equal("d1", fields["deviceId"])
	}

	// Case 3: HTML characters kept as is
	{
		enriched := EnrichPayload(`{"note":"a<b&c"}`, "", "", now)
		assert.Contains(enriched, `"note":"a<b&c"`)
	}
}

func TestEnrichWrapped(t *testing.T) {
	assert := assert.New(t)

	now := time.Date(2025, time.November, 6, 6, 15, 0, 0, time.UTC)

	type testCase struct {
		raw        string
		hasPayload bool
	}
	cases := []testCase{
		{raw: "", hasPayload: false},
		{raw: "   ", hasPayload: false},
		{raw: "18.5cc", hasPayload: true},
		{raw: "42", hasPayload: true},
		{raw: `"quoted"`, hasPayload: true},
		{raw: `[1,2,3]`, hasPayload: true},
		{raw: `null`, hasPayload: true},
		{raw: `{"broken":`, hasPayload: true},
		{raw: ` padded text `, hasPayload: true},
	}
	for idx, oneCase := range cases {
		fields := decodeEnriched(t, EnrichPayload(oneCase.raw, "d1", "c1", now))
		assert.Equal("d1", fields["deviceId"], "case %d", idx)
		assert.Equal("c1", fields["clientId"], "case %d", idx)
		assert.Equal("2025-11-06T06:15:00Z", fields["timestamp"], "case %d", idx)
		assert.Equal("2025-11-06", fields["date"], "case %d", idx)
		assert.NotContains(fields, "payloadEncoding", "case %d", idx)
		if oneCase.hasPayload {
			assert.Equal(oneCase.raw, fields["payload"], "case %d", idx)
		} else {
			assert.NotContains(fields, "payload", "case %d", idx)
		}
	}

	// Unresolved identifiers are omitted
	{
		fields := decodeEnriched(t, EnrichPayload("text", "", "", now))
		assert.NotContains(fields, "deviceId")
		assert.NotContains(fields, "clientId")
		assert.Len(fields, 3)
	}

	// Text which is not valid UTF-8 is carried as base64
	{
		raw := "abc\xff"
		fields := decodeEnriched(t, EnrichPayload(raw, "d1", "", now))
		assert.Equal(PayloadEncodingBase64, fields["payloadEncoding"])
		encoded, ok := fields["payload"].(string)
		assert.True(ok)
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		assert.Nil(err)
		assert.Equal([]byte(raw), decoded)
	}

	// Valid multi-byte text stays as is
	{
		fields := decodeEnriched(t, EnrichPayload("18.5 m³", "d1", "", now))
		assert.Equal("18.5 m³", fields["payload"])
		assert.NotContains(fields, "payloadEncoding")
	}

	// A wrapped result is an object, so enriching it again merges
	{
		first := EnrichPayload("text", "d1", "", now)
		second := decodeEnriched(t, EnrichPayload(first, "", "c1", now.Add(time.Hour)))
		assert.Equal("text", second["payload"])
		assert.Equal("d1", second["deviceId"])
		assert.Equal("c1", second["clientId"])
		assert.Equal("2025-11-06T07:15:00Z", second["timestamp"])
	}
}

func TestEnrichForPublish(t *testing.T) {
	assert := assert.New(t)

	// Case 0: JSON object
	{
		fields := decodeEnriched(t, EnrichForPublish(`{"valve":"open"}`, "d1", "c1"))
		assert.Equal("open", fields["valve"])
		assert.Equal("d1", fields["deviceId"])
		assert.Equal("c1", fields["clientId"])
		assert.NotContains(fields, "timestamp")
	}

	// Case 1: JSON object, no client
	{
		fields := decodeEnriched(t, EnrichForPublish(`{"valve":"open"}`, "d1", ""))
		assert.NotContains(fields, "clientId")
	}

	// Case 2: wrapped
	{
		fields := decodeEnriched(t, EnrichForPublish("open", "d1", ""))
		assert.Equal(map[string]interface{}{"deviceId": "d1", "payload": "open"}, fields)
	}

	// Case 3: wrapped, not valid UTF-8
	{
		fields := decodeEnriched(t, EnrichForPublish("\xfe\x01", "d1", ""))
		assert.Equal(PayloadEncodingBase64, fields["payloadEncoding"])
		assert.Equal(base64.StdEncoding.EncodeToString([]byte("\xfe\x01")), fields["payload"])
	}
}
