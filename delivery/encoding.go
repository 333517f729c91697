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
	"encoding/json"
	"fmt"

	"github.com/alwitt/telemetryhub/common"
	"github.com/fxamacker/cbor/v2"
)

// Batch encoding formats
const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

// BatchEncoder serialize one batch for the wire
type BatchEncoder interface {
	Encode(batch []common.DeviceEvent) ([]byte, error)
	// Binary whether the encoding is binary
	Binary() bool
	ContentType() string
}

// JSONEncoder encode a batch as a JSON array
type JSONEncoder struct{}

// Encode implements BatchEncoder
func (JSONEncoder) Encode(batch []common.DeviceEvent) ([]byte, error) {
	return json.Marshal(batch)
}

// Binary implements BatchEncoder
func (JSONEncoder) Binary() bool {
	return false
}

// ContentType implements BatchEncoder
func (JSONEncoder) ContentType() string {
	return "application/json"
}

// CBOREncoder encode a batch as a CBOR array
type CBOREncoder struct {
	mode cbor.EncMode
}

// GetCBOREncoder define a CBOREncoder. Times are encoded as RFC3339 text with nanoseconds.
func GetCBOREncoder() (CBOREncoder, error) {
	mode, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return CBOREncoder{}, err
	}
	return CBOREncoder{mode: mode}, nil
}

// Encode implements BatchEncoder
func (e CBOREncoder) Encode(batch []common.DeviceEvent) ([]byte, error) {
	return e.mode.Marshal(batch)
}

// Binary implements BatchEncoder
func (CBOREncoder) Binary() bool {
	return true
}

// ContentType implements BatchEncoder
func (CBOREncoder) ContentType() string {
	return "application/cbor"
}

// GetBatchEncoder the encoder of a format. "" selects JSON.
func GetBatchEncoder(format string) (BatchEncoder, error) {
	switch format {
	case "", FormatJSON:
		return JSONEncoder{}, nil
	case FormatCBOR:
		return GetCBOREncoder()
	default:
		return nil, fmt.Errorf("unsupported batch format '%s'", format)
	}
}
