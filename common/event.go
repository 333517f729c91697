package common

import (
	"fmt"
	"time"
)

// DeviceEvent the persisted record of one ingested telemetry message
type DeviceEvent struct {
	// ID is assigned by the event store on persist. Monotonically increasing.
	ID int64 `json:"id"`
	// DeviceID is the telemetry source. "" when it could not be resolved.
	DeviceID string `json:"deviceId,omitempty"`
	// ClientID is the owning client context. "" when it could not be resolved.
	ClientID string `json:"clientId,omitempty"`
	// Topic is the transport topic the message arrived on
	Topic string `json:"topic"`
	// Payload is the enriched payload
	Payload string `json:"payload"`
	// QoS is the transport priority hint
	QoS int `json:"qos"`
	// Retained is the transport retention hint
	Retained bool `json:"retained"`
	// ReceivedAt is assigned at persist time when not provided
	ReceivedAt time.Time `json:"receivedAt"`
}

// String toString function
func (e DeviceEvent) String() string {
	return fmt.Sprintf("EVENT[%d %s/%s@%s]", e.ID, e.DeviceID, e.ClientID, e.Topic)
}

// InboundMessage one message as handed over by the transport adapter
type InboundMessage struct {
	Topic    string
	Payload  []byte
	QoS      int
	Retained bool
	// SenderID is the optional side-channel sender identity
	SenderID string
}

// OutboundMessage one message to publish through the transport adapter
type OutboundMessage struct {
	Topic    string `validate:"required"`
	QoS      int    `validate:"gte=0,lte=2"`
	Retained bool
	Payload  string `validate:"required"`
}
