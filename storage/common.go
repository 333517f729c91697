package storage

import (
	"context"
	"errors"
	"time"

	"github.com/alwitt/telemetryhub/common"
)

// ErrStorage the event store failed to complete an operation
var ErrStorage = errors.New("storage failure")

// ErrNotFound the requested entry does not exist
var ErrNotFound = errors.New("not found")

// EventStore persistence and recency queries for device events
type EventStore interface {
	// Persist store a new event. The returned copy carries the assigned ID, and the
	// receive time if the caller did not set one.
	Persist(ctx context.Context, event common.DeviceEvent) (common.DeviceEvent, error)
	// Recent fetch the most recent events, newest first. Empty deviceID / clientID
	// means no filter on that field. limit <= 0 uses the store's page size.
	Recent(
		ctx context.Context, deviceID, clientID string, limit int,
	) ([]common.DeviceEvent, error)
	// LatestClientIDForDevice the client ID of the device's most recent event which
	// carried one. "" if none.
	LatestClientIDForDevice(ctx context.Context, deviceID string) (string, error)
	// HasEvents whether any event was stored for the device and client pair
	HasEvents(ctx context.Context, deviceID, clientID string) (bool, error)
}

// DeviceRegistration the client a device is registered to
type DeviceRegistration struct {
	DeviceID    string    `json:"deviceId" validate:"required"`
	ClientID    string    `json:"clientId,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// DeviceRegistry device registration records
type DeviceRegistry interface {
	// RegisterDevice create or replace the registration of a device
	RegisterDevice(ctx context.Context, reg DeviceRegistration) (DeviceRegistration, error)
	// GetDevice fetch a registration. ErrNotFound if the device is unknown.
	GetDevice(ctx context.Context, deviceID string) (DeviceRegistration, error)
	// ClientIDForDevice the registered client ID of a device. "" if unknown or blank.
	ClientIDForDevice(ctx context.Context, deviceID string) (string, error)
}
