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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/alwitt/telemetryhub/common"
	"github.com/apex/log"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// MemoryDB the SQLite path for a private in-memory database
const MemoryDB = ":memory:"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS device_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT,
		client_id TEXT,
		topic TEXT NOT NULL,
		payload TEXT NOT NULL,
		qos INTEGER NOT NULL DEFAULT 0,
		retained INTEGER NOT NULL DEFAULT 0,
		received_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_events_device
		ON device_events (device_id, received_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_device_events_client
		ON device_events (client_id, received_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_device_events_received
		ON device_events (received_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS device_registrations (
		device_id TEXT PRIMARY KEY,
		client_id TEXT,
		display_name TEXT,
		updated_at INTEGER NOT NULL
	)`,
}

// SQLiteStore SQLite backed EventStore and DeviceRegistry
type SQLiteStore struct {
	common.Component
	db       *sql.DB
	pageSize int
}

// GetSQLiteStore open or create the SQLite database at dbPath
//
// pageSize is the number of events returned by Recent when no limit is given.
func GetSQLiteStore(dbPath string, pageSize int) (*SQLiteStore, error) {
	logTags := log.Fields{"module": "storage", "component": "sqlite", "instance": dbPath}
	if pageSize < 1 {
		return nil, fmt.Errorf("invalid history page size %d", pageSize)
	}

	var db *sql.DB
	var err error
	if dbPath == MemoryDB {
		db, err = sql.Open("sqlite3", MemoryDB)
		if err == nil {
			// Every connection would otherwise get its own empty database
			db.SetMaxOpenConns(1)
		}
	} else {
		pragmas := url.Values{}
		pragmas.Add("_pragma", "busy_timeout(30000)")
		pragmas.Add("_pragma", "journal_mode(wal)")
		pragmas.Add("_pragma", "synchronous(normal)")
		db, err = sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", dbPath, pragmas.Encode()))
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open database")
		return nil, fmt.Errorf("%w: opening database: %w", ErrStorage, err)
	}

	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to apply schema")
			_ = db.Close()
			return nil, fmt.Errorf("%w: applying schema: %w", ErrStorage, err)
		}
	}

	log.WithFields(logTags).Info("Opened event store")
	return &SQLiteStore{
		Component: common.Component{LogTags: logTags},
		db:        db,
		pageSize:  pageSize,
	}, nil
}

// Close close the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping check the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// nullableID identifiers are stored as NULL when absent
func nullableID(value string) sql.NullString {
	value = common.NormalizeID(value)
	return sql.NullString{String: value, Valid: value != ""}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// ================================================================
// Device events

// Persist store a new event
func (s *SQLiteStore) Persist(
	ctx context.Context, event common.DeviceEvent,
) (common.DeviceEvent, error) {
	event.DeviceID = common.NormalizeID(event.DeviceID)
	event.ClientID = common.NormalizeID(event.ClientID)
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}
	event.ReceivedAt = event.ReceivedAt.UTC()

	result, err := s.db.ExecContext(
		ctx,
		`INSERT INTO device_events
			(device_id, client_id, topic, payload, qos, retained, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullableID(event.DeviceID),
		nullableID(event.ClientID),
		event.Topic,
		event.Payload,
		event.QoS,
		boolToInt(event.Retained),
		event.ReceivedAt.UnixNano(),
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to insert %s", event)
		return common.DeviceEvent{}, fmt.Errorf("%w: insert event: %w", ErrStorage, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to read ID of %s", event)
		return common.DeviceEvent{}, fmt.Errorf("%w: read event ID: %w", ErrStorage, err)
	}
	event.ID = id
	log.WithFields(s.LogTags).Debugf("Stored %s", event)
	return event, nil
}

// eventFilter build the WHERE clause for an optional device / client filter
func eventFilter(deviceID, clientID string) (string, []interface{}) {
	conditions := []string{}
	args := []interface{}{}
	if deviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, deviceID)
	}
	if clientID != "" {
		conditions = append(conditions, "client_id = ?")
		args = append(args, clientID)
	}
	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

// Recent fetch the most recent events, newest first
func (s *SQLiteStore) Recent(
	ctx context.Context, deviceID, clientID string, limit int,
) ([]common.DeviceEvent, error) {
	if limit <= 0 {
		limit = s.pageSize
	}
	where, args := eventFilter(common.NormalizeID(deviceID), common.NormalizeID(clientID))
	args = append(args, limit)
	query := fmt.Sprintf(
		`SELECT id, device_id, client_id, topic, payload, qos, retained, received_at
			FROM device_events %s
			ORDER BY received_at DESC, id DESC
			LIMIT ?`,
		where,
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to query recent events")
		return nil, fmt.Errorf("%w: query events: %w", ErrStorage, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	result := []common.DeviceEvent{}
	for rows.Next() {
		var event common.DeviceEvent
		var deviceCol, clientCol sql.NullString
		var retained int
		var receivedAt int64
		if err := rows.Scan(
			&event.ID,
			&deviceCol,
			&clientCol,
			&event.Topic,
			&event.Payload,
			&event.QoS,
			&retained,
			&receivedAt,
		); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to read event row")
			return nil, fmt.Errorf("%w: scan event: %w", ErrStorage, err)
		}
		event.DeviceID = deviceCol.String
		event.ClientID = clientCol.String
		event.Retained = retained != 0
		event.ReceivedAt = time.Unix(0, receivedAt).UTC()
		result = append(result, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate events: %w", ErrStorage, err)
	}
	return result, nil
}

// LatestClientIDForDevice the client ID of the device's most recent event which carried one
func (s *SQLiteStore) LatestClientIDForDevice(
	ctx context.Context, deviceID string,
) (string, error) {
	deviceID = common.NormalizeID(deviceID)
	if deviceID == "" {
		return "", nil
	}
	var clientID string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT client_id FROM device_events
			WHERE device_id = ? AND client_id IS NOT NULL AND TRIM(client_id) <> ''
			ORDER BY received_at DESC, id DESC
			LIMIT 1`,
		deviceID,
	).Scan(&clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to read latest client ID of %s", deviceID,
		)
		return "", fmt.Errorf("%w: latest client ID: %w", ErrStorage, err)
	}
	return common.NormalizeID(clientID), nil
}

// HasEvents whether any event was stored for the device and client pair
func (s *SQLiteStore) HasEvents(ctx context.Context, deviceID, clientID string) (bool, error) {
	where, args := eventFilter(common.NormalizeID(deviceID), common.NormalizeID(clientID))
	var found int
	err := s.db.QueryRowContext(
		ctx, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM device_events %s)", where), args...,
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("%w: check events: %w", ErrStorage, err)
	}
	return found != 0, nil
}

// ================================================================
// Device registrations

// RegisterDevice create or replace the registration of a device
func (s *SQLiteStore) RegisterDevice(
	ctx context.Context, reg DeviceRegistration,
) (DeviceRegistration, error) {
	reg.DeviceID = common.NormalizeID(reg.DeviceID)
	reg.ClientID = common.NormalizeID(reg.ClientID)
	reg.DisplayName = strings.TrimSpace(reg.DisplayName)
	if reg.DeviceID == "" {
		return DeviceRegistration{}, fmt.Errorf("device registration needs a device ID")
	}
	reg.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO device_registrations (device_id, client_id, display_name, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (device_id) DO UPDATE SET
				client_id = excluded.client_id,
				display_name = excluded.display_name,
				updated_at = excluded.updated_at`,
		reg.DeviceID,
		nullableID(reg.ClientID),
		sql.NullString{String: reg.DisplayName, Valid: reg.DisplayName != ""},
		reg.UpdatedAt.UnixNano(),
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to register %s", reg.DeviceID)
		return DeviceRegistration{}, fmt.Errorf("%w: register device: %w", ErrStorage, err)
	}
	log.WithFields(s.LogTags).Infof("Registered device %s to '%s'", reg.DeviceID, reg.ClientID)
	return reg, nil
}

// GetDevice fetch a registration
func (s *SQLiteStore) GetDevice(ctx context.Context, deviceID string) (DeviceRegistration, error) {
	deviceID = common.NormalizeID(deviceID)
	var clientCol, nameCol sql.NullString
	var updatedAt int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT client_id, display_name, updated_at FROM device_registrations
			WHERE device_id = ?`,
		deviceID,
	).Scan(&clientCol, &nameCol, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceRegistration{}, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	} else if err != nil {
		return DeviceRegistration{}, fmt.Errorf("%w: read device: %w", ErrStorage, err)
	}
	return DeviceRegistration{
		DeviceID:    deviceID,
		ClientID:    clientCol.String,
		DisplayName: nameCol.String,
		UpdatedAt:   time.Unix(0, updatedAt).UTC(),
	}, nil
}

// ClientIDForDevice the registered client ID of a device
func (s *SQLiteStore) ClientIDForDevice(ctx context.Context, deviceID string) (string, error) {
	reg, err := s.GetDevice(ctx, deviceID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return common.NormalizeID(reg.ClientID), nil
}
