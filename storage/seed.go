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
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/alwitt/telemetryhub/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// SeedReading one demo reading
type SeedReading struct {
	Usage     string    `yaml:"usage" validate:"required"`
	Timestamp time.Time `yaml:"timestamp" validate:"required"`
}

// SeedFixture a set of demo readings for one device and client
type SeedFixture struct {
	DeviceID string        `yaml:"deviceId" validate:"required"`
	ClientID string        `yaml:"clientId" validate:"required"`
	Topic    string        `yaml:"topic" validate:"required"`
	Readings []SeedReading `yaml:"readings" validate:"required,min=1,dive"`
}

// DefaultSeedFixture the built-in demo readings
//
// Four days of five readings, starting 06:15 UTC in 3 hour steps.
func DefaultSeedFixture() SeedFixture {
	days := []struct {
		day    int
		usages []string
	}{
		{day: 6, usages: []string{"18.5cc", "21.0cc", "22.4cc", "19.8cc", "20.7cc"}},
		{day: 7, usages: []string{"23.1cc", "24.6cc", "26.2cc", "25.4cc", "23.9cc"}},
		{day: 8, usages: []string{"21.7cc", "20.3cc", "19.9cc", "22.5cc", "24.2cc"}},
		{day: 9, usages: []string{"25.6cc", "27.1cc", "26.8cc", "24.9cc", "23.3cc"}},
	}
	fixture := SeedFixture{
		DeviceID: "device-007",
		ClientID: "panel-west",
		Topic:    "water/device-007/data",
		Readings: []SeedReading{},
	}
	for _, oneDay := range days {
		for idx, usage := range oneDay.usages {
			fixture.Readings = append(fixture.Readings, SeedReading{
				Usage: usage,
				Timestamp: time.Date(
					2025, time.November, oneDay.day, 6+idx*3, 15, 0, 0, time.UTC,
				),
			})
		}
	}
	return fixture
}

// LoadSeedFixture read a YAML seed fixture file
func LoadSeedFixture(path string) (SeedFixture, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return SeedFixture{}, err
	}
	var fixture SeedFixture
	if err := yaml.Unmarshal(content, &fixture); err != nil {
		return SeedFixture{}, fmt.Errorf("parse seed fixture %s: %w", path, err)
	}
	if err := validator.New().Struct(&fixture); err != nil {
		return SeedFixture{}, fmt.Errorf("invalid seed fixture %s: %w", path, err)
	}
	return fixture, nil
}

// EventRecorder records an event the same way an ingested event is recorded
type EventRecorder interface {
	Record(ctx context.Context, event common.DeviceEvent) (common.DeviceEvent, error)
}

// Seeder inserts demo readings
type Seeder struct {
	common.Component
	store    EventStore
	recorder EventRecorder
}

// GetSeeder define a new Seeder
func GetSeeder(store EventStore, recorder EventRecorder) Seeder {
	return Seeder{
		Component: common.Component{
			LogTags: log.Fields{"module": "storage", "component": "seeder"},
		},
		store:    store,
		recorder: recorder,
	}
}

// Seed insert the fixture readings, unless events for the fixture's device and client
// pair already exist. Returns the number of inserted events.
func (s Seeder) Seed(ctx context.Context, fixture SeedFixture) (int, error) {
	exists, err := s.store.HasEvents(ctx, fixture.DeviceID, fixture.ClientID)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to check for existing demo data")
		return 0, err
	}
	if exists {
		log.WithFields(s.LogTags).Debugf(
			"Demo data for %s / %s already present", fixture.DeviceID, fixture.ClientID,
		)
		return 0, nil
	}

	inserted := 0
	for _, reading := range fixture.Readings {
		payload, err := json.Marshal(map[string]string{
			"usage":     reading.Usage,
			"timestamp": reading.Timestamp.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return inserted, err
		}
		if _, err := s.recorder.Record(ctx, common.DeviceEvent{
			DeviceID:   fixture.DeviceID,
			ClientID:   fixture.ClientID,
			Topic:      fixture.Topic,
			Payload:    string(payload),
			ReceivedAt: reading.Timestamp,
		}); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to insert demo reading")
			return inserted, err
		}
		inserted++
	}
	log.WithFields(s.LogTags).Infof(
		"Inserted %d demo readings for %s / %s", inserted, fixture.DeviceID, fixture.ClientID,
	)
	return inserted, nil
}
