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

package cmd

import (
	"context"

	"github.com/alwitt/telemetryhub/common"
	"github.com/apex/log"
)

// RunSeed insert the demo readings into the event store, then exit. Returns the number
// of inserted readings.
func RunSeed(
	runTimeContext context.Context, config *common.SystemConfig, instance string,
) (int, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "seed",
		"instance":  instance,
	}

	events, err := defineEventCore(runTimeContext, config, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event store and pipeline")
		return 0, err
	}
	defer func() {
		if err := events.store.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Event store close failed")
		}
	}()

	inserted, err := events.seedEvents(runTimeContext, config.Storage.Seed)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Seeding failed")
		return inserted, err
	}
	log.WithFields(logTags).Infof("Seeded %d readings into %s", inserted, config.Storage.DBPath)
	return inserted, nil
}
