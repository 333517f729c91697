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

package broadcast

import (
	"github.com/alwitt/telemetryhub/common"
	"github.com/alwitt/telemetryhub/subscription"
	"github.com/apex/log"
)

// Hub pushes persisted events to the live channel
type Hub interface {
	// OnPersisted publish the event if any live session is interested in it.
	// Returns whether the event was published.
	OnPersisted(event common.DeviceEvent) bool
}

// hubImpl implements Hub
type hubImpl struct {
	common.Component
	registry subscription.Registry
	channel  Channel
}

// GetHub define a new broadcast hub
func GetHub(registry subscription.Registry, channel Channel) Hub {
	return &hubImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "broadcast", "component": "hub"},
		},
		registry: registry,
		channel:  channel,
	}
}

// OnPersisted publish the event if any live session is interested in it
//
// Events nobody watches are not published; they stay available through history queries.
func (h *hubImpl) OnPersisted(event common.DeviceEvent) bool {
	if !h.registry.HasSubscribers(event.DeviceID, event.ClientID) {
		log.WithFields(h.LogTags).Debugf("No live subscribers for %s", event)
		return false
	}
	queued := h.channel.Publish(event)
	log.WithFields(h.LogTags).Debugf("Published %s to %d subscribers", event, queued)
	return true
}
