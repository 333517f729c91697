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

package subscription

import (
	"fmt"
	"sync"

	"github.com/alwitt/telemetryhub/common"
	"github.com/apex/log"
)

// Key normalized (device ID, client ID) pair a live session is interested in.
// "" means any value.
type Key struct {
	DeviceID string
	ClientID string
}

// NewKey define a normalized Key
func NewKey(deviceID, clientID string) Key {
	return Key{DeviceID: common.NormalizeID(deviceID), ClientID: common.NormalizeID(clientID)}
}

// String toString function
func (k Key) String() string {
	device := k.DeviceID
	if device == "" {
		device = "*"
	}
	client := k.ClientID
	if client == "" {
		client = "*"
	}
	return fmt.Sprintf("%s/%s", device, client)
}

// Matches whether an event with these identifiers is of interest to the key
func (k Key) Matches(deviceID, clientID string) bool {
	return (k.DeviceID == "" || k.DeviceID == common.NormalizeID(deviceID)) &&
		(k.ClientID == "" || k.ClientID == common.NormalizeID(clientID))
}

// Registry tracks which live sessions want which device / client pairs
type Registry interface {
	// Register record the session's interest. Replaces any earlier key of the same session.
	Register(sessionID, deviceID, clientID string)
	// Unregister forget a session. No-op for unknown sessions.
	Unregister(sessionID string)
	// HasSubscribers whether any session is interested in an event from the pair
	HasSubscribers(deviceID, clientID string) bool
	// SessionCount number of registered sessions
	SessionCount() int
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	lock sync.RWMutex
	// sessions is session ID -> key
	sessions map[string]Key
	// subscriptions is key -> session IDs. Sets are never empty.
	subscriptions map[Key]map[string]struct{}
}

// GetRegistry define a new subscription registry
func GetRegistry(instance string) Registry {
	return &registryImpl{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "subscription", "component": "registry", "instance": instance,
			},
		},
		sessions:      make(map[string]Key),
		subscriptions: make(map[Key]map[string]struct{}),
	}
}

// detach remove session from the key's set. Caller holds the write lock.
func (r *registryImpl) detach(sessionID string, key Key) {
	members, ok := r.subscriptions[key]
	if !ok {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.subscriptions, key)
	}
}

// Register record the session's interest
func (r *registryImpl) Register(sessionID, deviceID, clientID string) {
	key := NewKey(deviceID, clientID)
	r.lock.Lock()
	defer r.lock.Unlock()
	if prev, ok := r.sessions[sessionID]; ok {
		if prev == key {
			return
		}
		r.detach(sessionID, prev)
	}
	r.sessions[sessionID] = key
	members, ok := r.subscriptions[key]
	if !ok {
		members = make(map[string]struct{})
		r.subscriptions[key] = members
	}
	members[sessionID] = struct{}{}
	log.WithFields(r.LogTags).Debugf("Session %s registered for %s", sessionID, key)
}

// Unregister forget a session
func (r *registryImpl) Unregister(sessionID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	key, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	r.detach(sessionID, key)
	log.WithFields(r.LogTags).Debugf("Session %s unregistered from %s", sessionID, key)
}

// HasSubscribers whether any session is interested in an event from the pair
//
// Checks the exact key, then each wildcard key the pair also falls under.
func (r *registryImpl) HasSubscribers(deviceID, clientID string) bool {
	exact := NewKey(deviceID, clientID)
	candidates := []Key{
		exact,
		{DeviceID: exact.DeviceID},
		{ClientID: exact.ClientID},
		{},
	}
	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, candidate := range uniqueKeys(candidates) {
		if _, ok := r.subscriptions[candidate]; ok {
			return true
		}
	}
	return false
}

// uniqueKeys drop repeated keys. Absent identifiers collapse candidates onto the same key.
func uniqueKeys(keys []Key) []Key {
	result := make([]Key, 0, len(keys))
	for _, key := range keys {
		seen := false
		for _, kept := range result {
			if kept == key {
				seen = true
				break
			}
		}
		if !seen {
			result = append(result, key)
		}
	}
	return result
}

// SessionCount number of registered sessions
func (r *registryImpl) SessionCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.sessions)
}
