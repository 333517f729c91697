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

package transport

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTopicPattern the publish topic could not be computed from the configuration
var ErrTopicPattern = errors.New("publish topic unresolvable")

// TopicToSubject map a "/" separated topic onto a NATS subject. "+" becomes "*" and
// "#" becomes ">".
func TopicToSubject(topic string) string {
	levels := strings.Split(topic, "/")
	for idx, level := range levels {
		switch level {
		case "+":
			levels[idx] = "*"
		case "#":
			levels[idx] = ">"
		}
	}
	return strings.Join(levels, ".")
}

// SubjectToTopic reverse of TopicToSubject
func SubjectToTopic(subject string) string {
	tokens := strings.Split(subject, ".")
	for idx, token := range tokens {
		switch token {
		case "*":
			tokens[idx] = "+"
		case ">":
			tokens[idx] = "#"
		}
	}
	return strings.Join(tokens, "/")
}

// topicReservedChars characters a placeholder value may not carry. Separators and
// wildcards of either topic form would change the topic's level structure.
const topicReservedChars = "./*>+# \t\r\n"

// TopicResolver computes the topic of an outbound message
type TopicResolver struct {
	pattern      string
	defaultTopic string
}

// GetTopicResolver define a TopicResolver. The pattern may reference "{deviceId}" and
// "{clientId}". Without a pattern the default topic is used.
func GetTopicResolver(pattern, defaultTopic string) TopicResolver {
	return TopicResolver{
		pattern:      strings.TrimSpace(pattern),
		defaultTopic: strings.TrimSpace(defaultTopic),
	}
}

// Resolve compute the publish topic for a device / client pair
func (r TopicResolver) Resolve(deviceID, clientID string) (string, error) {
	if r.pattern == "" {
		if r.defaultTopic == "" {
			return "", fmt.Errorf("%w: no pattern or default topic configured", ErrTopicPattern)
		}
		return r.defaultTopic, nil
	}
	resolved := r.pattern
	for _, placeholder := range []struct {
		name  string
		value string
	}{
		{name: "deviceId", value: deviceID},
		{name: "clientId", value: clientID},
	} {
		marker := "{" + placeholder.name + "}"
		if !strings.Contains(resolved, marker) {
			continue
		}
		value := strings.TrimSpace(placeholder.value)
		if value == "" {
			return "", fmt.Errorf(
				"%w: missing value for %s required by '%s'", ErrTopicPattern, placeholder.name, r.pattern,
			)
		}
		if strings.ContainsAny(value, topicReservedChars) {
			return "", fmt.Errorf(
				"%w: %s '%s' contains a reserved topic character", ErrTopicPattern, placeholder.name, value,
			)
		}
		resolved = strings.ReplaceAll(resolved, marker, value)
	}
	if strings.Contains(resolved, "{") {
		return "", fmt.Errorf("%w: unresolved placeholders in '%s'", ErrTopicPattern, r.pattern)
	}
	return resolved, nil
}
