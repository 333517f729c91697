package common

import (
	"strings"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// NormalizeID trims an identifier. A blank identifier becomes "", which everywhere in
// this module means "absent".
func NormalizeID(value string) string {
	return strings.TrimSpace(value)
}

// CopyLogTags helper function to duplicate a set of log tags before adding per call
// entries
func CopyLogTags(tags log.Fields) log.Fields {
	result := log.Fields{}
	for k, v := range tags {
		result[k] = v
	}
	return result
}
