// Package exposure builds exposure events for loggable flag resolutions and
// remembers which ones were already recorded, so that each distinct
// assignment is published once.
package exposure

import (
	"time"

	"github.com/matt-riley/variantz/internal/core"
)

type Ref struct {
	Key string `json:"key"`
}

type Subject struct {
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes"`
}

// Event records that a subject received a variant of a flag.
type Event struct {
	Timestamp  int64   `json:"timestamp"`
	Flag       Ref     `json:"flag"`
	Allocation Ref     `json:"allocation"`
	Variant    Ref     `json:"variant"`
	Subject    Subject `json:"subject"`
}

// Time returns the event timestamp.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// NewEvent returns the exposure for a resolution, or false when the
// resolution is not loggable: doLog is off, or the allocation or variant is
// missing.
func NewEvent(flagKey string, ec core.EvaluationContext, res core.Resolution, now time.Time) (Event, bool) {
	if res.Metadata == nil || !res.Metadata.DoLog {
		return Event{}, false
	}
	if res.Metadata.AllocationKey == "" || res.Variant == "" {
		return Event{}, false
	}

	attributes := make(map[string]any, len(ec.Attributes))
	for k, v := range ec.Attributes {
		if k == "targetingKey" || k == "targeting_key" {
			continue
		}
		attributes[k] = v
	}

	return Event{
		Timestamp:  now.UnixMilli(),
		Flag:       Ref{Key: flagKey},
		Allocation: Ref{Key: res.Metadata.AllocationKey},
		Variant:    Ref{Key: res.Variant},
		Subject:    Subject{ID: ec.TargetingKey, Attributes: attributes},
	}, true
}
