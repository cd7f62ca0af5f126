package model

import "time"

type EventType string

const (
	EventExposure   EventType = "exposure"
	EventConversion EventType = "conversion"
	EventCustom     EventType = "custom"
)

type TrackedEvent struct {
	EventID      string                 `json:"eventId"`
	ExperimentID string                 `json:"experimentId"`
	AllocationID string                 `json:"allocationId"`
	EventType    EventType              `json:"eventType"`
	EventValue   *float64               `json:"eventValue,omitempty"`
	EventData    map[string]interface{} `json:"eventData,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// EventBatch is the collector wire format.
type EventBatch struct {
	Events []TrackedEvent `json:"events"`
}
