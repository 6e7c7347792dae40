package core

import (
	"time"

	"github.com/google/uuid"
)

// Event is an operation-log record reported by a connected system. Resource
// snapshots are carried in the same shape with ResourceType/InstanceID set
// and ResultCode empty.
type Event struct {
	EventID       string                 `json:"event_id"`
	SourceSystem  string                 `json:"source_system"`
	Timestamp     time.Time              `json:"timestamp"`
	Username      string                 `json:"username"`
	ActionID      string                 `json:"action_id"`
	ResourceType  string                 `json:"resource_type"`
	InstanceID    string                 `json:"instance_id"`
	ResultCode    string                 `json:"result_code"`
	ResultContent string                 `json:"result_content"`
	ExtendData    map[string]interface{} `json:"extend_data,omitempty"`
}

// NewEvent creates an Event with a generated ID and current timestamp.
func NewEvent(sourceSystem string) *Event {
	return &Event{
		EventID:      uuid.New().String(),
		SourceSystem: sourceSystem,
		Timestamp:    time.Now().UTC(),
		ExtendData:   make(map[string]interface{}),
	}
}

// Field resolves a field by name, checking the common fields first and
// falling back to the extension data. The second return reports presence.
func (e *Event) Field(name string) (interface{}, bool) {
	switch name {
	case "event_id":
		return e.EventID, true
	case "source_system", "system_id":
		return e.SourceSystem, true
	case "username":
		return e.Username, true
	case "action_id":
		return e.ActionID, true
	case "resource_type":
		return e.ResourceType, true
	case "instance_id":
		return e.InstanceID, true
	case "result_code":
		return e.ResultCode, true
	case "result_content":
		return e.ResultContent, true
	}
	v, ok := e.ExtendData[name]
	return v, ok
}

// Hit is a single detection match produced by evaluating a strategy.
type Hit struct {
	StrategyID      string                 `json:"strategy_id"`
	EventID         string                 `json:"event_id"`
	Event           *Event                 `json:"event,omitempty"`
	ExtractedFields map[string]interface{} `json:"extracted_fields,omitempty"`
	DetectedAt      time.Time              `json:"detected_at"`
}
