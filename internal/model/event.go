package model

import "time"

// EventSeverity represents the severity of an incoming log event
type EventSeverity string

const (
	EventSeverityDebug    EventSeverity = "debug"
	EventSeverityInfo     EventSeverity = "info"
	EventSeverityWarning  EventSeverity = "warning"
	EventSeverityError    EventSeverity = "error"
	EventSeverityCritical EventSeverity = "critical"
	EventSeverityFatal    EventSeverity = "fatal"
)

// Ordinal returns the ordinal encoding of the severity (debug=0 ... fatal=5).
// Unknown severities encode as info.
func (s EventSeverity) Ordinal() int {
	switch s {
	case EventSeverityDebug:
		return 0
	case EventSeverityInfo:
		return 1
	case EventSeverityWarning:
		return 2
	case EventSeverityError:
		return 3
	case EventSeverityCritical:
		return 4
	case EventSeverityFatal:
		return 5
	default:
		return 1
	}
}

// EventTypeAnomaly marks synthetic events produced by the anomaly scorer
const EventTypeAnomaly = "anomaly"

// Event represents one log/telemetry event from the ingestion stream
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Severity  EventSeverity     `json:"severity"`
	Category  string            `json:"category,omitempty"`
	EventType string            `json:"event_type,omitempty"`
	Source    string            `json:"source,omitempty"`
	Device    string            `json:"device,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// IsSynthetic reports whether the event was produced by the anomaly scorer
func (e *Event) IsSynthetic() bool {
	return e.EventType == EventTypeAnomaly
}
