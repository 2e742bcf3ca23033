package types

import (
	"encoding/json"
	"time"
)

// EventType identifies how the dispatcher routes an event.
type EventType string

const (
	// Telemetry events; these fall through to the fix pipeline.
	EventModuleStatus  EventType = "module_status"
	EventSystemAlerts  EventType = "system_alerts"
	EventSearchRequest EventType = "search_request"

	// Security events fed into the correlator.
	EventPermissionDenied EventType = "permission_denied"
	EventRateLimited      EventType = "rate_limited"
	EventCommandFallback  EventType = "command_fallback"
	EventSecurityAlert    EventType = "security_alert"

	// Produced inside the engine.
	EventIncidentAlert      EventType = "incident_alert"
	EventContainmentRelease EventType = "containment_release"
)

// SecurityEventTypes lists the event types a SecurityEvent may carry.
var SecurityEventTypes = []EventType{
	EventPermissionDenied,
	EventRateLimited,
	EventCommandFallback,
	EventSecurityAlert,
}

// IsSecurity reports whether t is one of the correlated security event types.
func (t EventType) IsSecurity() bool {
	switch t {
	case EventPermissionDenied, EventRateLimited, EventCommandFallback, EventSecurityAlert:
		return true
	}
	return false
}

// IsAlert reports whether t passes through the alert dedupe gate.
func (t EventType) IsAlert() bool {
	return t == EventSecurityAlert || t == EventIncidentAlert
}

// IsTelemetry reports whether t is an operational telemetry event.
func (t EventType) IsTelemetry() bool {
	switch t {
	case EventModuleStatus, EventSystemAlerts, EventSearchRequest:
		return true
	}
	return false
}

// Event is the envelope carried on the dispatcher queue.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`

	// Raw is the original log line, used by the classifier.
	Raw string `json:"raw,omitempty"`

	Telemetry *TelemetryRecord   `json:"telemetry,omitempty"`
	Security  *SecurityEvent     `json:"security,omitempty"`
	Incident  *Incident          `json:"incident,omitempty"`
	Release   *ContainmentTarget `json:"release,omitempty"`
}

// TelemetryRecord is one JSON-Lines telemetry object.
type TelemetryRecord struct {
	Event     string          `json:"event"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Session   string          `json:"session,omitempty"`
	Module    string          `json:"module,omitempty"`
	Severity  string          `json:"severity,omitempty"`
	Alerts    []any           `json:"alerts,omitempty"`
	Query     string          `json:"query,omitempty"`
	CodeHits  int             `json:"code_hits,omitempty"`
	WSPHits   int             `json:"wsp_hits,omitempty"`
	Message   string          `json:"message,omitempty"`

	// Present on security lines.
	Sender    string         `json:"sender,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	DedupeKey string         `json:"dedupe_key,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// TimestampString returns the raw timestamp without JSON quoting.
func (r *TelemetryRecord) TimestampString() string {
	if len(r.Timestamp) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Timestamp, &s); err == nil {
		return s
	}
	return string(r.Timestamp)
}

// ParsedTimestamp interprets the record timestamp as RFC3339 or unix seconds.
func (r *TelemetryRecord) ParsedTimestamp() (time.Time, bool) {
	if len(r.Timestamp) == 0 {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(r.Timestamp, &s); err == nil {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		return time.Time{}, false
	}
	var f float64
	if err := json.Unmarshal(r.Timestamp, &f); err == nil {
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), true
	}
	return time.Time{}, false
}
