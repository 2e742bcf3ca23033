package types

import (
	"fmt"
	"time"
)

// SecurityEvent is a discrete security-relevant observation.
type SecurityEvent struct {
	Type      EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Sender    string         `json:"sender,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	DedupeKey string         `json:"dedupe_key,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Validate checks the event type against the closed set.
func (e SecurityEvent) Validate() error {
	if !e.Type.IsSecurity() {
		return fmt.Errorf("unsupported security event type %q", e.Type)
	}
	if e.Sender == "" && e.Channel == "" {
		return fmt.Errorf("security event %q has neither sender nor channel", e.Type)
	}
	return nil
}

// Severity of an incident or alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// ParseSeverity validates a configured severity string.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Containment is the action applied when an incident opens.
type Containment string

const (
	ContainmentNone        Containment = "none"
	ContainmentMuteSender  Containment = "mute_sender"
	ContainmentMuteChannel Containment = "mute_channel"
)

// ParseContainment validates a configured containment string.
func ParseContainment(s string) (Containment, error) {
	switch c := Containment(s); c {
	case ContainmentNone, ContainmentMuteSender, ContainmentMuteChannel:
		return c, nil
	}
	return "", fmt.Errorf("unknown containment %q", s)
}

// TargetType is the kind of entity a containment applies to.
type TargetType string

const (
	TargetSender  TargetType = "sender"
	TargetChannel TargetType = "channel"
)

// ContainmentTarget names a contained sender or channel.
type ContainmentTarget struct {
	Type TargetType `json:"target_type"`
	ID   string     `json:"target_id"`
}

func (t ContainmentTarget) String() string {
	return string(t.Type) + ":" + t.ID
}

// Validate checks the target type and id.
func (t ContainmentTarget) Validate() error {
	if t.Type != TargetSender && t.Type != TargetChannel {
		return fmt.Errorf("unknown target type %q", t.Type)
	}
	if t.ID == "" {
		return fmt.Errorf("target id is empty")
	}
	return nil
}

// Incident is created when a correlation policy threshold is crossed.
// Only LastSeen changes after creation.
type Incident struct {
	ID            string            `json:"incident_id"`
	Severity      Severity          `json:"severity"`
	EventCounts   map[EventType]int `json:"event_counts"`
	FirstSeen     time.Time         `json:"first_seen"`
	LastSeen      time.Time         `json:"last_seen"`
	PolicyTrigger string            `json:"policy_trigger"`
	Containment   Containment       `json:"containment"`
	Target        ContainmentTarget `json:"target"`
	Sender        string            `json:"sender,omitempty"`
	Channel       string            `json:"channel,omitempty"`
}
