package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentsh/warden/pkg/types"
)

func TestDeduper_WindowAndLazyPurge(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d := NewDeduper(time.Minute)

	assert.True(t, d.Allow("a", now))
	assert.False(t, d.Allow("a", now.Add(59*time.Second)))
	assert.True(t, d.Allow("b", now.Add(30*time.Second)))
	assert.Equal(t, 2, d.Len())

	// "a" is stale at +61s and is purged by the lookup of "c".
	assert.True(t, d.Allow("c", now.Add(61*time.Second)))
	assert.Equal(t, 2, d.Len())
	assert.True(t, d.Allow("a", now.Add(62*time.Second)))

	assert.Equal(t, 0, d.Purge(now.Add(time.Hour)))
}

func TestDeduper_ZeroWindowDisables(t *testing.T) {
	d := NewDeduper(0)
	now := time.Now()
	assert.True(t, d.Allow("a", now))
	assert.True(t, d.Allow("a", now))
	assert.Zero(t, d.Len())
}

func TestAlertKey(t *testing.T) {
	a := &types.SecurityEvent{Type: types.EventSecurityAlert, Sender: "s", Channel: "c",
		Details: map[string]any{"x": 1, "y": "z"}}
	b := &types.SecurityEvent{Type: types.EventSecurityAlert, Sender: "s", Channel: "c",
		Details: map[string]any{"y": "z", "x": 1}}
	assert.Equal(t, AlertKey(a), AlertKey(b))

	b.Sender = "other"
	assert.NotEqual(t, AlertKey(a), AlertKey(b))

	a.DedupeKey = "explicit"
	assert.Equal(t, "security_alert:explicit", AlertKey(a))
}

func TestIncidentKey(t *testing.T) {
	inc := &types.Incident{
		PolicyTrigger: "p",
		Severity:      types.SeverityHigh,
		Target:        types.ContainmentTarget{Type: types.TargetChannel, ID: "c"},
	}
	assert.Equal(t, "incident_alert:p:channel:c:high", IncidentKey(inc))
}
