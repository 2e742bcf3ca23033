package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeClasses(t *testing.T) {
	for _, et := range SecurityEventTypes {
		assert.True(t, et.IsSecurity(), et)
		assert.False(t, et.IsTelemetry(), et)
	}
	assert.True(t, EventModuleStatus.IsTelemetry())
	assert.True(t, EventSearchRequest.IsTelemetry())
	assert.False(t, EventIncidentAlert.IsSecurity())
	assert.True(t, EventIncidentAlert.IsAlert())
	assert.True(t, EventSecurityAlert.IsAlert())
	assert.False(t, EventPermissionDenied.IsAlert())
	assert.False(t, EventType("mystery").IsSecurity())
}

func TestTelemetryRecord_Timestamps(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		want   time.Time
		wantOK bool
		raw    string
	}{
		{
			name:   "rfc3339",
			line:   `{"event":"module_status","timestamp":"2026-03-01T12:00:00Z"}`,
			want:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			wantOK: true,
			raw:    "2026-03-01T12:00:00Z",
		},
		{
			name:   "naive iso",
			line:   `{"event":"module_status","timestamp":"2026-03-01T12:00:00.250000"}`,
			want:   time.Date(2026, 3, 1, 12, 0, 0, 250000000, time.UTC),
			wantOK: true,
			raw:    "2026-03-01T12:00:00.250000",
		},
		{
			name:   "unix seconds",
			line:   `{"event":"system_alerts","timestamp":1772366400}`,
			want:   time.Unix(1772366400, 0).UTC(),
			wantOK: true,
			raw:    "1772366400",
		},
		{
			name: "missing",
			line: `{"event":"system_alerts"}`,
		},
		{
			name: "garbage",
			line: `{"event":"system_alerts","timestamp":"yesterday"}`,
			raw:  "yesterday",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec TelemetryRecord
			require.NoError(t, json.Unmarshal([]byte(tt.line), &rec))
			got, ok := rec.ParsedTimestamp()
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
			}
			assert.Equal(t, tt.raw, rec.TimestampString())
		})
	}
}

func TestSecurityEvent_Validate(t *testing.T) {
	assert.NoError(t, SecurityEvent{Type: EventRateLimited, Channel: "ops"}.Validate())
	assert.NoError(t, SecurityEvent{Type: EventPermissionDenied, Sender: "agentX"}.Validate())
	assert.Error(t, SecurityEvent{Type: EventPermissionDenied}.Validate())
	assert.Error(t, SecurityEvent{Type: EventModuleStatus, Sender: "x"}.Validate())
}

func TestSeverityAndContainmentParsing(t *testing.T) {
	sev, err := ParseSeverity("critical")
	require.NoError(t, err)
	assert.Greater(t, sev.Rank(), SeverityHigh.Rank())
	_, err = ParseSeverity("apocalyptic")
	assert.Error(t, err)

	c, err := ParseContainment("mute_channel")
	require.NoError(t, err)
	assert.Equal(t, ContainmentMuteChannel, c)
	_, err = ParseContainment("ban")
	assert.Error(t, err)
}

func TestContainmentTarget(t *testing.T) {
	target := ContainmentTarget{Type: TargetSender, ID: "agentX"}
	assert.Equal(t, "sender:agentX", target.String())
	assert.NoError(t, target.Validate())
	assert.Error(t, ContainmentTarget{Type: TargetSender}.Validate())
	assert.Error(t, ContainmentTarget{Type: "guild", ID: "x"}.Validate())
}
