package engine

import (
	"context"
	"time"

	"github.com/agentsh/warden/internal/containment"
	"github.com/agentsh/warden/internal/dispatch"
	"github.com/agentsh/warden/internal/governor"
	"github.com/agentsh/warden/internal/notify"
	"github.com/agentsh/warden/internal/telemetry"
	"github.com/agentsh/warden/pkg/emergency"
	"github.com/agentsh/warden/pkg/hotreload"
	"github.com/agentsh/warden/pkg/types"
)

// Status is an operator view of the running engine.
type Status struct {
	StartedAt        time.Time            `json:"started_at"`
	Uptime           string               `json:"uptime"`
	QueueDepth       int                  `json:"queue_depth"`
	Patterns         int                  `json:"patterns"`
	Policies         int                  `json:"policies"`
	Notifiers        []string             `json:"notifiers,omitempty"`
	Rotators         []string             `json:"rotators,omitempty"`
	Governor         []governor.Record    `json:"governor"`
	DisabledPatterns []string             `json:"disabled_patterns"`
	Containments     []containment.State  `json:"containments"`
	OpenIncidents    []types.Incident     `json:"open_incidents"`
	Telemetry        telemetry.Stats      `json:"telemetry"`
	Dispatcher       dispatch.Stats       `json:"dispatcher"`
	RestartRequested bool                 `json:"restart_requested"`
	Pause            emergency.PauseState `json:"pause"`

	// PatternReloads is set when the patterns file is watched.
	PatternReloads *hotreload.WatcherStats `json:"pattern_reloads,omitempty"`
	// Notifications is set when the built-in webhook sender is in use.
	Notifications *notify.AsyncStats `json:"notifications,omitempty"`
}

// Status snapshots every component. Slices are never nil so the JSON form
// always carries arrays.
func (e *Engine) Status(_ context.Context) Status {
	now := e.now().UTC()
	st := Status{
		StartedAt:        e.startedAt,
		Uptime:           now.Sub(e.startedAt).Truncate(time.Second).String(),
		QueueDepth:       e.queue.Len(),
		Patterns:         e.dispatcher.Patterns().Len(),
		Policies:         len(e.correlator.Policies()),
		Notifiers:        e.channels,
		Rotators:         e.rotators.Names(),
		Governor:         e.governor.Snapshot(),
		DisabledPatterns: e.governor.Disabled(),
		Containments:     e.correlator.Containment().Active(),
		OpenIncidents:    e.correlator.OpenIncidents(),
		Telemetry:        e.tailer.Stats(),
		Dispatcher:       e.dispatcher.Stats(),
		RestartRequested: e.dispatcher.RestartRequested(),
		Pause:            e.pause.Status(),
	}
	if e.reloader != nil {
		rs := e.reloader.Stats()
		st.PatternReloads = &rs
	}
	if e.sender != nil {
		ns := e.sender.Stats()
		st.Notifications = &ns
	}
	if st.DisabledPatterns == nil {
		st.DisabledPatterns = []string{}
	}
	return st
}
