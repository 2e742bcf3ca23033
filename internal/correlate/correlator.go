// Package correlate aggregates security events over sliding windows and
// opens incidents when a policy threshold is crossed.
package correlate

import (
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentsh/warden/internal/containment"
	"github.com/agentsh/warden/pkg/types"
)

type pairKey struct {
	sender  string
	channel string
}

type entry struct {
	typ types.EventType
	at  time.Time
}

type incidentKey struct {
	policy string
	target types.ContainmentTarget
}

type openIncident struct {
	incident types.Incident
	window   time.Duration
}

// Correlator owns the per-(sender, channel) windows and the open incidents.
type Correlator struct {
	policies    []Policy
	maxWindow   time.Duration
	containment *containment.Registry
	logger      *slog.Logger

	mu      sync.Mutex
	now     func() time.Time
	newID   func() string
	windows map[pairKey][]entry
	open    map[incidentKey]*openIncident
	total   int64

	// released holds the release time per target; entries at or before it
	// no longer count toward that target's policies.
	released map[types.ContainmentTarget]time.Time
}

// Config configures a Correlator.
type Config struct {
	Policies    []Policy
	Containment *containment.Registry
	Logger      *slog.Logger
}

func New(cfg Config) *Correlator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	reg := cfg.Containment
	if reg == nil {
		reg = containment.NewRegistry()
	}
	c := &Correlator{
		policies:    cfg.Policies,
		containment: reg,
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
		windows:     make(map[pairKey][]entry),
		open:        make(map[incidentKey]*openIncident),
		released:    make(map[types.ContainmentTarget]time.Time),
	}
	for _, p := range cfg.Policies {
		if p.Window > c.maxWindow {
			c.maxWindow = p.Window
		}
	}
	return c
}

// SetClock replaces the time source.
func (c *Correlator) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Containment returns the registry incidents write to.
func (c *Correlator) Containment() *containment.Registry { return c.containment }

// Policies returns the active policy table.
func (c *Correlator) Policies() []Policy { return c.policies }

// Ingest adds events to their windows, then evaluates every policy against
// the touched pairs. It returns incidents opened by this call. Events that
// fail validation are dropped.
func (c *Correlator) Ingest(events ...types.SecurityEvent) []types.Incident {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	touched := make(map[pairKey]map[types.EventType]time.Time)
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			c.logger.Warn("dropping invalid security event", "error", err)
			continue
		}
		at := ev.Timestamp
		if at.IsZero() {
			at = now
		}
		k := pairKey{sender: ev.Sender, channel: ev.Channel}
		c.windows[k] = append(c.windows[k], entry{typ: ev.Type, at: at})
		seen := touched[k]
		if seen == nil {
			seen = make(map[types.EventType]time.Time)
			touched[k] = seen
		}
		if at.After(seen[ev.Type]) {
			seen[ev.Type] = at
		}
		c.total++
	}
	if len(touched) == 0 {
		return nil
	}
	c.pruneLocked(now)

	keys := make([]pairKey, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].sender != keys[j].sender {
			return keys[i].sender < keys[j].sender
		}
		return keys[i].channel < keys[j].channel
	})

	var opened []types.Incident
	for _, k := range keys {
		for _, p := range c.policies {
			if inc, ok := c.evaluateLocked(p, k, touched[k], now); ok {
				opened = append(opened, inc)
			}
		}
	}
	return opened
}

func (c *Correlator) evaluateLocked(p Policy, k pairKey, seen map[types.EventType]time.Time, now time.Time) (types.Incident, bool) {
	var target types.ContainmentTarget
	var scope []pairKey
	switch p.Scope {
	case types.TargetSender:
		if k.sender == "" {
			return types.Incident{}, false
		}
		target = types.ContainmentTarget{Type: types.TargetSender, ID: k.sender}
		scope = []pairKey{k}
	case types.TargetChannel:
		if k.channel == "" {
			return types.Incident{}, false
		}
		target = types.ContainmentTarget{Type: types.TargetChannel, ID: k.channel}
		for pk := range c.windows {
			if pk.channel == k.channel {
				scope = append(scope, pk)
			}
		}
	}

	ik := incidentKey{policy: p.Name, target: target}
	if oi, ok := c.open[ik]; ok {
		if at, hit := seen[p.EventType]; hit && at.After(oi.incident.LastSeen) {
			oi.incident.LastSeen = at
		}
		return types.Incident{}, false
	}

	cutoff := now.Add(-p.Window)
	floor, wasReleased := c.released[target]
	counts := make(map[types.EventType]int)
	var first, last time.Time
	for _, pk := range scope {
		for _, e := range c.windows[pk] {
			if e.at.Before(cutoff) || (wasReleased && !e.at.After(floor)) {
				continue
			}
			counts[e.typ]++
			if e.typ != p.EventType {
				continue
			}
			if first.IsZero() || e.at.Before(first) {
				first = e.at
			}
			if e.at.After(last) {
				last = e.at
			}
		}
	}
	n := counts[p.EventType]
	if n < p.Threshold {
		return types.Incident{}, false
	}

	inc := types.Incident{
		ID:            c.newID(),
		Severity:      p.SeverityFor(n),
		EventCounts:   counts,
		FirstSeen:     first,
		LastSeen:      last,
		PolicyTrigger: p.Name,
		Containment:   p.Containment,
		Target:        target,
		Channel:       k.channel,
	}
	if p.Scope == types.TargetSender {
		inc.Sender = k.sender
	}
	c.open[ik] = &openIncident{incident: inc, window: p.Window}

	if p.Containment != types.ContainmentNone {
		c.containment.Set(target, inc.ID, p.Name)
	}
	c.logger.Warn("incident opened",
		"incident_id", inc.ID,
		"policy", p.Name,
		"target", target.String(),
		"severity", inc.Severity,
		"count", n,
		"containment", inc.Containment)
	return copyIncident(inc), true
}

// pruneLocked drops entries older than the widest policy window.
func (c *Correlator) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.maxWindow)
	for k, entries := range c.windows {
		kept := entries[:0]
		for _, e := range entries {
			if !e.at.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(c.windows, k)
			continue
		}
		c.windows[k] = kept
	}
	for t, at := range c.released {
		if at.Before(cutoff) {
			delete(c.released, t)
		}
	}
}

// Release lifts containment on target and closes its open incidents. Events
// recorded up to the release stop counting toward the target, so a release
// is not undone by the next event. It is idempotent: releasing an inactive
// target returns released=false and no incidents.
func (c *Correlator) Release(target types.ContainmentTarget, by string) (bool, []types.Incident) {
	_, released := c.containment.Release(target, by)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.released[target] = c.now().UTC()
	var closed []types.Incident
	for k, oi := range c.open {
		if k.target == target {
			closed = append(closed, copyIncident(oi.incident))
			delete(c.open, k)
		}
	}
	sortIncidents(closed)
	if released || len(closed) > 0 {
		c.logger.Info("containment released", "target", target.String(), "by", by, "incidents_closed", len(closed))
	}
	return released, closed
}

// Sweep releases containments older than ttl and closes incidents without
// containment whose window has elapsed since they were last seen.
func (c *Correlator) Sweep(ttl time.Duration) (released []types.ContainmentTarget, closed []types.Incident) {
	for _, t := range c.containment.Expired(ttl) {
		if ok, inc := c.Release(t, "expiry"); ok {
			released = append(released, t)
			closed = append(closed, inc...)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now().UTC()
	for k, oi := range c.open {
		if oi.incident.Containment != types.ContainmentNone {
			continue
		}
		if now.Sub(oi.incident.LastSeen) > oi.window {
			closed = append(closed, copyIncident(oi.incident))
			delete(c.open, k)
		}
	}
	c.pruneLocked(now)
	sortIncidents(closed)
	return released, closed
}

// OpenIncidents returns copies of all open incidents ordered by FirstSeen.
func (c *Correlator) OpenIncidents() []types.Incident {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Incident, 0, len(c.open))
	for _, oi := range c.open {
		out = append(out, copyIncident(oi.incident))
	}
	sortIncidents(out)
	return out
}

// Ingested returns the number of valid events seen.
func (c *Correlator) Ingested() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func copyIncident(in types.Incident) types.Incident {
	counts := make(map[types.EventType]int, len(in.EventCounts))
	for k, v := range in.EventCounts {
		counts[k] = v
	}
	in.EventCounts = counts
	return in
}

func sortIncidents(in []types.Incident) {
	sort.Slice(in, func(i, j int) bool {
		if in[i].FirstSeen.Equal(in[j].FirstSeen) {
			return in[i].ID < in[j].ID
		}
		return in[i].FirstSeen.Before(in[j].FirstSeen)
	})
}
