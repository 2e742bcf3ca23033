// Package dispatch drains the engine's event queue on a single consumer and
// routes each event to the fix pipeline or the security path.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentsh/warden/internal/classify"
	"github.com/agentsh/warden/internal/correlate"
	"github.com/agentsh/warden/internal/events"
	"github.com/agentsh/warden/internal/governor"
	"github.com/agentsh/warden/internal/metrics"
	"github.com/agentsh/warden/internal/notify"
	"github.com/agentsh/warden/internal/patterns"
	"github.com/agentsh/warden/internal/remediate"
	"github.com/agentsh/warden/internal/store"
	"github.com/agentsh/warden/pkg/emergency"
	"github.com/agentsh/warden/pkg/types"
)

// ErrUnknownEventType marks an event whose type has no handler.
var ErrUnknownEventType = errors.New("unknown event type")

// Forensic log classes.
const (
	ClassSecurityAlerts = "security_alerts"
	ClassIncidentAlerts = "incident_alerts"
)

type Config struct {
	Queue      *events.Queue
	Patterns   *patterns.Set
	Governor   *governor.Governor
	Correlator *correlate.Correlator
	Pool       *remediate.Pool

	// Learning is consulted for known false positives before the governor.
	Learning  store.LearningStore
	Forensics store.RecordLog
	Notifier  notify.Notifier
	Metrics   *metrics.Collector
	// Pause withholds new fixes while activated. Nil never pauses.
	Pause     *emergency.PauseSwitch

	AlertDedupeWindow    time.Duration
	IncidentDedupeWindow time.Duration
	// Lifecycle enables detect/attempt/outcome notifications.
	Lifecycle bool
	// OnRestart is called once when a fix reports needs_restart.
	OnRestart func(remediate.Outcome)

	Logger *slog.Logger
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Processed          int64            `json:"processed"`
	ByType             map[string]int64 `json:"by_type"`
	Unknown            int64            `json:"unknown"`
	Deduped            int64            `json:"deduped"`
	Suppressed         int64            `json:"suppressed"`
	Signals            int64            `json:"signals"`
	BugsDetected       int64            `json:"bugs_detected"`
	Escalations        int64            `json:"escalations"`
	FalsePositiveSkips int64            `json:"false_positive_skips"`
	GovernorSkips      int64            `json:"governor_skips"`
	PausedSkips        int64            `json:"paused_skips"`
	Submitted          int64            `json:"submitted"`
	PoolRejected       int64            `json:"pool_rejected"`
	Succeeded          int64            `json:"succeeded"`
	Failed             int64            `json:"failed"`
	IncidentsOpened    int64            `json:"incidents_opened"`
	Releases           int64            `json:"releases"`
	ForensicErrors     int64            `json:"forensic_errors"`
	RestartRequested   bool             `json:"restart_requested"`
	LastError          string           `json:"last_error,omitempty"`
}

type Dispatcher struct {
	cfg       Config
	logger    *slog.Logger
	notifier  notify.Notifier
	alerts    *Deduper
	incidents *Deduper
	now       func() time.Time

	mu    sync.Mutex
	stats Stats

	patterns    atomic.Pointer[patterns.Set]
	restart     atomic.Bool
	restartOnce sync.Once
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("dispatch: queue is required")
	}
	if cfg.Patterns == nil {
		return nil, fmt.Errorf("dispatch: pattern set is required")
	}
	if cfg.Governor == nil {
		return nil, fmt.Errorf("dispatch: governor is required")
	}
	if cfg.Correlator == nil {
		return nil, fmt.Errorf("dispatch: correlator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var n notify.Notifier = notify.Discard{}
	if cfg.Notifier != nil {
		n = cfg.Notifier
	}
	d := &Dispatcher{
		cfg:       cfg,
		logger:    logger,
		notifier:  n,
		alerts:    NewDeduper(cfg.AlertDedupeWindow),
		incidents: NewDeduper(cfg.IncidentDedupeWindow),
		now:       time.Now,
		stats:     Stats{ByType: make(map[string]int64)},
	}
	d.patterns.Store(cfg.Patterns)
	return d, nil
}

// SetPatterns swaps the pattern set used for events handled from now on.
func (d *Dispatcher) SetPatterns(set *patterns.Set) {
	if set != nil {
		d.patterns.Store(set)
	}
}

// Patterns returns the active pattern set.
func (d *Dispatcher) Patterns() *patterns.Set { return d.patterns.Load() }

// SetClock replaces the time source used for dedupe windows and records.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Run consumes the queue until ctx is done or the queue is closed and
// drained. The event being handled when ctx is cancelled runs to
// completion. When a pool is configured, Run closes it on exit and waits
// for in-flight fixes and their outcomes.
func (d *Dispatcher) Run(ctx context.Context) error {
	var outcomes sync.WaitGroup
	if d.cfg.Pool != nil {
		d.cfg.Pool.Start(ctx)
		outcomes.Add(1)
		go func() {
			defer outcomes.Done()
			for out := range d.cfg.Pool.Results() {
				d.HandleOutcome(context.WithoutCancel(ctx), out)
			}
		}()
	}

	var err error
	for {
		ev, perr := d.cfg.Queue.Pop(ctx)
		if perr != nil {
			if !errors.Is(perr, events.ErrClosed) && ctx.Err() == nil {
				err = perr
			}
			break
		}
		if herr := d.Handle(context.WithoutCancel(ctx), ev); herr != nil {
			d.setLastError(herr)
		}
	}

	if d.cfg.Pool != nil {
		d.cfg.Pool.Close()
		outcomes.Wait()
	}
	return err
}

// Handle routes one event. It is exported for synchronous use in tests and
// by callers that already own a consumer loop.
func (d *Dispatcher) Handle(ctx context.Context, ev types.Event) error {
	d.count(func(s *Stats) {
		s.Processed++
		s.ByType[string(ev.Type)]++
	})
	d.cfg.Metrics.IncEvent(string(ev.Type))

	switch {
	case ev.Type == types.EventSecurityAlert:
		return d.handleSecurityAlert(ctx, ev)
	case ev.Type.IsSecurity():
		return d.handleSecurityEvent(ctx, ev)
	case ev.Type == types.EventIncidentAlert:
		return d.handleIncidentAlert(ctx, ev)
	case ev.Type == types.EventContainmentRelease:
		return d.handleRelease(ctx, ev)
	case ev.Type.IsTelemetry():
		d.handleTelemetry(ctx, ev)
		return nil
	}
	d.count(func(s *Stats) { s.Unknown++ })
	d.cfg.Metrics.IncUnknown()
	err := fmt.Errorf("%w %q (id=%s source=%s)", ErrUnknownEventType, ev.Type, ev.ID, ev.Source)
	d.logger.Error("dispatch: unroutable event", "error", err)
	return err
}

func (d *Dispatcher) handleSecurityAlert(ctx context.Context, ev types.Event) error {
	sec := ev.Security
	if sec == nil {
		return fmt.Errorf("security_alert %s has no payload", ev.ID)
	}
	key := AlertKey(sec)
	now := d.now().UTC()
	if !d.alerts.Allow(key, now) {
		d.count(func(s *Stats) { s.Deduped++ })
		d.cfg.Metrics.IncDeduped(string(ev.Type))
		d.logger.Debug("security alert deduplicated", "dedupe_key", key)
		return nil
	}

	sev := alertSeverity(sec)
	rec := map[string]any{
		"id":         uuid.NewString(),
		"timestamp":  now,
		"dedupe_key": key,
		"event":      string(sec.Type),
		"severity":   sev,
		"sender":     sec.Sender,
		"channel":    sec.Channel,
		"details":    sec.Details,
		"event_time": sec.Timestamp,
		"source":     ev.Source,
	}
	d.persist(ctx, ClassSecurityAlerts, rec)

	if d.cfg.Correlator.Containment().Suppressed(sec.Sender, sec.Channel) {
		d.count(func(s *Stats) { s.Suppressed++ })
		d.logger.Info("security alert from contained target, notification muted",
			"sender", sec.Sender, "channel", sec.Channel, "dedupe_key", key)
	} else {
		d.push(ctx, notify.Message{
			Kind:      notify.KindAlert,
			Title:     "security alert",
			Body:      alertSummary(sec),
			Severity:  sev,
			Timestamp: now,
			Fields: map[string]any{
				"sender":     sec.Sender,
				"channel":    sec.Channel,
				"dedupe_key": key,
			},
		})
	}
	d.correlate(ctx, *sec)
	return nil
}

func (d *Dispatcher) handleSecurityEvent(ctx context.Context, ev types.Event) error {
	if ev.Security == nil {
		return fmt.Errorf("%s %s has no payload", ev.Type, ev.ID)
	}
	d.correlate(ctx, *ev.Security)
	return nil
}

// correlate feeds the correlator and re-enqueues each opened incident as an
// incident_alert so it passes the incident dedupe gate.
func (d *Dispatcher) correlate(ctx context.Context, sec types.SecurityEvent) {
	for _, inc := range d.cfg.Correlator.Ingest(sec) {
		d.count(func(s *Stats) { s.IncidentsOpened++ })
		d.cfg.Metrics.IncIncident(inc.PolicyTrigger, string(inc.Severity))
		ok := d.cfg.Queue.Push(types.Event{
			ID:        inc.ID,
			Type:      types.EventIncidentAlert,
			Timestamp: inc.LastSeen,
			Source:    "correlator",
			Incident:  &inc,
		})
		if !ok {
			// Queue closed during shutdown; handle inline so the incident is
			// still persisted.
			_ = d.handleIncidentAlert(ctx, types.Event{ID: inc.ID, Type: types.EventIncidentAlert, Incident: &inc})
		}
	}
}

func (d *Dispatcher) handleIncidentAlert(ctx context.Context, ev types.Event) error {
	inc := ev.Incident
	if inc == nil {
		return fmt.Errorf("incident_alert %s has no payload", ev.ID)
	}
	key := IncidentKey(inc)
	now := d.now().UTC()
	if !d.incidents.Allow(key, now) {
		d.count(func(s *Stats) { s.Deduped++ })
		d.cfg.Metrics.IncDeduped(string(ev.Type))
		return nil
	}

	d.persist(ctx, ClassIncidentAlerts, map[string]any{
		"id":             uuid.NewString(),
		"timestamp":      now,
		"dedupe_key":     key,
		"event":          string(types.EventIncidentAlert),
		"severity":       inc.Severity,
		"incident_id":    inc.ID,
		"policy_trigger": inc.PolicyTrigger,
		"containment":    inc.Containment,
		"target":         inc.Target,
		"event_counts":   inc.EventCounts,
		"first_seen":     inc.FirstSeen,
		"last_seen":      inc.LastSeen,
		"sender":         inc.Sender,
		"channel":        inc.Channel,
	})
	d.push(ctx, notify.Message{
		Kind:      notify.KindIncident,
		Title:     "incident " + inc.PolicyTrigger,
		Body:      fmt.Sprintf("containment %s on %s", inc.Containment, inc.Target),
		Severity:  inc.Severity,
		Timestamp: now,
		Fields: map[string]any{
			"incident_id": inc.ID,
			"counts":      countsText(inc.EventCounts),
		},
	})
	return nil
}

func (d *Dispatcher) handleRelease(ctx context.Context, ev types.Event) error {
	if ev.Release == nil {
		return fmt.Errorf("containment_release %s has no target", ev.ID)
	}
	target := *ev.Release
	if err := target.Validate(); err != nil {
		return fmt.Errorf("containment_release: %w", err)
	}
	by := ev.Source
	if by == "" {
		by = "operator"
	}
	released, closed := d.cfg.Correlator.Release(target, by)
	if !released && len(closed) == 0 {
		d.logger.Debug("release of inactive target ignored", "target", target.String())
		return nil
	}
	d.count(func(s *Stats) { s.Releases++ })
	d.cfg.Metrics.IncRelease(by)
	d.push(ctx, notify.Message{
		Kind:  notify.KindRelease,
		Title: "containment released",
		Body:  target.String(),
		Fields: map[string]any{
			"by":               by,
			"incidents_closed": len(closed),
		},
	})
	return nil
}

func (d *Dispatcher) handleTelemetry(ctx context.Context, ev types.Event) {
	if t := ev.Telemetry; t != nil && d.cfg.Correlator.Containment().Suppressed(t.Sender, t.Channel) {
		d.count(func(s *Stats) { s.Suppressed++ })
		d.logger.Info("telemetry from contained target skipped", "id", ev.ID, "sender", t.Sender, "channel", t.Channel)
		return
	}
	raw := ev.Raw
	if raw == "" && ev.Telemetry != nil {
		b, _ := json.Marshal(ev.Telemetry)
		raw = string(b)
	}
	signals, bugs := classify.Classify(raw, d.patterns.Load(), d.now().UTC())
	d.count(func(s *Stats) {
		s.Signals += int64(len(signals))
		s.BugsDetected += int64(len(bugs))
	})
	for _, sig := range signals {
		d.logger.Debug("signal", "pattern", sig.PatternName, "event_id", ev.ID)
	}
	for _, bug := range bugs {
		d.handleBug(ctx, bug)
	}
}

func (d *Dispatcher) handleBug(ctx context.Context, bug classify.ClassifiedBug) {
	name := bug.Match.PatternName
	if bug.NeedsEscalation {
		d.count(func(s *Stats) { s.Escalations++ })
		d.logger.Warn("bug needs escalation", "pattern", name, "pattern_key", bug.PatternKey, "tier", bug.Tier)
		d.push(ctx, notify.Message{
			Kind:     notify.KindDetect,
			Title:    "escalation " + name,
			Body:     bug.Match.SourceLine,
			Severity: tierSeverity(bug.Tier),
			Fields:   map[string]any{"pattern_key": bug.PatternKey, "tier": bug.Tier},
		})
		return
	}
	if !bug.AutoFixable {
		return
	}

	if d.cfg.Learning != nil {
		fp, err := d.cfg.Learning.IsFalsePositive(ctx, name, bug.PatternKey)
		if err != nil {
			d.logger.Warn("false positive lookup failed", "pattern", name, "error", err)
		} else if fp {
			d.count(func(s *Stats) { s.FalsePositiveSkips++ })
			d.cfg.Metrics.IncFalsePositive()
			d.logger.Info("known false positive skipped", "pattern", name, "pattern_key", bug.PatternKey)
			return
		}
	}

	if d.cfg.Pause.IsActivated() {
		d.cfg.Pause.RecordSkip()
		d.count(func(s *Stats) { s.PausedSkips++ })
		d.cfg.Metrics.IncGovernorSkip("paused")
		d.logger.Info("fix skipped", "pattern", name, "pattern_key", bug.PatternKey, "reason", "paused")
		return
	}

	dec := d.cfg.Governor.ShouldAttempt(bug.PatternKey)
	if !dec.Proceed {
		d.count(func(s *Stats) { s.GovernorSkips++ })
		d.cfg.Metrics.IncGovernorSkip(string(dec.Reason))
		d.logger.Info("fix skipped", "pattern", name, "pattern_key", bug.PatternKey, "reason", dec.Reason, "attempts", dec.Attempt)
		return
	}

	d.lifecycle(ctx, notify.Message{
		Kind:     notify.KindDetect,
		Title:    "detected " + name,
		Body:     bug.Match.SourceLine,
		Severity: tierSeverity(bug.Tier),
		Fields:   map[string]any{"pattern_key": bug.PatternKey, "strategy": bug.FixStrategy},
	})

	attempt := d.cfg.Governor.RecordAttempt(bug.PatternKey)
	job := remediate.Job{Bug: bug, Attempt: attempt}
	if d.cfg.Pool == nil {
		d.HandleOutcome(ctx, remediate.Outcome{Job: job, Result: remediate.ActionResult{
			Method: string(bug.FixStrategy),
			Error:  "no remediation pool configured",
		}})
		return
	}
	if err := d.cfg.Pool.Submit(job); err != nil {
		// An unsubmitted fix does not count as an attempt.
		d.cfg.Governor.Cancel(bug.PatternKey)
		d.count(func(s *Stats) { s.PoolRejected++ })
		d.cfg.Metrics.IncGovernorSkip("pool_rejected")
		d.logger.Warn("fix not submitted", "pattern", name, "pattern_key", bug.PatternKey, "attempt", attempt, "error", err)
		return
	}
	d.count(func(s *Stats) { s.Submitted++ })
	d.lifecycle(ctx, notify.Message{
		Kind:   notify.KindAttempt,
		Title:  "attempting " + name,
		Body:   string(bug.FixStrategy),
		Fields: map[string]any{"pattern_key": bug.PatternKey, "attempt": attempt},
	})
}

// HandleOutcome closes a fix attempt with the governor and reports it.
func (d *Dispatcher) HandleOutcome(ctx context.Context, out remediate.Outcome) {
	key := out.Job.Bug.PatternKey
	name := out.Job.Bug.Match.PatternName
	res := out.Result
	d.cfg.Governor.RecordOutcome(key, res.Success)
	d.count(func(s *Stats) {
		if res.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
	})

	sev := types.SeverityLow
	title := "fixed " + name
	if !res.Success {
		sev = types.SeverityMedium
		title = "fix failed " + name
	}
	fields := map[string]any{
		"pattern_key":   key,
		"attempt":       out.Job.Attempt,
		"method":        res.Method,
		"duration":      res.Duration.String(),
		"confidence":    res.Confidence,
		"needs_restart": res.NeedsRestart,
	}
	if len(res.FilesModified) > 0 {
		fields["files"] = res.FilesModified
	}
	d.lifecycle(ctx, notify.Message{Kind: notify.KindOutcome, Title: title, Body: res.Error, Severity: sev, Fields: fields})

	if !res.Success {
		if rec, ok := d.cfg.Governor.Get(key); ok && rec.Disabled {
			d.logger.Error("pattern permanently disabled", "pattern", name, "pattern_key", key, "attempts", rec.Attempts)
			d.push(ctx, notify.Message{
				Kind:     notify.KindDisabled,
				Title:    "remediation disabled " + name,
				Body:     fmt.Sprintf("%d failed attempts; needs operator attention", rec.Attempts),
				Severity: types.SeverityHigh,
				Fields:   map[string]any{"pattern_key": key},
			})
		}
	}

	if res.Success && res.NeedsRestart {
		d.restart.Store(true)
		d.restartOnce.Do(func() {
			d.logger.Warn("restart required to load patched code", "pattern", name, "files", res.FilesModified)
			if d.cfg.OnRestart != nil {
				d.cfg.OnRestart(out)
			}
		})
	}
}

// RestartRequested reports whether any applied fix needs a process restart.
func (d *Dispatcher) RestartRequested() bool { return d.restart.Load() }

// PurgeDedupe drops stale dedupe entries and returns the remaining counts.
func (d *Dispatcher) PurgeDedupe() (alerts, incidents int) {
	now := d.now().UTC()
	return d.alerts.Purge(now), d.incidents.Purge(now)
}

// Stats returns a copy of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.ByType = make(map[string]int64, len(d.stats.ByType))
	for k, v := range d.stats.ByType {
		s.ByType[k] = v
	}
	s.RestartRequested = d.restart.Load()
	return s
}

func (d *Dispatcher) count(f func(*Stats)) {
	d.mu.Lock()
	f(&d.stats)
	d.mu.Unlock()
}

func (d *Dispatcher) setLastError(err error) {
	d.count(func(s *Stats) { s.LastError = err.Error() })
}

func (d *Dispatcher) persist(ctx context.Context, class string, rec map[string]any) {
	if d.cfg.Forensics == nil {
		return
	}
	if err := d.cfg.Forensics.Append(ctx, class, rec); err != nil {
		d.count(func(s *Stats) { s.ForensicErrors++ })
		d.logger.Error("forensic append failed", "class", class, "error", err)
	}
}

func (d *Dispatcher) push(ctx context.Context, msg notify.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = d.now().UTC()
	}
	ok := d.notifier.Push(ctx, msg)
	d.cfg.Metrics.IncNotification(string(msg.Kind), ok)
	if !ok {
		d.logger.Warn("notification not delivered", "kind", msg.Kind, "title", msg.Title)
	}
}

func (d *Dispatcher) lifecycle(ctx context.Context, msg notify.Message) {
	if d.cfg.Lifecycle {
		d.push(ctx, msg)
	}
}
