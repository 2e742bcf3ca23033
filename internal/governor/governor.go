// Package governor limits repeated remediation of the same anomaly: a
// per-key cool-down between attempts and a permanent disable after the
// final failed attempt.
package governor

import (
	"sort"
	"sync"
	"time"
)

// Reason explains a ShouldAttempt decision.
type Reason string

const (
	ReasonNew               Reason = "new"
	ReasonRetry             Reason = "retry"
	ReasonDisabled          Reason = "disabled"
	ReasonRecentlyAttempted Reason = "recently attempted"
)

// Decision is the result of ShouldAttempt.
type Decision struct {
	Proceed bool   `json:"proceed"`
	Reason  Reason `json:"reason"`
	// Attempt is the attempt number this decision would start.
	Attempt int `json:"attempt"`
}

// Record is the attempt history for one pattern key.
type Record struct {
	PatternKey    string    `json:"pattern_key"`
	Attempts      int       `json:"attempts"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	Disabled      bool      `json:"disabled"`
	// FinalAttempt is set when the in-flight attempt is the last allowed one.
	FinalAttempt bool `json:"final_attempt,omitempty"`

	prevAttemptAt time.Time
}

// Config tunes the governor.
type Config struct {
	Cooldown    time.Duration
	MaxAttempts int
}

// Governor owns all fix attempt records. Records live for the process
// lifetime; a success deletes the record.
type Governor struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	records map[string]*Record
}

// New creates a governor. Zero config values fall back to 300s / 3 attempts.
func New(cfg Config) *Governor {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 300 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Governor{
		cfg:     cfg,
		now:     time.Now,
		records: make(map[string]*Record),
	}
}

// SetClock replaces the time source; used by tests.
func (g *Governor) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// ShouldAttempt decides whether key may be remediated now. It does not
// mutate state; callers follow a proceed decision with RecordAttempt.
func (g *Governor) ShouldAttempt(key string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[key]
	if !ok {
		return Decision{Proceed: true, Reason: ReasonNew, Attempt: 1}
	}
	if rec.Disabled {
		return Decision{Proceed: false, Reason: ReasonDisabled, Attempt: rec.Attempts}
	}
	if g.now().Sub(rec.LastAttemptAt) < g.cfg.Cooldown {
		return Decision{Proceed: false, Reason: ReasonRecentlyAttempted, Attempt: rec.Attempts}
	}
	if rec.Attempts >= g.cfg.MaxAttempts {
		// Attempts exhausted but the final outcome never arrived.
		return Decision{Proceed: false, Reason: ReasonDisabled, Attempt: rec.Attempts}
	}
	return Decision{Proceed: true, Reason: ReasonRetry, Attempt: rec.Attempts + 1}
}

// RecordAttempt registers a started attempt and returns its number.
func (g *Governor) RecordAttempt(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	rec, ok := g.records[key]
	if !ok {
		rec = &Record{PatternKey: key, FirstSeenAt: now}
		g.records[key] = rec
	}
	rec.Attempts++
	rec.prevAttemptAt = rec.LastAttemptAt
	rec.LastAttemptAt = now
	rec.FinalAttempt = rec.Attempts >= g.cfg.MaxAttempts
	return rec.Attempts
}

// Cancel withdraws the latest RecordAttempt for an attempt that never
// started, restoring the count and cool-down it replaced.
func (g *Governor) Cancel(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[key]
	if !ok || rec.Disabled {
		return
	}
	rec.Attempts--
	if rec.Attempts <= 0 {
		delete(g.records, key)
		return
	}
	rec.LastAttemptAt = rec.prevAttemptAt
	rec.FinalAttempt = rec.Attempts >= g.cfg.MaxAttempts
}

// RecordOutcome closes an attempt. Success forgets the key entirely so a
// later recurrence starts at attempt one. A failed final attempt disables
// the key for the rest of the process lifetime.
func (g *Governor) RecordOutcome(key string, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[key]
	if !ok {
		return
	}
	if success {
		delete(g.records, key)
		return
	}
	if rec.FinalAttempt {
		rec.Disabled = true
	}
}

// Get returns a copy of the record for key.
func (g *Governor) Get(key string) (Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns copies of all records ordered by key.
func (g *Governor) Snapshot() []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Record, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatternKey < out[j].PatternKey })
	return out
}

// Disabled lists permanently disabled keys.
func (g *Governor) Disabled() []string {
	var out []string
	for _, rec := range g.Snapshot() {
		if rec.Disabled {
			out = append(out, rec.PatternKey)
		}
	}
	return out
}
