// Package store defines the durable records the engine keeps across restarts.
package store

import (
	"context"
	"time"
)

// FixRecord is one remediation attempt and its outcome.
type FixRecord struct {
	ID            int64         `json:"id,omitempty"`
	PatternKey    string        `json:"pattern_key"`
	PatternName   string        `json:"pattern_name"`
	Strategy      string        `json:"strategy"`
	Method        string        `json:"method"`
	Attempt       int           `json:"attempt"`
	Success       bool          `json:"success"`
	NeedsRestart  bool          `json:"needs_restart"`
	Duration      time.Duration `json:"duration"`
	Confidence    float64       `json:"confidence"`
	FilesModified []string      `json:"files_modified,omitempty"`
	Error         string        `json:"error,omitempty"`
	At            time.Time     `json:"at"`
}

// PatternStats aggregates the history of one pattern key.
type PatternStats struct {
	PatternKey    string    `json:"pattern_key"`
	Attempts      int       `json:"attempts"`
	Successes     int       `json:"successes"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
}

// SuccessRatio returns Successes/Attempts, or def with no history.
func (s PatternStats) SuccessRatio(def float64) float64 {
	if s.Attempts == 0 {
		return def
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// FalsePositive marks a pattern name or key as known-irrelevant.
type FalsePositive struct {
	Entity    string    `json:"entity"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LearningStore records fix outcomes and known false positives.
type LearningStore interface {
	RecordFix(ctx context.Context, rec FixRecord) error
	PatternStats(ctx context.Context, patternKey string) (PatternStats, error)
	RecentFixes(ctx context.Context, limit int) ([]FixRecord, error)

	MarkFalsePositive(ctx context.Context, entity, reason string) error
	IsFalsePositive(ctx context.Context, entities ...string) (bool, error)
	RemoveFalsePositive(ctx context.Context, entity string) (bool, error)
	FalsePositives(ctx context.Context) ([]FalsePositive, error)

	Close() error
}

// RecordLog appends forensic records grouped by class.
type RecordLog interface {
	Append(ctx context.Context, class string, record any) error
	Close() error
}
