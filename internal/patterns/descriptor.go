// Package patterns loads the anomaly pattern descriptors that drive
// classification and remediation. Descriptors are immutable once loaded.
package patterns

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrUnknownKind     = errors.New("unknown pattern kind")
	ErrUnknownAction   = errors.New("unknown pattern action")
	ErrUnknownStrategy = errors.New("unknown fix strategy")
)

// Kind separates state-transition signals from bugs.
type Kind string

const (
	KindSignal Kind = "signal"
	KindBug    Kind = "bug"
)

func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch Kind(s) {
	case KindSignal, KindBug:
		*k = Kind(s)
		return nil
	}
	return fmt.Errorf("%w %q", ErrUnknownKind, s)
}

// Action decides what happens to a bug match.
type Action string

const (
	ActionIgnore   Action = "ignore"
	ActionAutoFix  Action = "auto_fix"
	ActionEscalate Action = "escalate"
)

func (a *Action) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch Action(s) {
	case ActionIgnore, ActionAutoFix, ActionEscalate:
		*a = Action(s)
		return nil
	}
	return fmt.Errorf("%w %q", ErrUnknownAction, s)
}

// Strategy is the closed set of remediation methods.
type Strategy string

const (
	StrategyNone              Strategy = ""
	StrategyRunCommand        Strategy = "run_command"
	StrategyRotateCredentials Strategy = "rotate_credentials"
	StrategyReconnectService  Strategy = "reconnect_service"
	StrategyApplyCodePatch    Strategy = "apply_code_patch"
)

// ParseStrategy validates s against the closed strategy set.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyNone, StrategyRunCommand, StrategyRotateCredentials, StrategyReconnectService, StrategyApplyCodePatch:
		return st, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownStrategy, s)
}

func (st *Strategy) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseStrategy(s)
	if err != nil {
		return err
	}
	*st = parsed
	return nil
}

// Priority holds the four 1..5 sub-scores of a pattern.
type Priority struct {
	Complexity   int `json:"complexity"`
	Importance   int `json:"importance"`
	Deferability int `json:"deferability"`
	Impact       int `json:"impact"`
}

// Score is the composite priority, 4..20.
func (p Priority) Score() int {
	return p.Complexity + p.Importance + p.Deferability + p.Impact
}

func (p Priority) validate() error {
	for name, v := range map[string]int{
		"complexity":   p.Complexity,
		"importance":   p.Importance,
		"deferability": p.Deferability,
		"impact":       p.Impact,
	} {
		if v < 1 || v > 5 {
			return fmt.Errorf("priority.%s must be 1..5, got %d", name, v)
		}
	}
	return nil
}

// Tier buckets a composite score.
type Tier string

const (
	TierP0 Tier = "P0"
	TierP1 Tier = "P1"
	TierP2 Tier = "P2"
	TierP3 Tier = "P3"
	TierP4 Tier = "P4"
)

// TierFor maps a composite score onto the five fixed tiers.
func TierFor(score int) Tier {
	switch {
	case score >= 16:
		return TierP0
	case score >= 13:
		return TierP1
	case score >= 10:
		return TierP2
	case score >= 7:
		return TierP3
	default:
		return TierP4
	}
}

// Descriptor is one externally configured pattern.
type Descriptor struct {
	Name        string   `json:"-"`
	Regex       string   `json:"regex"`
	Kind        Kind     `json:"kind"`
	Action      Action   `json:"action"`
	Priority    Priority `json:"priority"`
	FixStrategy Strategy `json:"fix_strategy"`
	FixCommand  string   `json:"fix_command,omitempty"`

	re *regexp.Regexp
}

// Regexp returns the compiled expression.
func (d *Descriptor) Regexp() *regexp.Regexp { return d.re }

func (d *Descriptor) compile() error {
	if d.Regex == "" {
		return fmt.Errorf("pattern %q: regex is empty", d.Name)
	}
	re, err := regexp.Compile(d.Regex)
	if err != nil {
		return fmt.Errorf("pattern %q: compile regex: %w", d.Name, err)
	}
	d.re = re
	return nil
}

func (d *Descriptor) validate() error {
	switch d.Kind {
	case KindSignal, KindBug:
	default:
		return fmt.Errorf("pattern %q: %w %q", d.Name, ErrUnknownKind, d.Kind)
	}
	if err := d.Priority.validate(); err != nil {
		return fmt.Errorf("pattern %q: %w", d.Name, err)
	}
	if d.Kind == KindSignal {
		return nil
	}
	switch d.Action {
	case ActionIgnore, ActionEscalate:
	case ActionAutoFix:
		if d.FixStrategy == StrategyNone {
			return fmt.Errorf("pattern %q: auto_fix requires fix_strategy", d.Name)
		}
		if d.FixCommand == "" {
			return fmt.Errorf("pattern %q: fix_strategy %s requires fix_command", d.Name, d.FixStrategy)
		}
	default:
		return fmt.Errorf("pattern %q: %w %q", d.Name, ErrUnknownAction, d.Action)
	}
	return nil
}
