// Package emergency holds the operator switch that stops automatic
// remediation without stopping detection or containment.
package emergency

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrAlreadyPaused is returned when Activate is called on a paused switch.
	ErrAlreadyPaused = errors.New("remediation already paused")
	// ErrNotPaused is returned when Reset is called on a switch that is not paused.
	ErrNotPaused = errors.New("remediation is not paused")
)

// PauseState is a snapshot of the switch.
type PauseState struct {
	Paused   bool      `json:"paused"`
	PausedAt time.Time `json:"paused_at,omitempty"`
	PausedBy string    `json:"paused_by,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	// Skipped counts fixes withheld during the current pause.
	Skipped int64 `json:"skipped"`
}

// PauseRequest asks for remediation to stop.
type PauseRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// PauseSwitch gates automatic remediation. The zero value is not paused;
// a nil *PauseSwitch is never paused.
type PauseSwitch struct {
	paused  atomic.Bool
	skipped atomic.Int64
	now     func() time.Time

	mu    sync.Mutex
	state PauseState
}

func NewPauseSwitch() *PauseSwitch {
	return &PauseSwitch{now: time.Now}
}

// SetClock replaces the time source used for PausedAt.
func (p *PauseSwitch) SetClock(now func() time.Time) { p.now = now }

// Activate pauses remediation. In-flight fixes are not interrupted.
func (p *PauseSwitch) Activate(req PauseRequest) (PauseState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused.Load() {
		return p.snapshotLocked(), ErrAlreadyPaused
	}
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	p.skipped.Store(0)
	p.state = PauseState{
		Paused:   true,
		PausedAt: now().UTC(),
		PausedBy: req.Actor,
		Reason:   req.Reason,
	}
	p.paused.Store(true)
	return p.snapshotLocked(), nil
}

// Reset resumes remediation and returns the state the pause ended with.
func (p *PauseSwitch) Reset() (PauseState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused.Load() {
		return p.snapshotLocked(), ErrNotPaused
	}
	ended := p.snapshotLocked()
	p.paused.Store(false)
	p.state.Paused = false
	return ended, nil
}

// IsActivated reports whether remediation is paused.
func (p *PauseSwitch) IsActivated() bool {
	return p != nil && p.paused.Load()
}

// RecordSkip counts one fix withheld by the pause.
func (p *PauseSwitch) RecordSkip() {
	if p != nil {
		p.skipped.Add(1)
	}
}

// Status returns the current state.
func (p *PauseSwitch) Status() PauseState {
	if p == nil {
		return PauseState{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *PauseSwitch) snapshotLocked() PauseState {
	st := p.state
	st.Paused = p.paused.Load()
	st.Skipped = p.skipped.Load()
	return st
}
