// Package containment tracks which senders and channels are currently
// suppressed because of a security incident.
package containment

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentsh/warden/pkg/types"
)

// State is the containment record for one target. Released records are kept
// so operators can see what was lifted and when.
type State struct {
	Target     types.ContainmentTarget `json:"target"`
	Active     bool                    `json:"active"`
	SetAt      time.Time               `json:"set_at"`
	IncidentID string                  `json:"incident_id,omitempty"`
	Reason     string                  `json:"reason,omitempty"`
	ReleasedAt time.Time               `json:"released_at,omitempty"`
	ReleasedBy string                  `json:"released_by,omitempty"`
}

// Registry is the single source of truth for active containment.
type Registry struct {
	mu     sync.RWMutex
	states map[types.ContainmentTarget]*State
	now    func() time.Time
	active atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{
		states: make(map[types.ContainmentTarget]*State),
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Set activates containment for target. It reports false when the target was
// already active, in which case the existing record is left untouched.
func (r *Registry) Set(target types.ContainmentTarget, incidentID, reason string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[target]; ok && st.Active {
		return *st, false
	}
	st := &State{
		Target:     target,
		Active:     true,
		SetAt:      r.now().UTC(),
		IncidentID: incidentID,
		Reason:     reason,
	}
	r.states[target] = st
	r.active.Add(1)
	return *st, true
}

// Release deactivates target. Releasing an inactive or unknown target is a
// no-op and reports false.
func (r *Registry) Release(target types.ContainmentTarget, by string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[target]
	if !ok {
		return State{Target: target}, false
	}
	if !st.Active {
		return *st, false
	}
	st.Active = false
	st.ReleasedAt = r.now().UTC()
	st.ReleasedBy = by
	r.active.Add(-1)
	return *st, true
}

// IsActive reports whether target is currently contained.
func (r *Registry) IsActive(target types.ContainmentTarget) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[target]
	return ok && st.Active
}

// Suppressed reports whether actions from sender on channel are muted.
func (r *Registry) Suppressed(sender, channel string) bool {
	if sender != "" && r.IsActive(types.ContainmentTarget{Type: types.TargetSender, ID: sender}) {
		return true
	}
	return channel != "" && r.IsActive(types.ContainmentTarget{Type: types.TargetChannel, ID: channel})
}

// Active returns active records ordered by SetAt.
func (r *Registry) Active() []State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]State, 0, len(r.states))
	for _, st := range r.states {
		if st.Active {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SetAt.Equal(out[j].SetAt) {
			return out[i].Target.String() < out[j].Target.String()
		}
		return out[i].SetAt.Before(out[j].SetAt)
	})
	return out
}

// Expired returns active targets set more than ttl ago. A zero ttl never
// expires anything.
func (r *Registry) Expired(ttl time.Duration) []types.ContainmentTarget {
	if ttl <= 0 {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := r.now().Add(-ttl)
	var out []types.ContainmentTarget
	for t, st := range r.states {
		if st.Active && st.SetAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// ActiveCount returns the number of active containments.
func (r *Registry) ActiveCount() int { return int(r.active.Load()) }
