package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentsh/warden/pkg/types"
)

// Deduper remembers when each alert shape was last emitted. Stale entries
// are purged on every lookup, so memory is bounded by the number of
// distinct shapes seen within one window.
type Deduper struct {
	window time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func NewDeduper(window time.Duration) *Deduper {
	return &Deduper{window: window, last: make(map[string]time.Time)}
}

// Allow reports whether key may be emitted at now, recording it if so. A
// zero window disables deduplication.
func (d *Deduper) Allow(key string, now time.Time) bool {
	if d.window <= 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purgeLocked(now)
	if _, ok := d.last[key]; ok {
		return false
	}
	d.last[key] = now
	return true
}

// Purge drops entries older than the window and returns how many remain.
func (d *Deduper) Purge(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purgeLocked(now)
	return len(d.last)
}

func (d *Deduper) purgeLocked(now time.Time) {
	for k, at := range d.last {
		if now.Sub(at) >= d.window {
			delete(d.last, k)
		}
	}
}

// Len returns the number of remembered keys.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.last)
}

// AlertKey derives the dedupe key of a security alert. An explicit
// dedupe_key wins; otherwise the stable fields are fingerprinted.
func AlertKey(ev *types.SecurityEvent) string {
	if ev.DedupeKey != "" {
		return string(ev.Type) + ":" + ev.DedupeKey
	}
	return string(ev.Type) + ":" + fingerprint(ev.Sender, ev.Channel, ev.Details)
}

// IncidentKey derives the dedupe key of an incident alert.
func IncidentKey(inc *types.Incident) string {
	return string(types.EventIncidentAlert) + ":" + inc.PolicyTrigger + ":" + inc.Target.String() + ":" + string(inc.Severity)
}

func fingerprint(parts ...any) string {
	// encoding/json sorts map keys, so equal details hash equally.
	b, err := json.Marshal(parts)
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:12])
}
