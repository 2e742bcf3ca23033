// Package classify matches raw log text against pattern descriptors and
// separates non-error signals from bugs that need a remediation decision.
package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/agentsh/warden/internal/patterns"
)

// DetectedMatch is one pattern hit within a scan.
type DetectedMatch struct {
	PatternName string    `json:"pattern_name"`
	Matches     []string  `json:"matches"`
	SourceLine  string    `json:"source_line"`
	DetectedAt  time.Time `json:"detected_at"`
}

// ClassifiedBug is a bug match enriched with its descriptor's decision.
type ClassifiedBug struct {
	Match           DetectedMatch
	PatternKey      string
	Priority        int
	Tier            patterns.Tier
	AutoFixable     bool
	NeedsEscalation bool
	FixStrategy     patterns.Strategy
	FixCommand      string
}

// PatternKey is the stable identity of one anomaly recurrence.
func PatternKey(name string, matches []string) string {
	h := sha256.New()
	h.Write([]byte(name))
	for _, m := range matches {
		h.Write([]byte{0})
		h.Write([]byte(m))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Classify applies every descriptor to every line of raw. Patterns are not
// mutually exclusive. Bugs with the same pattern key collapse to one entry.
func Classify(raw string, set *patterns.Set, now time.Time) (signals []DetectedMatch, bugs []ClassifiedBug) {
	seen := make(map[string]struct{})
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		for _, d := range set.All() {
			m := d.Regexp().FindStringSubmatch(line)
			if m == nil {
				continue
			}
			match := DetectedMatch{
				PatternName: d.Name,
				Matches:     m,
				SourceLine:  line,
				DetectedAt:  now,
			}
			if d.Kind == patterns.KindSignal {
				signals = append(signals, match)
				continue
			}
			bug, keep := classifyBug(d, match)
			if !keep {
				continue
			}
			if _, dup := seen[bug.PatternKey]; dup {
				continue
			}
			seen[bug.PatternKey] = struct{}{}
			bugs = append(bugs, bug)
		}
	}
	return signals, bugs
}

func classifyBug(d *patterns.Descriptor, m DetectedMatch) (ClassifiedBug, bool) {
	if d.Action == patterns.ActionIgnore {
		return ClassifiedBug{}, false
	}
	score := d.Priority.Score()
	return ClassifiedBug{
		Match:           m,
		PatternKey:      PatternKey(d.Name, m.Matches),
		Priority:        score,
		Tier:            patterns.TierFor(score),
		AutoFixable:     d.Action == patterns.ActionAutoFix,
		NeedsEscalation: d.Action == patterns.ActionEscalate,
		FixStrategy:     d.FixStrategy,
		FixCommand:      d.FixCommand,
	}, true
}
