package correlate

import (
	"fmt"
	"sort"
	"time"

	"github.com/agentsh/warden/internal/config"
	"github.com/agentsh/warden/pkg/types"
)

// SeverityStep maps how far a count exceeds the threshold to a severity.
type SeverityStep struct {
	Exceed   int
	Severity types.Severity
}

// Policy is one validated correlation rule.
type Policy struct {
	Name        string
	EventType   types.EventType
	Scope       types.TargetType
	Threshold   int
	Window      time.Duration
	Containment types.Containment
	Steps       []SeverityStep
}

// SeverityFor picks the highest step whose Exceed is at most count-Threshold.
// With no steps configured the result is medium.
func (p Policy) SeverityFor(count int) types.Severity {
	exceed := count - p.Threshold
	sev := types.SeverityMedium
	if len(p.Steps) > 0 {
		sev = p.Steps[0].Severity
	}
	for _, s := range p.Steps {
		if exceed >= s.Exceed {
			sev = s.Severity
		}
	}
	return sev
}

// PoliciesFromConfig converts and validates configured policies. Unknown
// event types, scopes, containments and severities fail here rather than at
// first match.
func PoliciesFromConfig(in []config.SecurityPolicy) ([]Policy, error) {
	out := make([]Policy, 0, len(in))
	names := make(map[string]bool, len(in))
	for i, cp := range in {
		if cp.Name == "" {
			return nil, fmt.Errorf("policy %d: name is required", i)
		}
		if names[cp.Name] {
			return nil, fmt.Errorf("policy %q: duplicate name", cp.Name)
		}
		names[cp.Name] = true

		et := types.EventType(cp.EventType)
		if !et.IsSecurity() {
			return nil, fmt.Errorf("policy %q: unsupported event type %q", cp.Name, cp.EventType)
		}
		var scope types.TargetType
		switch cp.Scope {
		case "", "sender":
			scope = types.TargetSender
		case "channel":
			scope = types.TargetChannel
		default:
			return nil, fmt.Errorf("policy %q: unsupported scope %q", cp.Name, cp.Scope)
		}
		if cp.Threshold <= 0 {
			return nil, fmt.Errorf("policy %q: threshold must be > 0", cp.Name)
		}
		window, err := time.ParseDuration(cp.Window)
		if err != nil || window <= 0 {
			return nil, fmt.Errorf("policy %q: invalid window %q", cp.Name, cp.Window)
		}
		containment := types.ContainmentNone
		if cp.Containment != "" {
			containment, err = types.ParseContainment(cp.Containment)
			if err != nil {
				return nil, fmt.Errorf("policy %q: %w", cp.Name, err)
			}
		} else if scope == types.TargetSender {
			containment = types.ContainmentMuteSender
		} else {
			containment = types.ContainmentMuteChannel
		}
		if (containment == types.ContainmentMuteSender && scope != types.TargetSender) ||
			(containment == types.ContainmentMuteChannel && scope != types.TargetChannel) {
			return nil, fmt.Errorf("policy %q: containment %s does not match scope %s", cp.Name, containment, scope)
		}

		p := Policy{
			Name:        cp.Name,
			EventType:   et,
			Scope:       scope,
			Threshold:   cp.Threshold,
			Window:      window,
			Containment: containment,
		}
		for _, st := range cp.Severity {
			sev, err := types.ParseSeverity(st.Severity)
			if err != nil {
				return nil, fmt.Errorf("policy %q: %w", cp.Name, err)
			}
			if st.Exceed < 0 {
				return nil, fmt.Errorf("policy %q: severity step exceed must be >= 0", cp.Name)
			}
			p.Steps = append(p.Steps, SeverityStep{Exceed: st.Exceed, Severity: sev})
		}
		sort.SliceStable(p.Steps, func(i, j int) bool { return p.Steps[i].Exceed < p.Steps[j].Exceed })
		out = append(out, p)
	}
	return out, nil
}
