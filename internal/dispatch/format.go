package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentsh/warden/internal/patterns"
	"github.com/agentsh/warden/pkg/types"
)

// alertSeverity reads details.severity, defaulting to high.
func alertSeverity(ev *types.SecurityEvent) types.Severity {
	if s, ok := ev.Details["severity"].(string); ok {
		if sev, err := types.ParseSeverity(strings.ToLower(s)); err == nil {
			return sev
		}
	}
	return types.SeverityHigh
}

func alertSummary(ev *types.SecurityEvent) string {
	for _, k := range []string{"message", "reason", "summary"} {
		if s, ok := ev.Details[k].(string); ok && s != "" {
			return s
		}
	}
	who := ev.Sender
	if who == "" {
		who = "*"
	}
	return fmt.Sprintf("%s in %s", who, ev.Channel)
}

func countsText(counts map[types.EventType]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, counts[types.EventType(k)]))
	}
	return strings.Join(parts, ",")
}

func tierSeverity(t patterns.Tier) types.Severity {
	switch t {
	case patterns.TierP0:
		return types.SeverityCritical
	case patterns.TierP1:
		return types.SeverityHigh
	case patterns.TierP2:
		return types.SeverityMedium
	}
	return types.SeverityLow
}
