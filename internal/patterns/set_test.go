package patterns

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePatterns = `{
  "unicode_error": {
    "regex": "UnicodeEncodeError: '(\\w+)' codec",
    "kind": "bug",
    "action": "auto_fix",
    "priority": {"complexity": 2, "importance": 4, "deferability": 3, "impact": 4},
    "fix_strategy": "apply_code_patch",
    "fix_command": "unicode_fix.patch"
  },
  "stream_started": {
    "regex": "stream started for (\\S+)",
    "kind": "signal",
    "priority": {"complexity": 1, "importance": 1, "deferability": 1, "impact": 1}
  },
  "known_backlog": {
    "regex": "deprecated API",
    "kind": "bug",
    "action": "ignore",
    "priority": {"complexity": 1, "importance": 1, "deferability": 5, "impact": 1}
  }
}`

func TestParse_LoadsAndOrdersDescriptors(t *testing.T) {
	set, err := Parse([]byte(samplePatterns))
	require.NoError(t, err)
	require.Equal(t, 3, set.Len())

	names := []string{}
	for _, d := range set.All() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"known_backlog", "stream_started", "unicode_error"}, names)

	d, ok := set.Get("unicode_error")
	require.True(t, ok)
	assert.Equal(t, StrategyApplyCodePatch, d.FixStrategy)
	assert.Equal(t, 13, d.Priority.Score())
	assert.NotNil(t, d.Regexp())
}

func TestParse_RejectsUnknownStrategyAtLoad(t *testing.T) {
	_, err := Parse([]byte(`{"p": {"regex": "x", "kind": "bug", "action": "auto_fix",
		"priority": {"complexity": 1, "importance": 1, "deferability": 1, "impact": 1},
		"fix_strategy": "reboot_universe", "fix_command": "x"}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownStrategy))
}

func TestParse_RejectsInvalidDescriptors(t *testing.T) {
	cases := map[string]string{
		"unknown kind":      `{"p": {"regex": "x", "kind": "weird", "priority": {"complexity": 1, "importance": 1, "deferability": 1, "impact": 1}}}`,
		"unknown action":    `{"p": {"regex": "x", "kind": "bug", "action": "panic", "priority": {"complexity": 1, "importance": 1, "deferability": 1, "impact": 1}}}`,
		"missing action":    `{"p": {"regex": "x", "kind": "bug", "priority": {"complexity": 1, "importance": 1, "deferability": 1, "impact": 1}}}`,
		"bad regex":         `{"p": {"regex": "(", "kind": "signal", "priority": {"complexity": 1, "importance": 1, "deferability": 1, "impact": 1}}}`,
		"score range":       `{"p": {"regex": "x", "kind": "signal", "priority": {"complexity": 9, "importance": 1, "deferability": 1, "impact": 1}}}`,
		"auto_fix no cmd":   `{"p": {"regex": "x", "kind": "bug", "action": "auto_fix", "fix_strategy": "run_command", "priority": {"complexity": 1, "importance": 1, "deferability": 1, "impact": 1}}}`,
		"auto_fix no strat": `{"p": {"regex": "x", "kind": "bug", "action": "auto_fix", "fix_command": "true", "priority": {"complexity": 1, "importance": 1, "deferability": 1, "impact": 1}}}`,
		"null descriptor":   `{"p": null}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestTierFor(t *testing.T) {
	cases := []struct {
		score int
		want  Tier
	}{
		{20, TierP0}, {16, TierP0}, {15, TierP1}, {13, TierP1},
		{12, TierP2}, {10, TierP2}, {9, TierP3}, {7, TierP3},
		{6, TierP4}, {4, TierP4},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, TierFor(c.score), "score %d", c.score)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.json")
	require.NoError(t, os.WriteFile(path, []byte(samplePatterns), 0o600))

	set, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, set.Len())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
