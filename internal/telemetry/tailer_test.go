package telemetry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/warden/pkg/types"
)

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

func criticalLine(i int) string {
	return fmt.Sprintf(`{"event":"module_status","timestamp":"2026-03-01T12:00:%02dZ","session":"s1","module":"mod%d","severity":"critical","message":"boom"}`, i, i)
}

func newTestTailer(t *testing.T, files ...string) *Tailer {
	t.Helper()
	tl, err := New(Config{Files: files, SeenIDCapacity: 100})
	require.NoError(t, err)
	return tl
}

func TestPoll_NoGrowthNoEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	appendLines(t, path, criticalLine(1))
	tl := newTestTailer(t, path)

	evs, err := tl.Poll()
	require.NoError(t, err)
	require.Len(t, evs, 1)

	evs, err = tl.Poll()
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestPoll_CountsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	tl := newTestTailer(t, path)

	const n, m = 4, 3
	for i := 0; i < n; i++ {
		appendLines(t, path, criticalLine(i))
	}
	for i := 0; i < m; i++ {
		appendLines(t, path, `{"event": "module_status", broken`)
	}

	evs, err := tl.Poll()
	require.NoError(t, err)
	assert.Len(t, evs, n)
	st := tl.Stats()
	assert.EqualValues(t, m, st.ParseErrors)
	assert.EqualValues(t, n, st.Emitted)
}

func TestPoll_SkipsNonActionable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	appendLines(t, path,
		`{"event":"module_status","timestamp":"2026-03-01T12:00:00Z","module":"a","severity":"info"}`,
		`{"event":"system_alerts","timestamp":"2026-03-01T12:00:01Z","alerts":[]}`,
		`{"event":"search_code","timestamp":"2026-03-01T12:00:02Z","query":"q","code_hits":0,"wsp_hits":0}`,
		`{"event":"search_code","timestamp":"2026-03-01T12:00:03Z","query":"q","code_hits":2}`,
		`{"event":"system_alerts","timestamp":"2026-03-01T12:00:04Z","alerts":["disk full"]}`,
	)
	tl := newTestTailer(t, path)

	evs, err := tl.Poll()
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, types.EventSearchRequest, evs[0].Type)
	assert.Equal(t, types.EventSystemAlerts, evs[1].Type)
	assert.EqualValues(t, 3, tl.Stats().Skipped)
}

func TestPoll_DuplicateLinesSuppressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	tl := newTestTailer(t, path)
	appendLines(t, path, criticalLine(7), criticalLine(7))

	evs, err := tl.Poll()
	require.NoError(t, err)
	assert.Len(t, evs, 1)
	assert.EqualValues(t, 1, tl.Stats().Duplicates)
}

func TestPoll_MissingFileSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "later.jsonl")
	tl := newTestTailer(t, path)

	evs, err := tl.Poll()
	require.NoError(t, err)
	assert.Empty(t, evs)

	appendLines(t, path, criticalLine(2))
	evs, err = tl.Poll()
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestPoll_TruncationRewinds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	appendLines(t, path, criticalLine(1), criticalLine(2))
	tl := newTestTailer(t, path)
	evs, err := tl.Poll()
	require.NoError(t, err)
	require.Len(t, evs, 2)

	require.NoError(t, os.WriteFile(path, []byte(criticalLine(3)+"\n"), 0o644))
	evs, err = tl.Poll()
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "mod3", evs[0].Telemetry.Module)
}

func TestPoll_SecurityLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	appendLines(t, path,
		`{"event":"permission_denied","timestamp":"2026-03-01T12:00:00Z","sender":"agentX","channel":"discord_live","dedupe_key":"pd-1"}`,
		`{"event":"rate_limited","timestamp":"2026-03-01T12:00:01Z"}`,
	)
	tl := newTestTailer(t, path)

	evs, err := tl.Poll()
	require.NoError(t, err)
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, types.EventPermissionDenied, ev.Type)
	require.NotNil(t, ev.Security)
	assert.Equal(t, "agentX", ev.Security.Sender)
	assert.Equal(t, "discord_live", ev.Security.Channel)
	assert.Equal(t, "pd-1", ev.Security.DedupeKey)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), ev.Timestamp.UTC())
}

func TestEventID_Deterministic(t *testing.T) {
	a := &types.TelemetryRecord{Event: "module_status", Session: "s", Module: "m"}
	b := &types.TelemetryRecord{Event: "module_status", Session: "s", Module: "m"}
	c := &types.TelemetryRecord{Event: "module_status", Session: "s", Module: "other"}
	assert.Equal(t, EventID(a), EventID(b))
	assert.NotEqual(t, EventID(a), EventID(c))
	assert.Len(t, EventID(a), 20)
}

func TestRun_DeliversAndStops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	appendLines(t, path, criticalLine(1))
	tl := newTestTailer(t, path)

	var mu sync.Mutex
	var got []types.Event
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tl.Run(ctx, RunOptions{Interval: 10 * time.Millisecond}, func(ev types.Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		})
	}()

	appendLines(t, path, criticalLine(2))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
