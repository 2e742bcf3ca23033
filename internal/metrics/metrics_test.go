package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/warden/internal/store"
)

func TestHandlerExportsCounters(t *testing.T) {
	c := New(Sources{
		QueueDepth:         func() int { return 4 },
		ActiveContainments: func() int { return 2 },
		ParseErrors:        func() int64 { return 7 },
	})
	c.IncEvent("permission_denied")
	c.IncEvent("permission_denied")
	c.IncEvent("")
	c.IncDeduped("security_alert")
	c.IncIncident("repeated_permission_denied", "medium")
	c.ObserveFix("run_command", true, 1500*time.Millisecond, 0.75)
	c.IncNotification("outcome", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.events.WithLabelValues("permission_denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fixAttempts.WithLabelValues("run_command", "success")))
	assert.Equal(t, 0.75, testutil.ToFloat64(c.fixConfidence.WithLabelValues("run_command")))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, want := range []string{
		"warden_up 1",
		`warden_events_total{type="permission_denied"} 2`,
		`warden_events_deduped_total{type="security_alert"} 1`,
		"warden_queue_depth 4",
		"warden_containment_active 2",
		"warden_telemetry_parse_errors_total 7",
		`warden_security_incidents_total{policy="repeated_permission_denied",severity="medium"} 1`,
		`warden_notifications_total{kind="outcome",result="dropped"} 1`,
		"warden_fix_duration_seconds_bucket",
	} {
		assert.Contains(t, body, want)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.IncEvent("x")
	c.ObserveFix("run_command", false, time.Second, 0)
	c.IncForensic("security_alerts")
	assert.Nil(t, c.Registry())

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type memLearning struct {
	store.LearningStore
	fixes []store.FixRecord
}

func (m *memLearning) RecordFix(_ context.Context, rec store.FixRecord) error {
	m.fixes = append(m.fixes, rec)
	return nil
}

func TestWrapLearningStoreObservesFixes(t *testing.T) {
	c := New(Sources{})
	inner := &memLearning{}
	ls := WrapLearningStore(inner, c)

	require.NoError(t, ls.RecordFix(context.Background(), store.FixRecord{
		PatternKey: "k", Strategy: "apply_code_patch", Success: false, Confidence: 0.5,
	}))
	assert.Len(t, inner.fixes, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fixAttempts.WithLabelValues("apply_code_patch", "failure")))

	assert.Nil(t, WrapLearningStore(nil, c))
	assert.Same(t, inner, WrapLearningStore(inner, nil).(*memLearning))
}

type memLog struct {
	records map[string]int
	fail    error
}

func (m *memLog) Append(_ context.Context, class string, _ any) error {
	if m.fail != nil {
		return m.fail
	}
	m.records[class]++
	return nil
}
func (m *memLog) Close() error { return nil }

func TestWrapRecordLogCountsOnlySuccessfulAppends(t *testing.T) {
	c := New(Sources{})
	inner := &memLog{records: map[string]int{}}
	log := WrapRecordLog(inner, c)

	require.NoError(t, log.Append(context.Background(), "security_alerts", map[string]any{"a": 1}))
	inner.fail = assert.AnError
	require.Error(t, log.Append(context.Background(), "security_alerts", map[string]any{"a": 2}))

	assert.Equal(t, 1, inner.records["security_alerts"])
	assert.Equal(t, 1.0, testutil.ToFloat64(c.forensic.WithLabelValues("security_alerts")))
	require.NoError(t, log.Close())
}
