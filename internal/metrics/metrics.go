// Package metrics exposes engine counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warden"

// Sources supplies values sampled at scrape time. Nil funcs report zero.
type Sources struct {
	QueueDepth         func() int
	ActiveContainments func() int
	OpenIncidents      func() int
	DisabledPatterns   func() int
	ParseErrors        func() int64
}

// Collector owns a private registry so multiple engines can coexist in one
// process. All methods are safe on a nil receiver.
type Collector struct {
	reg       *prometheus.Registry
	startedAt time.Time

	events        *prometheus.CounterVec
	deduped       *prometheus.CounterVec
	unknown       prometheus.Counter
	fixAttempts   *prometheus.CounterVec
	fixDuration   *prometheus.HistogramVec
	fixConfidence *prometheus.GaugeVec
	governorSkips *prometheus.CounterVec
	incidents     *prometheus.CounterVec
	releases      *prometheus.CounterVec
	notifications *prometheus.CounterVec
	forensic      *prometheus.CounterVec
	falsePositive prometheus.Counter
}

func New(src Sources) *Collector {
	c := &Collector{
		reg:       prometheus.NewRegistry(),
		startedAt: time.Now().UTC(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events consumed by the dispatcher, by type.",
		}, []string{"type"}),
		deduped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_deduped_total",
			Help:      "Alert-class events dropped inside their dedupe window.",
		}, []string{"type"}),
		unknown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_unknown_total",
			Help:      "Events with an unrecognized type.",
		}),
		fixAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fix",
			Name:      "attempts_total",
			Help:      "Remediation attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		fixDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fix",
			Name:      "duration_seconds",
			Help:      "Remediation duration by strategy.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"strategy"}),
		fixConfidence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fix",
			Name:      "confidence",
			Help:      "Confidence recorded with the most recent attempt, by strategy.",
		}, []string{"strategy"}),
		governorSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "skips_total",
			Help:      "Detections not attempted, by reason.",
		}, []string{"reason"}),
		incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "incidents_total",
			Help:      "Incidents opened by policy and severity.",
		}, []string{"policy", "severity"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "containment_releases_total",
			Help:      "Containment releases by initiator.",
		}, []string{"by"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification pushes by kind and result.",
		}, []string{"kind", "result"}),
		forensic: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forensic_records_total",
			Help:      "Records written to forensic logs, by class.",
		}, []string{"class"}),
		falsePositive: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "false_positive_skips_total",
			Help:      "Bugs skipped because an entity is a known false positive.",
		}),
	}

	c.reg.MustRegister(
		collectors.NewGoCollector(),
		c.events, c.deduped, c.unknown,
		c.fixAttempts, c.fixDuration, c.fixConfidence, c.governorSkips,
		c.incidents, c.releases, c.notifications, c.forensic, c.falsePositive,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "Whether the engine is running.",
		}, func() float64 { return 1 }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the collector was created.",
		}, func() float64 { return time.Since(c.startedAt).Seconds() }),
		gaugeFunc("queue_depth", "Events waiting in the dispatcher queue.", intFunc(src.QueueDepth)),
		gaugeFunc("containment_active", "Active sender and channel containments.", intFunc(src.ActiveContainments)),
		gaugeFunc("incidents_open", "Incidents currently open.", intFunc(src.OpenIncidents)),
		gaugeFunc("patterns_disabled", "Pattern keys permanently disabled by the governor.", intFunc(src.DisabledPatterns)),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "parse_errors_total",
			Help:      "Malformed telemetry lines skipped.",
		}, func() float64 {
			if src.ParseErrors == nil {
				return 0
			}
			return float64(src.ParseErrors())
		}),
	)
	return c
}

func gaugeFunc(name, help string, f func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, f)
}

func intFunc(f func() int) func() float64 {
	return func() float64 {
		if f == nil {
			return 0
		}
		return float64(f())
	}
}

// Registry exposes the private registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.reg
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) IncEvent(eventType string) {
	if c == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	c.events.WithLabelValues(eventType).Inc()
}

func (c *Collector) IncDeduped(eventType string) {
	if c == nil {
		return
	}
	c.deduped.WithLabelValues(eventType).Inc()
}

func (c *Collector) IncUnknown() {
	if c == nil {
		return
	}
	c.unknown.Inc()
}

// ObserveFix records one finished remediation attempt.
func (c *Collector) ObserveFix(strategy string, success bool, d time.Duration, confidence float64) {
	if c == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.fixAttempts.WithLabelValues(strategy, outcome).Inc()
	c.fixDuration.WithLabelValues(strategy).Observe(d.Seconds())
	c.fixConfidence.WithLabelValues(strategy).Set(confidence)
}

func (c *Collector) IncGovernorSkip(reason string) {
	if c == nil {
		return
	}
	c.governorSkips.WithLabelValues(reason).Inc()
}

func (c *Collector) IncFalsePositive() {
	if c == nil {
		return
	}
	c.falsePositive.Inc()
}

func (c *Collector) IncIncident(policy, severity string) {
	if c == nil {
		return
	}
	c.incidents.WithLabelValues(policy, severity).Inc()
}

func (c *Collector) IncRelease(by string) {
	if c == nil {
		return
	}
	if by == "" {
		by = "unknown"
	}
	c.releases.WithLabelValues(by).Inc()
}

func (c *Collector) IncNotification(kind string, delivered bool) {
	if c == nil {
		return
	}
	result := "dropped"
	if delivered {
		result = "delivered"
	}
	c.notifications.WithLabelValues(kind, result).Inc()
}

func (c *Collector) IncForensic(class string) {
	if c == nil {
		return
	}
	c.forensic.WithLabelValues(class).Inc()
}
