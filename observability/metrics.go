// Package observability holds pagekeep's two monitoring outputs: Prometheus
// metrics scraped from /metrics, and a SQLite business event log recording
// capture lifecycle events.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeOK          = "ok"
	OutcomePartial     = "partial"
	OutcomeNavigation  = "navigation_error"
	OutcomeInvalid     = "invalid"
	OutcomeError       = "error"
	OutcomeInlined     = "inlined"
	OutcomeDropped     = "dropped"
	OutcomeProxied     = "proxied"
	OutcomePlaceholder = "placeholder"
	OutcomeDenied      = "denied"
)

// Metrics is the set of Prometheus collectors exported by pagekeep. Each
// instance owns its registry so tests can build as many as they like.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	captures        *prometheus.CounterVec
	captureDuration prometheus.Histogram
	stylesheets     *prometheus.CounterVec
	assetRequests   *prometheus.CounterVec
	evicted         prometheus.Counter
}

// NewMetrics builds and registers the collectors, plus the Go runtime and
// process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagekeep_captures_total",
			Help: "Captures by outcome.",
		}, []string{"outcome"}),
		captureDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pagekeep_capture_duration_seconds",
			Help:    "End-to-end capture duration.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60},
		}),
		stylesheets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagekeep_stylesheets_total",
			Help: "External stylesheets by inlining outcome.",
		}, []string{"outcome"}),
		assetRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagekeep_asset_requests_total",
			Help: "Asset proxy requests by outcome.",
		}, []string{"outcome"}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagekeep_snapshots_evicted_total",
			Help: "Snapshots removed by the TTL and capacity sweeper.",
		}),
	}
	m.reg.MustRegister(
		m.captures, m.captureDuration, m.stylesheets, m.assetRequests, m.evicted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Capture records one finished capture.
func (m *Metrics) Capture(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.captures.WithLabelValues(outcome).Inc()
	m.captureDuration.Observe(d.Seconds())
}

// Stylesheets records inlining results for one capture.
func (m *Metrics) Stylesheets(inlined, dropped int) {
	if m == nil {
		return
	}
	m.stylesheets.WithLabelValues(OutcomeInlined).Add(float64(inlined))
	m.stylesheets.WithLabelValues(OutcomeDropped).Add(float64(dropped))
}

// AssetRequest records one asset proxy response.
func (m *Metrics) AssetRequest(outcome string) {
	if m == nil {
		return
	}
	m.assetRequests.WithLabelValues(outcome).Inc()
}

// Evicted records snapshots removed by the sweeper.
func (m *Metrics) Evicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evicted.Add(float64(n))
}
