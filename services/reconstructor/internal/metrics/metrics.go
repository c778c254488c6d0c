// Package metrics exposes Prometheus collectors for reconstruction runs.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/threadrecon/services/reconstructor/internal/recon"
)

// Metrics holds Prometheus metrics for the reconstructor.
//
// Metrics:
//   - recon_expansion_calls_total{outcome} - children calls by outcome
//   - recon_expansion_call_duration_seconds{outcome} - children call latency
//   - recon_attempts_total{sort,supplemental,result} - fetch strategies tried
//   - recon_attempt_coverage - resolved/reported per successful attempt
//   - recon_reconstructions_total{source,result} - finished Reconstruct calls
//   - recon_reconstruction_duration_seconds{source} - Reconstruct latency
//   - recon_cache_lookups_total{result} - cache hits and misses
type Metrics struct {
	ExpansionCalls        *prometheus.CounterVec
	ExpansionCallDuration *prometheus.HistogramVec
	Attempts              *prometheus.CounterVec
	AttemptCoverage       prometheus.Histogram
	Reconstructions       *prometheus.CounterVec
	ReconstructionLatency *prometheus.HistogramVec
	CacheLookups          *prometheus.CounterVec
}

var _ recon.Observer = (*Metrics)(nil)

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ExpansionCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_expansion_calls_total",
			Help: "Children calls issued while expanding continuation stubs",
		}, []string{"outcome"}),
		ExpansionCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recon_expansion_call_duration_seconds",
			Help:    "Latency of children calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"outcome"}),
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_attempts_total",
			Help: "Fetch strategies tried per ordering",
		}, []string{"sort", "supplemental", "result"}),
		AttemptCoverage: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "recon_attempt_coverage",
			Help:    "Resolved over reported comments per successful attempt",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		Reconstructions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_reconstructions_total",
			Help: "Finished reconstructions",
		}, []string{"source", "result"}),
		ReconstructionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recon_reconstruction_duration_seconds",
			Help:    "Wall-clock time of one reconstruction",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"source"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recon_cache_lookups_total",
			Help: "Result cache lookups",
		}, []string{"result"}),
	}
}

func (m *Metrics) ExpansionCall(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ExpansionCalls.WithLabelValues(outcome).Inc()
	m.ExpansionCallDuration.WithLabelValues(outcome).Observe(took.Seconds())
}

func (m *Metrics) ObserveAttempt(a recon.Attempt) {
	if m == nil {
		return
	}
	result := "ok"
	if a.Failed() {
		result = "error"
	}
	m.Attempts.WithLabelValues(string(a.Query.Sort), strconv.FormatBool(a.Supplemental), result).Inc()
	if !a.Failed() {
		m.AttemptCoverage.Observe(a.Coverage)
	}
}

func (m *Metrics) Reconstruction(source string, err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Reconstructions.WithLabelValues(source, result).Inc()
	m.ReconstructionLatency.WithLabelValues(source).Observe(took.Seconds())
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}
