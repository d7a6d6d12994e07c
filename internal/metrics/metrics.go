// Package metrics defines the Prometheus metrics exported by the sidecar.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coral-mesh/traceme/internal/capture"
)

const namespace = "traceme"

// Metrics groups the sidecar's collectors. All collectors are registered on
// a private registry so tests and embedders do not share global state.
type Metrics struct {
	registry *prometheus.Registry

	// CapturesTotal counts finished capture requests.
	// Labels: outcome (success, start_failure, unsupported, execution_failure,
	// artifact_missing, cancelled)
	CapturesTotal *prometheus.CounterVec

	// CaptureDuration is the wall time of whole capture requests in seconds.
	CaptureDuration prometheus.Histogram

	// AttemptsTotal counts backend attempts.
	// Labels: backend, label, outcome
	AttemptsTotal *prometheus.CounterVec

	// AttemptDuration is the wall time of single backend attempts in seconds.
	// Labels: backend
	AttemptDuration *prometheus.HistogramVec

	// FallbacksTotal counts candidate fallbacks.
	// Labels: from, to
	FallbacksTotal *prometheus.CounterVec

	// InFlight is the number of captures currently running.
	InFlight prometheus.Gauge

	// DownloadsTotal counts artifact downloads.
	// Labels: result (ok, bad_request, not_found)
	DownloadsTotal *prometheus.CounterVec

	// Artifacts is the number of confirmed artifacts in the registry.
	Artifacts prometheus.Gauge

	// StackDumpsTotal counts thread stack dump requests.
	// Labels: result (ok, failed, timeout, cancelled)
	StackDumpsTotal *prometheus.CounterVec
}

var _ capture.Observer = (*Metrics)(nil)

// New creates the metric set on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CapturesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "captures_total",
				Help:      "Total number of capture requests by outcome",
			},
			[]string{"outcome"},
		),
		CaptureDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "capture_duration_seconds",
				Help:      "Capture request duration in seconds",
				Buckets:   []float64{1, 2, 5, 10, 15, 20, 30, 45, 60, 120},
			},
		),
		AttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capture_attempts_total",
				Help:      "Total number of backend attempts by outcome",
			},
			[]string{"backend", "label", "outcome"},
		),
		AttemptDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "capture_attempt_duration_seconds",
				Help:      "Backend attempt duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 15, 20, 30, 60},
			},
			[]string{"backend"},
		),
		FallbacksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capture_fallbacks_total",
				Help:      "Total number of fallbacks to the next capture candidate",
			},
			[]string{"from", "to"},
		),
		InFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "captures_in_flight",
				Help:      "Number of captures currently running",
			},
		),
		DownloadsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_total",
				Help:      "Total number of artifact download requests by result",
			},
			[]string{"result"},
		),
		Artifacts: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "artifacts",
				Help:      "Number of confirmed artifacts in the registry",
			},
		),
		StackDumpsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stack_dumps_total",
				Help:      "Total number of thread stack dump requests by result",
			},
			[]string{"result"},
		),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// AttemptFinished implements capture.Observer.
func (m *Metrics) AttemptFinished(c capture.Candidate, kind capture.OutcomeKind, elapsed time.Duration) {
	m.AttemptsTotal.WithLabelValues(string(c.Backend), c.Label, kind.String()).Inc()
	m.AttemptDuration.WithLabelValues(string(c.Backend)).Observe(elapsed.Seconds())
}

// FallbackTaken implements capture.Observer.
func (m *Metrics) FallbackTaken(from, to capture.Candidate) {
	m.FallbacksTotal.WithLabelValues(from.Label, to.Label).Inc()
}

// CaptureStarted marks a capture as running and returns the func that
// records its outcome.
func (m *Metrics) CaptureStarted() func(outcome string) {
	start := time.Now()
	m.InFlight.Inc()
	return func(outcome string) {
		m.InFlight.Dec()
		m.CapturesTotal.WithLabelValues(outcome).Inc()
		m.CaptureDuration.Observe(time.Since(start).Seconds())
	}
}

// Download records an artifact download result.
func (m *Metrics) Download(result string) {
	m.DownloadsTotal.WithLabelValues(result).Inc()
}

// StackDump records a stack dump result.
func (m *Metrics) StackDump(result string) {
	m.StackDumpsTotal.WithLabelValues(result).Inc()
}

// SetArtifacts records the number of confirmed artifacts.
func (m *Metrics) SetArtifacts(n int) {
	m.Artifacts.Set(float64(n))
}
