// Package observability holds the Prometheus collectors for the crop and
// export pipelines, the job lifecycle and the ops HTTP surface.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is nil-safe: every method on a nil *Metrics is a no-op, so
// components can be built without a registry in tests.
type Metrics struct {
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	cropGeometries   *prometheus.CounterVec
	cropItemDuration prometheus.Histogram

	exportLayers   *prometheus.CounterVec
	exportFeatures *prometheus.CounterVec
	exportBytes    prometheus.Histogram

	jobTransitions *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobsInFlight   *prometheus.GaugeVec

	layerCache *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
			},
			[]string{"method", "route", "status"},
		),
		cropGeometries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crop_geometries_total",
				Help: "Geometries processed by the cropping engine, by outcome and stage.",
			},
			[]string{"outcome", "stage"},
		),
		cropItemDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "crop_geometry_duration_seconds",
			Help:    "Time to crop one geometry.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		exportLayers: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "export_layers_total",
				Help: "Export layers by outcome.",
			},
			[]string{"layer", "outcome"},
		),
		exportFeatures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "export_features_total",
				Help: "Features written to export packages.",
			},
			[]string{"layer"},
		),
		exportBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "export_package_bytes",
			Help:    "Size of finished export packages.",
			Buckets: prometheus.ExponentialBuckets(64<<10, 4, 10),
		}),
		jobTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "job_transitions_total",
				Help: "Job state transitions by kind and target status.",
			},
			[]string{"kind", "status"},
		),
		jobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "job_duration_seconds",
				Help:    "Wall time from start to terminal state.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"kind", "status"},
		),
		jobsInFlight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "jobs_in_flight",
				Help: "Jobs currently processing.",
			},
			[]string{"kind"},
		),
		layerCache: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "layer_cache_results_total",
				Help: "Analysis layer cache lookups by outcome.",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) ObserveHTTP(method, route string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	st := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	m.httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

// ObserveCropGeometry records one geometry; stage is empty on success.
func (m *Metrics) ObserveCropGeometry(ok bool, stage string, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "cropped"
	if !ok {
		outcome = "skipped"
	}
	m.cropGeometries.WithLabelValues(outcome, stage).Inc()
	m.cropItemDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveExportLayer(layer, outcome string, features int) {
	if m == nil {
		return
	}
	m.exportLayers.WithLabelValues(layer, outcome).Inc()
	if features > 0 {
		m.exportFeatures.WithLabelValues(layer).Add(float64(features))
	}
}

func (m *Metrics) ObserveExportSize(bytes int64) {
	if m == nil {
		return
	}
	m.exportBytes.Observe(float64(bytes))
}

func (m *Metrics) JobStarted(kind string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(kind, "processing").Inc()
	m.jobsInFlight.WithLabelValues(kind).Inc()
}

// JobFinished records a terminal transition. started is false for jobs
// cancelled before they ran.
func (m *Metrics) JobFinished(kind, status string, started bool, d time.Duration) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(kind, status).Inc()
	if started {
		m.jobsInFlight.WithLabelValues(kind).Dec()
		m.jobDuration.WithLabelValues(kind, status).Observe(d.Seconds())
	}
}

func (m *Metrics) IncLayerCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.layerCache.WithLabelValues("hit").Inc()
		return
	}
	m.layerCache.WithLabelValues("miss").Inc()
}
