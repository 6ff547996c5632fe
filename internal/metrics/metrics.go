// Package metrics owns the Prometheus registry served on the ops port.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nongview"

type BuildInfo struct {
	Version   string
	Revision  string
	Branch    string
	BuildDate string
}

// Registry wraps a private prometheus registry so tests and the CLI never
// touch the global default one.
type Registry struct {
	reg      *prometheus.Registry
	capacity *prometheus.GaugeVec
}

// New registers the Go and process collectors plus the build and worker
// capacity gauges.
func New(b BuildInfo) *Registry {
	if b.Version == "" {
		b.Version = "dev"
	}
	build := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build metadata of the running binary; always 1.",
		ConstLabels: prometheus.Labels{
			"version":    b.Version,
			"revision":   b.Revision,
			"branch":     b.Branch,
			"build_date": b.BuildDate,
		},
	})
	build.Set(1)

	r := &Registry{
		reg: prometheus.NewRegistry(),
		capacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_capacity",
			Help:      "Configured worker count per pool.",
		}, []string{"pool"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		build,
		r.capacity,
	)
	return r
}

// SetCapacity records the configured size of a worker pool ("jobs", "crop").
func (r *Registry) SetCapacity(pool string, n int) {
	r.capacity.WithLabelValues(pool).Set(float64(n))
}

// Handler serves the registry. Collection errors are reported on
// promhttp_metric_handler_errors_total but do not fail the scrape.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{
		Registry:      r.reg,
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (r *Registry) Registerer() prometheus.Registerer { return r.reg }
