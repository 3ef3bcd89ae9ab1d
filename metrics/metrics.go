// Package metrics exports engine operation outcomes to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/lotledger/engine"
)

const namespace = "lotledger"

// Recorder implements engine.Recorder with a counter and a latency
// histogram per operation. Each Recorder owns its registry so tests can
// create as many as they like.
type Recorder struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	offline    *prometheus.CounterVec
}

var _ engine.Recorder = (*Recorder)(nil)

// NewRecorder creates a recorder with Go runtime and process collectors
// registered alongside the engine metrics.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by name and outcome.",
		}, []string{"op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency, including lock wait.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		offline: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_transactions_total",
			Help:      "Offline transactions processed by the sync scheduler, by status.",
		}, []string{"status"}),
	}
	r.registry.MustRegister(
		r.operations,
		r.duration,
		r.offline,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Observe records one engine operation.
func (r *Recorder) Observe(_ context.Context, op string, success bool, dur time.Duration) {
	if op == "" {
		return
	}
	outcome := "error"
	if success {
		outcome = "success"
	}
	r.operations.WithLabelValues(op, outcome).Inc()
	r.duration.WithLabelValues(op).Observe(dur.Seconds())
}

// ObserveSync records the outcome of an offline queue run.
func (r *Recorder) ObserveSync(res engine.ApplyResult) {
	r.offline.WithLabelValues("applied").Add(float64(res.Applied))
	r.offline.WithLabelValues("conflict").Add(float64(res.Conflicts))
	r.offline.WithLabelValues("rejected").Add(float64(res.Rejected))
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }
