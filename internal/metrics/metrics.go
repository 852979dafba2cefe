// Package metrics records ingestion outcomes for Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives pipeline events.
type Recorder interface {
	RunCompleted(status string, d time.Duration)
	RecordsWritten(n int)
	RetryAttempt(policy string)
}

// Prometheus is a Recorder backed by its own registry.
type Prometheus struct {
	registry *prometheus.Registry
	runs     *prometheus.CounterVec
	records  prometheus.Counter
	duration *prometheus.HistogramVec
	retries  *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them along with the
// Go runtime and process collectors.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kabuka",
			Name:      "ingest_runs_total",
			Help:      "Ingestion runs by terminal status.",
		}, []string{"status"}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kabuka",
			Name:      "records_written_total",
			Help:      "Price records merged into the warehouse.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kabuka",
			Name:      "ingest_run_duration_seconds",
			Help:      "Wall time of ingestion runs.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kabuka",
			Name:      "retry_attempts_total",
			Help:      "Retries of external calls by policy.",
		}, []string{"policy"}),
	}
	p.registry.MustRegister(
		p.runs, p.records, p.duration, p.retries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prometheus) RunCompleted(status string, d time.Duration) {
	p.runs.WithLabelValues(status).Inc()
	p.duration.WithLabelValues(status).Observe(d.Seconds())
}

func (p *Prometheus) RecordsWritten(n int) {
	if n > 0 {
		p.records.Add(float64(n))
	}
}

func (p *Prometheus) RetryAttempt(policy string) {
	p.retries.WithLabelValues(policy).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

type recorderKey struct{}

// WithRecorder attaches r to ctx so leaf packages can record without wiring.
func WithRecorder(ctx context.Context, r Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, r)
}

// From returns the recorder in ctx, or a no-op recorder.
func From(ctx context.Context) Recorder {
	if r, ok := ctx.Value(recorderKey{}).(Recorder); ok && r != nil {
		return r
	}
	return Noop{}
}
