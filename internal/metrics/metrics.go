// Package metrics holds the Prometheus collectors of the engine. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warden"

type Metrics struct {
	registry *prometheus.Registry

	attempts *prometheus.CounterVec
	retries  *prometheus.CounterVec
	jobs     *prometheus.CounterVec
	findings *prometheus.CounterVec
	running  prometheus.Gauge
	queued   prometheus.Gauge
	duration *prometheus.HistogramVec
}

// New registers the collectors in a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_attempts_total",
			Help:      "Unit attempts by tool and outcome.",
		}, []string{"tool", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_retries_total",
			Help:      "Units re-queued after a transient failure.",
		}, []string{"tool"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished jobs by status.",
		}, []string{"status"}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Parsed findings by tool and severity, before deduplication.",
		}, []string{"tool", "severity"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_running",
			Help:      "Units currently running.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_queued",
			Help:      "Units waiting for a worker, retries included.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_attempt_duration_seconds",
			Help:      "Duration of a single unit attempt.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"tool"}),
	}
	m.registry.MustRegister(
		m.attempts,
		m.retries,
		m.jobs,
		m.findings,
		m.running,
		m.queued,
		m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is exposed for tests and custom exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Attempt records a finished attempt. outcome is the unit status after it.
func (m *Metrics) Attempt(tool string, outcome model.UnitStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(tool, string(outcome)).Inc()
	m.duration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) Retry(tool string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(tool).Inc()
}

func (m *Metrics) Job(status model.JobStatus) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) Finding(tool string, sev model.Severity) {
	if m == nil {
		return
	}
	m.findings.WithLabelValues(tool, sev.String()).Inc()
}

// Load sets the queue gauges.
func (m *Metrics) Load(queued, running int) {
	if m == nil {
		return
	}
	m.queued.Set(float64(queued))
	m.running.Set(float64(running))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	slog.InfoContext(ctx, "serving metrics", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
