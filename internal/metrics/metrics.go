// Package metrics exports Prometheus instrumentation for a TaskScheduler's
// dispatcher loop, following the registry/Config/MustRegister shape used
// throughout the example pack's AI-metrics exporter.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exports scheduler metrics in Prometheus format.
type Collector struct {
	registry *prometheus.Registry

	scheduledTasks prometheus.Gauge
	dispatches     *prometheus.CounterVec
	fibersCreated  prometheus.Counter
	inlineAwaits   prometheus.Counter
	fatalRuns      prometheus.Counter
}

// Config configures a Collector.
type Config struct {
	// Registry to use (if nil, creates a new one).
	Registry *prometheus.Registry
}

// NewCollector creates a new scheduler metrics Collector.
func NewCollector(cfg Config) *Collector {
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{registry: registry}

	c.scheduledTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fiberweave",
		Subsystem: "scheduler",
		Name:      "scheduled_tasks",
		Help:      "Number of tasks currently queued for dispatch.",
	})

	c.dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fiberweave",
		Subsystem: "scheduler",
		Name:      "dispatches_total",
		Help:      "Total number of fiber switches performed by the dispatcher, by operation.",
	}, []string{"operation"})

	c.fibersCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fiberweave",
		Subsystem: "scheduler",
		Name:      "fibers_created_total",
		Help:      "Total number of fibers created to start a task.",
	})

	c.inlineAwaits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fiberweave",
		Subsystem: "scheduler",
		Name:      "inline_awaits_total",
		Help:      "Total number of awaits dispatched through the inline fast path.",
	})

	c.fatalRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fiberweave",
		Subsystem: "scheduler",
		Name:      "fatal_runs_total",
		Help:      "Total number of runs aborted by a continuation-callback failure.",
	})

	registry.MustRegister(c.scheduledTasks, c.dispatches, c.fibersCreated, c.inlineAwaits, c.fatalRuns)
	return c
}

// SetScheduledTasks records the current FIFO queue depth.
func (c *Collector) SetScheduledTasks(n int) {
	if c == nil {
		return
	}
	c.scheduledTasks.Set(float64(n))
}

// RecordDispatch records one fiber switch, tagged by whether it started or
// resumed a fiber.
func (c *Collector) RecordDispatch(operation string) {
	if c == nil {
		return
	}
	c.dispatches.WithLabelValues(operation).Inc()
}

// RecordFiberCreated records a fresh fiber allocation.
func (c *Collector) RecordFiberCreated() {
	if c == nil {
		return
	}
	c.fibersCreated.Inc()
}

// RecordInline records one inline-fast-path await.
func (c *Collector) RecordInline() {
	if c == nil {
		return
	}
	c.inlineAwaits.Inc()
}

// RecordFatalRun records one run aborted by a continuation-callback
// failure.
func (c *Collector) RecordFatalRun() {
	if c == nil {
		return
	}
	c.fatalRuns.Inc()
}

// Handler returns the HTTP handler serving this Collector's registry in
// Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
