// Package metrics exposes Prometheus instrumentation for flow runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "flowengine"

// Run and node outcome labels.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusAborted = "aborted"
)

// Collector records run and node metrics on its own registry so several
// engines can live in one process (and one test binary).
type Collector struct {
	registry *prometheus.Registry

	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge
	nodeRunsTotal *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec
	schedulerFire *prometheus.CounterVec
}

// NewCollector creates a collector registered on a fresh registry. An empty
// namespace falls back to DefaultNamespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of flow runs by outcome",
		},
		[]string{"flow_id", "status"},
	)
	c.runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Flow run duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"flow_id"},
	)
	c.activeRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_runs",
		Help:      "Number of flow runs currently executing",
	})
	c.nodeRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_runs_total",
			Help:      "Total number of node executions by kind and outcome",
		},
		[]string{"kind", "status"},
	)
	c.nodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	c.schedulerFire = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_triggers_total",
			Help:      "Total number of scheduled trigger firings by outcome",
		},
		[]string{"status"},
	)

	c.registry.MustRegister(
		c.runsTotal, c.runDuration, c.activeRuns,
		c.nodeRunsTotal, c.nodeDuration, c.schedulerFire,
		collectors.NewGoCollector(),
	)
	return c
}

// RunStarted increments the active-run gauge.
func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.activeRuns.Inc()
}

// RunFinished records a completed run and decrements the active gauge.
func (c *Collector) RunFinished(flowID string, success bool, d time.Duration) {
	if c == nil {
		return
	}
	c.activeRuns.Dec()
	status := StatusSuccess
	if !success {
		status = StatusFailed
	}
	c.runsTotal.WithLabelValues(flowID, status).Inc()
	c.runDuration.WithLabelValues(flowID).Observe(d.Seconds())
}

// NodeFinished records one node execution.
func (c *Collector) NodeFinished(kind, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.nodeRunsTotal.WithLabelValues(kind, status).Inc()
	c.nodeDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// TriggerFired records a scheduler firing.
func (c *Collector) TriggerFired(success bool) {
	if c == nil {
		return
	}
	status := StatusSuccess
	if !success {
		status = StatusFailed
	}
	c.schedulerFire.WithLabelValues(status).Inc()
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collected metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
