package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the Prometheus metrics for health-check runs and outbound
// API calls. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	probes       *prometheus.CounterVec
	probeLatency *prometheus.HistogramVec

	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	lastRun     *prometheus.GaugeVec

	clientCalls   *prometheus.CounterVec
	clientLatency *prometheus.HistogramVec
}

// NewCollector creates and registers all metrics under namespace.
// If registry is nil a private registry with Go runtime and process
// collectors is created.
func NewCollector(namespace string, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if namespace == "" {
		namespace = "tunedesk"
	}

	c := &Collector{
		registry: registry,
		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "healthcheck",
				Name:      "probes_total",
				Help:      "Completed service probes by terminal state",
			},
			[]string{"state"},
		),
		probeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "healthcheck",
				Name:      "probe_duration_seconds",
				Help:      "Service probe latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
			},
			[]string{"state"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "healthcheck",
				Name:      "runs_total",
				Help:      "Health-check runs by outcome",
			},
			[]string{"outcome"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "healthcheck",
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of a full health-check run",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),
		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "healthcheck",
				Name:      "last_run_services",
				Help:      "Service count per aggregate bucket in the last completed run",
			},
			[]string{"bucket"},
		),
		clientCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "requests_total",
				Help:      "Outbound API requests by target, method and status code (0 = transport failure)",
			},
			[]string{"target", "method", "code"},
		),
		clientLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "request_duration_seconds",
				Help:      "Outbound API request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"target", "method"},
		),
	}

	registry.MustRegister(
		c.probes,
		c.probeLatency,
		c.runs,
		c.runDuration,
		c.lastRun,
		c.clientCalls,
		c.clientLatency,
	)
	return c
}

// ObserveProbe records one terminal probe outcome.
func (c *Collector) ObserveProbe(state string, d time.Duration) {
	if c == nil {
		return
	}
	c.probes.WithLabelValues(state).Inc()
	c.probeLatency.WithLabelValues(state).Observe(d.Seconds())
}

// ObserveRun records a finished run. outcome is "completed", "cancelled" or "empty".
func (c *Collector) ObserveRun(outcome string, up, down int, d time.Duration) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(outcome).Inc()
	if outcome != "completed" {
		return
	}
	c.runDuration.Observe(d.Seconds())
	c.lastRun.WithLabelValues("up").Set(float64(up))
	c.lastRun.WithLabelValues("down").Set(float64(down))
}

// ObserveClientCall records an outbound API call.
func (c *Collector) ObserveClientCall(target, method string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.clientCalls.WithLabelValues(target, method, strconv.Itoa(status)).Inc()
	c.clientLatency.WithLabelValues(target, method).Observe(d.Seconds())
}

// Registry exposes the underlying registry, e.g. for testutil.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
