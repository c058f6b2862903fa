// Package metrics exposes Prometheus instrumentation for the MCP server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcp_experience"

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds the server's collectors. It satisfies the dispatcher and
// background queue observer interfaces.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tools           *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	tasks           *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC messages handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_request_duration_seconds",
			Help:      "Time spent dispatching a JSON-RPC message.",
			Buckets:   durationBuckets,
		}, []string{"method"}),
		tools: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Time spent in a tool invocation.",
			Buckets:   durationBuckets,
		}, []string{"tool"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_tasks_total",
			Help:      "Background tasks finished or dropped, by task and status.",
		}, []string{"task", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "background_task_duration_seconds",
			Help:      "Time spent running a background task.",
			Buckets:   durationBuckets,
		}, []string{"task"}),
	}

	reg.MustRegister(m.requests, m.requestDuration, m.tools, m.toolDuration, m.tasks, m.taskDuration)
	return m
}

// ObserveRequest records one dispatched JSON-RPC message.
func (m *Metrics) ObserveRequest(method, outcome string, d time.Duration) {
	m.requests.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveTool records one tool invocation.
func (m *Metrics) ObserveTool(tool, outcome string, d time.Duration) {
	m.tools.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveTask records one background task outcome. Dropped tasks never ran
// and carry no duration.
func (m *Metrics) ObserveTask(name, status string, d time.Duration) {
	m.tasks.WithLabelValues(name, status).Inc()
	if d > 0 {
		m.taskDuration.WithLabelValues(name).Observe(d.Seconds())
	}
}

// Gauges reports point-in-time sizes sampled at scrape time.
type Gauges struct {
	Sessions    func() int
	Streams     func() int
	QueueLength func() int
}

// RegisterGauges adds gauges backed by the given functions. Nil functions
// are skipped.
func (m *Metrics) RegisterGauges(g Gauges) {
	m.gauge("active_sessions", "MCP sessions currently held.", g.Sessions)
	m.gauge("open_streams", "Open GET event streams.", g.Streams)
	m.gauge("background_queue_length", "Background tasks waiting for a worker.", g.QueueLength)
}

func (m *Metrics) gauge(name, help string, fn func() int) {
	if fn == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(fn()) }))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
