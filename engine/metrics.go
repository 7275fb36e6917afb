package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes engine counters to Prometheus. All collectors are
// registered on the given registerer; pass prometheus.DefaultRegisterer
// for the process-wide registry.
type Metrics struct {
	runsTotal       *prometheus.CounterVec
	nodesTotal      *prometheus.CounterVec
	nodeDuration    *prometheus.HistogramVec
	nodeRetries     prometheus.Counter
	activeRuns      prometheus.Gauge
	suspendedNodes  prometheus.Gauge
}

// NewMetrics creates and registers the engine collectors.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Workflow runs by terminal state",
		}, []string{"state"}),
		nodesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_total",
			Help:      "Node executions by type and terminal state",
		}, []string{"type", "state"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		nodeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Retry attempts across all delegated nodes",
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs currently executing or suspended",
		}),
		suspendedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "suspended_nodes",
			Help:      "Nodes currently waiting on approval or a timer",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runsTotal, m.nodesTotal, m.nodeDuration,
			m.nodeRetries, m.activeRuns, m.suspendedNodes)
	}
	return m
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) runFinished(state RunState) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) nodeFinished(nodeType string, state NodeState, d time.Duration) {
	if m == nil {
		return
	}
	m.nodesTotal.WithLabelValues(nodeType, string(state)).Inc()
	if d > 0 {
		m.nodeDuration.WithLabelValues(nodeType).Observe(d.Seconds())
	}
}

func (m *Metrics) nodeRetried() {
	if m == nil {
		return
	}
	m.nodeRetries.Inc()
}

func (m *Metrics) suspended(delta float64) {
	if m == nil {
		return
	}
	m.suspendedNodes.Add(delta)
}
