package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cloudworkers"

// Metrics holds the fleet lifecycle counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	nodesCreated      *prometheus.CounterVec
	nodesDestroyed    *prometheus.CounterVec
	nodeFailures      *prometheus.CounterVec
	teardownRetries   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	fleetSize         *prometheus.GaugeVec
	capturedResults   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		nodesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_created_total",
			Help:      "Nodes created by provider",
		}, []string{"provider"}),
		nodesDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_destroyed_total",
			Help:      "Nodes destroyed by provider",
		}, []string{"provider"}),
		nodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_failures_total",
			Help:      "Per-node operation failures",
		}, []string{"provider", "operation"}),
		teardownRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_retries_total",
			Help:      "Shared resource deletion retries",
		}, []string{"provider", "resource"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of fleet operations",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"provider", "operation"}),
		fleetSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fleet_nodes",
			Help:      "Nodes currently recorded per provider",
		}, []string{"provider"}),
		capturedResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captured_results_total",
			Help:      "Result values merged from configuration runs",
		}, []string{"label"}),
	}
	registry.MustRegister(m.nodesCreated, m.nodesDestroyed, m.nodeFailures, m.teardownRetries,
		m.operationDuration, m.fleetSize, m.capturedResults)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) NodeCreated(provider string)   { m.nodesCreated.WithLabelValues(provider).Inc() }
func (m *Metrics) NodeDestroyed(provider string) { m.nodesDestroyed.WithLabelValues(provider).Inc() }

func (m *Metrics) NodeFailed(provider, operation string) {
	m.nodeFailures.WithLabelValues(provider, operation).Inc()
}

func (m *Metrics) TeardownRetry(provider, resource string) {
	m.teardownRetries.WithLabelValues(provider, resource).Inc()
}

func (m *Metrics) Captured(label string) { m.capturedResults.WithLabelValues(label).Inc() }

func (m *Metrics) SetFleetSize(provider string, n int) {
	m.fleetSize.WithLabelValues(provider).Set(float64(n))
}

// ObserveSince records the time elapsed since start for an operation.
func (m *Metrics) ObserveSince(provider, operation string, start time.Time) {
	m.operationDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
}

// WriteFile exports the registry in text format for node_exporter's
// textfile collector.
func (m *Metrics) WriteFile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
