// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/agentlanes/agentlanes/engine"
	"github.com/agentlanes/agentlanes/pool"
	"github.com/agentlanes/agentlanes/workflow"
)

// Collector registers and records every engine and pool metric. It satisfies
// engine.MetricsSink and pool.MetricsSink.
type Collector struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec

	nodesTotal   *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec

	retriesTotal       *prometheus.CounterVec
	gateDecisionsTotal *prometheus.CounterVec

	workerStates *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector registers the metric families against reg. Pass a fresh
// prometheus.NewRegistry in tests to avoid global registration collisions.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of workflow executions by terminal status",
		},
		[]string{"status"},
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		},
		[]string{"status"},
	)

	c.nodesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of node executions by kind and terminal status",
		},
		[]string{"kind", "status"},
	)

	c.nodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   []float64{0.5, 2, 10, 30, 120, 600, 1800, 7200},
		},
		[]string{"kind"},
	)

	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Total number of node retry attempts",
		},
		[]string{"node"},
	)

	c.gateDecisionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Total number of human gate decisions by action",
		},
		[]string{"action"},
	)

	c.workerStates = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_workers",
			Help:      "Number of pool workers by state",
		},
		[]string{"state"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// ObserveExecution records one finished execution.
func (c *Collector) ObserveExecution(status engine.ExecutionStatus, d time.Duration) {
	c.executionsTotal.WithLabelValues(string(status)).Inc()
	c.executionDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

// ObserveNode records one finished node.
func (c *Collector) ObserveNode(kind workflow.NodeKind, status engine.NodeStatus, d time.Duration) {
	c.nodesTotal.WithLabelValues(string(kind), string(status)).Inc()
	c.nodeDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// ObserveRetry records one retry attempt.
func (c *Collector) ObserveRetry(nodeID string) {
	c.retriesTotal.WithLabelValues(nodeID).Inc()
}

// ObserveGateDecision records one gate decision.
func (c *Collector) ObserveGateDecision(action engine.GateAction) {
	c.gateDecisionsTotal.WithLabelValues(string(action)).Inc()
}

// ObserveWorkerStates records the pool state distribution.
func (c *Collector) ObserveWorkerStates(states map[pool.WorkerState]int) {
	for _, s := range []pool.WorkerState{pool.StateIdle, pool.StateRunning, pool.StateDormant, pool.StateTerminated} {
		c.workerStates.WithLabelValues(string(s)).Set(float64(states[s]))
	}
}
