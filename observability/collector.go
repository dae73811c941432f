// Package observability provides the prometheus collector for task
// lifecycle metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records task lifecycle metrics.
type Collector struct {
	dispatchesTotal      *prometheus.CounterVec
	receiptsTotal        *prometheus.CounterVec
	resultsTotal         *prometheus.CounterVec
	approvalsTotal       *prometheus.CounterVec
	statusTransitions    *prometheus.CounterVec
	retriesTotal         prometheus.Counter
	timeoutsTotal        prometheus.Counter
	sendFailuresTotal    prometheus.Counter
	openTasks            prometheus.Gauge
	maintenanceDuration  prometheus.Histogram
	maintenanceLastCheck prometheus.Gauge

	logger *zap.Logger
}

// NewCollector registers the lifecycle metrics under the given namespace.
// A nil registerer uses the default prometheus registry.
func NewCollector(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(registerer)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.dispatchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Total number of task dispatches handed to the transport",
		},
		[]string{"target", "priority"},
	)

	c.receiptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_receipts_total",
			Help:      "Total number of ingested task receipts",
		},
		[]string{"accepted"},
	)

	c.resultsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_results_total",
			Help:      "Total number of ingested task results",
		},
		[]string{"status"},
	)

	c.approvalsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_approvals_total",
			Help:      "Total number of approval decisions",
		},
		[]string{"decision"},
	)

	c.statusTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_status_transitions_total",
			Help:      "Total number of task status transitions",
		},
		[]string{"from_status", "to_status"},
	)

	c.retriesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Total number of physical resends driven by maintenance",
		},
	)

	c.timeoutsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_timeouts_total",
			Help:      "Total number of tasks closed as timed out",
		},
	)

	c.sendFailuresTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_send_failures_total",
			Help:      "Total number of transport send failures",
		},
	)

	c.openTasks = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_open",
			Help:      "Number of tasks in a non-terminal status",
		},
	)

	c.maintenanceDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "maintenance_duration_seconds",
			Help:      "Duration of maintenance passes",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.maintenanceLastCheck = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "maintenance_last_run_timestamp_seconds",
			Help:      "Unix time of the last maintenance pass",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordDispatch counts one successful hand-off to the transport.
func (c *Collector) RecordDispatch(target, priority string) {
	if c == nil {
		return
	}
	c.dispatchesTotal.WithLabelValues(target, priority).Inc()
}

// RecordReceipt counts one ingested receipt.
func (c *Collector) RecordReceipt(accepted bool) {
	if c == nil {
		return
	}
	label := "false"
	if accepted {
		label = "true"
	}
	c.receiptsTotal.WithLabelValues(label).Inc()
}

// RecordResult counts one ingested result by its reported status.
func (c *Collector) RecordResult(status string) {
	if c == nil {
		return
	}
	c.resultsTotal.WithLabelValues(status).Inc()
}

// RecordApproval counts one review decision.
func (c *Collector) RecordApproval(approved bool) {
	if c == nil {
		return
	}
	decision := "denied"
	if approved {
		decision = "approved"
	}
	c.approvalsTotal.WithLabelValues(decision).Inc()
}

// RecordTransition counts one status transition.
func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.statusTransitions.WithLabelValues(from, to).Inc()
}

// RecordRetry counts one maintenance-driven resend.
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.retriesTotal.Inc()
}

// RecordTimeout counts one task closed as timed out.
func (c *Collector) RecordTimeout() {
	if c == nil {
		return
	}
	c.timeoutsTotal.Inc()
}

// RecordSendFailure counts one transport failure.
func (c *Collector) RecordSendFailure() {
	if c == nil {
		return
	}
	c.sendFailuresTotal.Inc()
}

// SetOpenTasks tracks the current number of non-terminal tasks.
func (c *Collector) SetOpenTasks(count int) {
	if c == nil {
		return
	}
	c.openTasks.Set(float64(count))
}

// RecordMaintenance records one maintenance pass.
func (c *Collector) RecordMaintenance(duration time.Duration, at time.Time) {
	if c == nil {
		return
	}
	c.maintenanceDuration.Observe(duration.Seconds())
	c.maintenanceLastCheck.Set(float64(at.Unix()))
}
