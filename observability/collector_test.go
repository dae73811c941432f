package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestCollectorRecordsLifecycle(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollector("swarmgrid", registry, zap.NewNop())

	collector.RecordDispatch("agent:worker", "high")
	collector.RecordDispatch("agent:worker", "high")
	collector.RecordReceipt(true)
	collector.RecordReceipt(false)
	collector.RecordResult("success")
	collector.RecordApproval(true)
	collector.RecordApproval(false)
	collector.RecordTransition("dispatched", "acknowledged")
	collector.RecordRetry()
	collector.RecordTimeout()
	collector.RecordSendFailure()
	collector.SetOpenTasks(3)
	collector.RecordMaintenance(50*time.Millisecond, time.Unix(1_700_000_000, 0))

	assert.Equal(t, float64(2), testutil.ToFloat64(
		collector.dispatchesTotal.WithLabelValues("agent:worker", "high")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		collector.receiptsTotal.WithLabelValues("true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		collector.receiptsTotal.WithLabelValues("false")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		collector.resultsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		collector.approvalsTotal.WithLabelValues("approved")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		collector.statusTransitions.WithLabelValues("dispatched", "acknowledged")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.retriesTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.timeoutsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.sendFailuresTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(collector.openTasks))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var collector *Collector
	collector.RecordDispatch("agent:worker", "low")
	collector.RecordReceipt(true)
	collector.RecordResult("failure")
	collector.RecordApproval(true)
	collector.RecordTransition("dispatched", "completed")
	collector.RecordRetry()
	collector.RecordTimeout()
	collector.RecordSendFailure()
	collector.SetOpenTasks(0)
	collector.RecordMaintenance(time.Millisecond, time.Now())
}
