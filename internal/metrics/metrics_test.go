package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordExecutionUpdatesCountersAndInstances(t *testing.T) {
	before := testutil.ToFloat64(ExecutionsTotal.WithLabelValues("backtest", "success"))
	beforeInstances := testutil.ToFloat64(InstancesEmittedTotal.WithLabelValues("backtest"))

	RecordExecution("backtest", "success", 1.25, 7)

	after := testutil.ToFloat64(ExecutionsTotal.WithLabelValues("backtest", "success"))
	afterInstances := testutil.ToFloat64(InstancesEmittedTotal.WithLabelValues("backtest"))

	assert.Equal(t, before+1, after)
	assert.Equal(t, beforeInstances+7, afterInstances)
}
