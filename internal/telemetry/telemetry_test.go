package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := <-ch
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	if pb.Counter != nil {
		return pb.Counter.GetValue()
	}
	return 0
}

func TestDispatchStartRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel := New(reg)

	done := tel.DispatchStart("console")
	done(true, false)

	require.Equal(t, float64(1), counterValue(t, tel.dispatchTotal.WithLabelValues("console", "success")))
}

func TestLogGCAccumulatesEntries(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel := New(reg)

	tel.LogGC(3)
	tel.LogGC(2)

	require.Equal(t, float64(2), counterValue(t, tel.logGCTotal))
	require.Equal(t, float64(5), counterValue(t, tel.logGCEntries))
}

func TestBackpressureAndSkippedCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel := New(reg)

	tel.Backpressure("sub1")
	tel.DispatchSkipped("sub1")
	tel.DispatchError("sub1")

	require.Equal(t, float64(1), counterValue(t, tel.backpressureTotal.WithLabelValues("sub1")))
	require.Equal(t, float64(1), counterValue(t, tel.dispatchSkipped.WithLabelValues("sub1")))
	require.Equal(t, float64(1), counterValue(t, tel.dispatchErrors.WithLabelValues("sub1")))
}

func TestRouteResolvedRecordsMatchedAndUnmatched(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel := New(reg)

	tel.RouteResolved(time.Millisecond, 2)
	tel.RouteResolved(time.Millisecond, 0)

	require.Equal(t, float64(1), counterValue(t, tel.routerMatched.WithLabelValues("true")))
	require.Equal(t, float64(1), counterValue(t, tel.routerMatched.WithLabelValues("false")))
}

func TestQueueOverflowCountsByShard(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel := New(reg)

	tel.QueueOverflow("0")
	tel.QueueOverflow("0")

	require.Equal(t, float64(2), counterValue(t, tel.queueOverflowTotal.WithLabelValues("0")))
}

func TestDLQRedriveAccumulatesOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel := New(reg)

	tel.DLQRedrive(2, 1)
	tel.DLQRedrive(1, 0)

	require.Equal(t, float64(3), counterValue(t, tel.dlqRedriveTotal.WithLabelValues("succeeded")))
	require.Equal(t, float64(1), counterValue(t, tel.dlqRedriveTotal.WithLabelValues("failed")))
}
