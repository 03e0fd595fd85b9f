// Package telemetry emits the bus's Prometheus metrics: dispatch
// start/stop/exception latency and outcome, the bus lifecycle events
// (before/after dispatch, skipped, error, backpressure, log GC), partition
// queue overflow, router route resolution, and DLQ redrive outcomes.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry owns every metric collector the bus and its actors report
// through. Construct once per process and share across Bus instances that
// register with the same prometheus.Registerer.
type Telemetry struct {
	dispatchLatency *prometheus.HistogramVec
	dispatchTotal   *prometheus.CounterVec

	beforeDispatchTotal prometheus.Counter
	afterDispatchTotal  prometheus.Counter
	dispatchSkipped     *prometheus.CounterVec
	dispatchErrors      *prometheus.CounterVec
	backpressureTotal   *prometheus.CounterVec
	logGCTotal          prometheus.Counter
	logGCEntries        prometheus.Counter
	queueOverflowTotal  *prometheus.CounterVec

	routerLatency   prometheus.Histogram
	routerMatched   *prometheus.CounterVec
	dlqRedriveTotal *prometheus.CounterVec
}

// New registers every collector against reg and returns the bound
// Telemetry. Passing prometheus.NewRegistry() keeps metrics isolated per
// test; passing prometheus.DefaultRegisterer wires into the process default.
func New(reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "signalbus",
			Subsystem: "dispatch",
			Name:      "latency_seconds",
			Help:      "Dispatch adapter delivery latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tag"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signalbus",
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Dispatch attempts by tag and outcome (success, error, exception).",
		}, []string{"tag", "outcome"}),
		beforeDispatchTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signalbus", Subsystem: "bus", Name: "before_dispatch_total",
			Help: "before_dispatch middleware hook invocations.",
		}),
		afterDispatchTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signalbus", Subsystem: "bus", Name: "after_dispatch_total",
			Help: "after_dispatch middleware hook invocations.",
		}),
		dispatchSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signalbus", Subsystem: "bus", Name: "dispatch_skipped_total",
			Help: "(signal, subscription) pairs dropped by a :skip before_dispatch hook.",
		}, []string{"subscription_id"}),
		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signalbus", Subsystem: "bus", Name: "dispatch_error_total",
			Help: "Dispatch failures by subscription.",
		}, []string{"subscription_id"}),
		backpressureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signalbus", Subsystem: "bus", Name: "backpressure_total",
			Help: "Publishes aborted by subscription saturation (queue_full).",
		}, []string{"subscription_id"}),
		logGCTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signalbus", Subsystem: "bus", Name: "log_gc_total",
			Help: "Log GC sweeps performed.",
		}),
		logGCEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signalbus", Subsystem: "bus", Name: "log_gc_entries_total",
			Help: "Entries pruned across all log GC sweeps.",
		}),
		queueOverflowTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signalbus", Subsystem: "queue", Name: "overflow_total",
			Help: "Partition shard dispatch jobs dropped on overflow.",
		}, []string{"shard"}),
		routerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "signalbus", Subsystem: "router", Name: "route_latency_seconds",
			Help:    "Time spent resolving a signal's route.",
			Buckets: prometheus.DefBuckets,
		}),
		routerMatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signalbus", Subsystem: "router", Name: "routed_total",
			Help: "Route resolutions by whether any target matched.",
		}, []string{"matched"}),
		dlqRedriveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signalbus", Subsystem: "dlq", Name: "redrive_total",
			Help: "Dead-letter redrive attempts by outcome.",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{
		t.dispatchLatency, t.dispatchTotal, t.beforeDispatchTotal, t.afterDispatchTotal,
		t.dispatchSkipped, t.dispatchErrors, t.backpressureTotal, t.logGCTotal,
		t.logGCEntries, t.queueOverflowTotal, t.routerLatency, t.routerMatched, t.dlqRedriveTotal,
	} {
		if reg != nil {
			reg.MustRegister(c)
		}
	}
	return t
}

// DispatchStart returns a function to call when a dispatch attempt
// completes, recording latency and outcome under tag. success controls the
// "success"/"error" outcome label; pass exception=true to instead record
// "exception" regardless of success.
func (t *Telemetry) DispatchStart(tag string) func(success, exception bool) {
	start := time.Now()
	return func(success, exception bool) {
		t.dispatchLatency.WithLabelValues(tag).Observe(time.Since(start).Seconds())
		outcome := "success"
		switch {
		case exception:
			outcome = "exception"
		case !success:
			outcome = "error"
		}
		t.dispatchTotal.WithLabelValues(tag, outcome).Inc()
	}
}

// BeforeDispatch records a before_dispatch hook invocation.
func (t *Telemetry) BeforeDispatch() { t.beforeDispatchTotal.Inc() }

// AfterDispatch records an after_dispatch hook invocation.
func (t *Telemetry) AfterDispatch() { t.afterDispatchTotal.Inc() }

// DispatchSkipped records a (signal, subscription) pair dropped by :skip.
func (t *Telemetry) DispatchSkipped(subscriptionID string) {
	t.dispatchSkipped.WithLabelValues(subscriptionID).Inc()
}

// DispatchError records a dispatch failure for a subscription.
func (t *Telemetry) DispatchError(subscriptionID string) {
	t.dispatchErrors.WithLabelValues(subscriptionID).Inc()
}

// Backpressure records a publish aborted by subscription saturation.
func (t *Telemetry) Backpressure(subscriptionID string) {
	t.backpressureTotal.WithLabelValues(subscriptionID).Inc()
}

// LogGC records one GC sweep pruning n entries.
func (t *Telemetry) LogGC(n int) {
	t.logGCTotal.Inc()
	t.logGCEntries.Add(float64(n))
}

// QueueOverflow records a partition shard dropping a job on overflow.
func (t *Telemetry) QueueOverflow(shard string) {
	t.queueOverflowTotal.WithLabelValues(shard).Inc()
}

// RouteResolved records one router.Route call: its latency and whether it
// produced at least one matched target.
func (t *Telemetry) RouteResolved(latency time.Duration, matchCount int) {
	t.routerLatency.Observe(latency.Seconds())
	matched := "true"
	if matchCount == 0 {
		matched = "false"
	}
	t.routerMatched.WithLabelValues(matched).Inc()
}

// DLQRedrive records one redrive attempt's outcome (succeeded or failed).
func (t *Telemetry) DLQRedrive(succeeded, failed int) {
	t.dlqRedriveTotal.WithLabelValues("succeeded").Add(float64(succeeded))
	t.dlqRedriveTotal.WithLabelValues("failed").Add(float64(failed))
}
