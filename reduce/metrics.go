package reduce

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the prometheus collectors the executor, update-run and
// event-integration code report into. A nil *Metrics is always safe to call
// methods on: every method guards against it, so instrumentation stays
// opt-in.
type Metrics struct {
	activeRuns      prometheus.Gauge
	retryAttempts   prometheus.Counter
	nodeLeftRetries prometheus.Counter
	cancellations   prometheus.Counter
	dmlFallbacks    prometheus.Counter
	latchWait       prometheus.Histogram
}

// NewMetrics constructs and registers the reducer's collectors against reg.
// Passing a *prometheus.Registry created fresh per test avoids collisions
// across repeated NewMetrics calls in the same process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ignite_reduce",
			Name:      "active_runs",
			Help:      "Number of reduce query runs currently in flight.",
		}),
		retryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ignite_reduce",
			Name:      "retry_attempts_total",
			Help:      "Number of retry-loop iterations across all runs.",
		}),
		nodeLeftRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ignite_reduce",
			Name:      "node_left_retries_total",
			Help:      "Number of runs forced into retry by a departed source node.",
		}),
		cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ignite_reduce",
			Name:      "cancellations_total",
			Help:      "Number of cancel requests broadcast to map nodes, on caller cancellation or on release of a run with unread data or distributed joins.",
		}),
		dmlFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ignite_reduce",
			Name:      "dml_fallbacks_total",
			Help:      "Number of distributed DML requests that fell back to client-side execution.",
		}),
		latchWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ignite_reduce",
			Name:      "latch_wait_seconds",
			Help:      "Time spent waiting for the first-page completion latch.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.activeRuns, m.retryAttempts, m.nodeLeftRetries, m.cancellations, m.dmlFallbacks, m.latchWait)
	}
	return m
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) runFinished() {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
}

func (m *Metrics) retryAttempted() {
	if m == nil {
		return
	}
	m.retryAttempts.Inc()
}

func (m *Metrics) nodeLeftRetry() {
	if m == nil {
		return
	}
	m.nodeLeftRetries.Inc()
}

func (m *Metrics) cancelled() {
	if m == nil {
		return
	}
	m.cancellations.Inc()
}

func (m *Metrics) dmlFallback() {
	if m == nil {
		return
	}
	m.dmlFallbacks.Inc()
}

func (m *Metrics) observeLatchWait(seconds float64) {
	if m == nil {
		return
	}
	m.latchWait.Observe(seconds)
}
