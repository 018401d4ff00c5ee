// Package metrics exposes Prometheus collectors for the thread engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ojs"

var (
	serverInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Static information about the running server.",
	}, []string{"version", "backend"})

	// CranksTotal counts crank calls by outcome code ("ok" on success).
	CranksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "thread",
		Name:      "cranks_total",
		Help:      "Crank calls by outcome.",
	}, []string{"outcome"})

	CrankDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "thread",
		Name:      "crank_duration_seconds",
		Help:      "Time spent in a crank call, including instruction invocation.",
		Buckets:   prometheus.DefBuckets,
	})

	InstructionsExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "thread",
		Name:      "instructions_executed_total",
		Help:      "Instructions executed across all threads.",
	})

	FeesPaid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "thread",
		Name:      "fees_paid_total",
		Help:      "Fees moved from thread balances to workers.",
	})

	ActivationsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "thread",
		Name:      "activations_completed_total",
		Help:      "Activations that ran to the end of their instruction queue.",
	})

	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Scheduler ticks by result.",
	}, []string{"result"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method and status.",
	}, []string{"method", "status"})
)

// Init records the server_info gauge.
func Init(version, backend string) {
	serverInfo.WithLabelValues(version, backend).Set(1)
}

// ObserveCrank records one crank call. outcome is an error code or "ok".
func ObserveCrank(outcome string, started time.Time, executed uint32, fees uint64) {
	CranksTotal.WithLabelValues(outcome).Inc()
	CrankDuration.Observe(time.Since(started).Seconds())
	if executed > 0 {
		InstructionsExecuted.Add(float64(executed))
	}
	if fees > 0 {
		FeesPaid.Add(float64(fees))
	}
}
