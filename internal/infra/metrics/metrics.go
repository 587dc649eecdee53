// Package metrics defines the Prometheus instruments exported by the
// taskforge daemon. All collectors register on the default registry so
// the /metrics endpoint picks them up without extra wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmitted counts accepted task submissions by type.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskforge",
		Name:      "tasks_submitted_total",
		Help:      "Tasks accepted for scheduling, by task type.",
	}, []string{"type"})

	// TasksFinished counts tasks reaching a terminal status.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskforge",
		Name:      "tasks_finished_total",
		Help:      "Tasks that reached a terminal status, by status.",
	}, []string{"status"})

	// AttemptsTotal counts execution attempts by outcome
	// (ok, timeout, resource_exceeded, runtime_crash, verification_failed).
	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskforge",
		Name:      "attempts_total",
		Help:      "Execution attempts, by outcome.",
	}, []string{"outcome"})

	// BacklogDepth is the number of tasks waiting in the scheduler backlog.
	BacklogDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskforge",
		Name:      "backlog_depth",
		Help:      "Tasks currently waiting for assignment.",
	})

	// RunningTasks is the number of attempts currently executing.
	RunningTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskforge",
		Name:      "running_tasks",
		Help:      "Attempts currently executing in a sandbox.",
	})

	// AssignLatency measures submission-to-assignment latency.
	AssignLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskforge",
		Name:      "assign_latency_seconds",
		Help:      "Time from task submission to node assignment.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// ExecDuration measures sandbox execution wall time by isolation mode.
	ExecDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskforge",
		Name:      "exec_duration_seconds",
		Help:      "Sandbox execution wall time, by isolation mode.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"isolation"})

	// VerifyOutcomes counts verification verdicts.
	VerifyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskforge",
		Name:      "verify_outcomes_total",
		Help:      "Result verification verdicts.",
	}, []string{"outcome"})

	// PaymentsSettled counts escrow settlements by kind (release, refund).
	PaymentsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskforge",
		Name:      "payments_settled_total",
		Help:      "Escrow settlements performed, by kind.",
	}, []string{"kind"})

	// PaymentRetries counts settlement attempts that failed and were
	// left unsettled for the retry sweep.
	PaymentRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskforge",
		Name:      "payment_retries_total",
		Help:      "Escrow settlement attempts that failed and will be retried.",
	})
)
