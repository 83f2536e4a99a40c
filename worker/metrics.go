package worker

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the worker's Prometheus collectors. They are created
// unregistered so multiple Service instances can coexist in one process;
// call Register to expose them.
type Metrics struct {
	TasksCompleted    prometheus.Counter
	TasksRetried      prometheus.Counter
	TasksDeadLettered prometheus.Counter
	TasksFailed       prometheus.Counter
	TasksCancelled    prometheus.Counter
	TasksDeferred     prometheus.Counter
	TasksReaped       prometheus.Counter
	LeaseRenewals     prometheus.Counter
	SchedulesFired    prometheus.Counter
	LastActivity      prometheus.Gauge
	ExecutionSeconds  *prometheus.HistogramVec
}

func newMetrics() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orchard",
			Subsystem: "worker",
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		TasksCompleted:    counter("tasks_completed_total", "Tasks finalized as completed."),
		TasksRetried:      counter("tasks_retried_total", "Tasks routed back to retrying."),
		TasksDeadLettered: counter("tasks_dead_lettered_total", "Tasks that exhausted their retry budget."),
		TasksFailed:       counter("tasks_failed_total", "Tasks finalized as terminally failed."),
		TasksCancelled:    counter("tasks_cancelled_total", "Tasks finalized as cancelled."),
		TasksDeferred:     counter("tasks_deferred_total", "Deferral outcomes returned by executors."),
		TasksReaped:       counter("tasks_reaped_total", "Running tasks reaped for stale leases or timeouts."),
		LeaseRenewals:     counter("lease_renewals_total", "Successful lease renewal ticks."),
		SchedulesFired:    counter("schedules_fired_total", "Schedules materialized into tickets."),
		LastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchard",
			Subsystem: "worker",
			Name:      "last_activity_timestamp_seconds",
			Help:      "Unix time of the last completed engine step.",
		}),
		ExecutionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchard",
			Subsystem: "worker",
			Name:      "execution_seconds",
			Help:      "Executor wall time per attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"task_key"}),
	}
}

// Register adds all collectors to the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.TasksCompleted, m.TasksRetried, m.TasksDeadLettered, m.TasksFailed,
		m.TasksCancelled, m.TasksDeferred, m.TasksReaped, m.LeaseRenewals,
		m.SchedulesFired, m.LastActivity, m.ExecutionSeconds,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
