package reindex

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the scheduler's Prometheus collectors.
type Metrics struct {
	TasksEnqueued  *prometheus.CounterVec
	TasksCoalesced *prometheus.CounterVec
	QueueSaturated prometheus.Counter
	TaskOutcomes   *prometheus.CounterVec
	Batches        *prometheus.CounterVec
	BatchRetries   *prometheus.CounterVec
	BatchDuration  *prometheus.HistogramVec
	QueueDepth     *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexkeeper",
			Name:      "reindex_tasks_enqueued_total",
			Help:      "Reindex tasks accepted by the scheduler.",
		}, []string{"role"}),
		TasksCoalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexkeeper",
			Name:      "reindex_tasks_coalesced_total",
			Help:      "Pending tasks replaced by a newer task for the same identifier.",
		}, []string{"role"}),
		QueueSaturated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "indexkeeper",
			Name:      "reindex_queue_saturated_total",
			Help:      "Enqueue calls rejected because the pending buffer was full.",
		}),
		TaskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexkeeper",
			Name:      "reindex_task_outcomes_total",
			Help:      "Terminal task outcomes.",
		}, []string{"role", "state"}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexkeeper",
			Name:      "reindex_batches_total",
			Help:      "Batches executed, by result.",
		}, []string{"role", "result"}),
		BatchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexkeeper",
			Name:      "reindex_batch_retries_total",
			Help:      "Batch re-executions after a transient failure.",
		}, []string{"role"}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "indexkeeper",
			Name:      "reindex_batch_duration_seconds",
			Help:      "Time spent executing a batch, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"role"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "indexkeeper",
			Name:      "reindex_queue_depth",
			Help:      "Tasks pending or in flight.",
		}, []string{"role"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.TasksEnqueued,
			m.TasksCoalesced,
			m.QueueSaturated,
			m.TaskOutcomes,
			m.Batches,
			m.BatchRetries,
			m.BatchDuration,
			m.QueueDepth,
		)
	}
	return m
}
