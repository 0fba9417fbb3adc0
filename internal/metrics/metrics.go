// Package metrics holds the Prometheus collectors shared by the controller,
// workers and the webhook server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomote_jobs_enqueued_total",
		Help: "Total number of jobs created and enqueued",
	}, []string{"type"})
	JobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomote_jobs_finished_total",
		Help: "Total number of jobs that reached a terminal status",
	}, []string{"type", "status"})
	WorkersSpawnedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomote_workers_spawned_total",
		Help: "Total number of worker processes spawned",
	})
	WorkerSpawnFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomote_worker_spawn_failures_total",
		Help: "Total number of failed worker spawns",
	})
	WorkersTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomote_workers_tracked",
		Help: "Number of worker processes currently tracked by the controller",
	})
	QueueWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomote_queue_waiting",
		Help: "Number of jobs waiting in the queue at the last poll",
	})
	QueueActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomote_queue_active",
		Help: "Number of claimed jobs at the last poll",
	})
	TaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomote_task_duration_seconds",
		Help:    "Wall-clock duration of runner tasks",
		Buckets: []float64{30, 60, 120, 300, 600, 900, 1200, 1800, 2700},
	}, []string{"type", "outcome"})
)

func init() {
	prometheus.MustRegister(
		JobsEnqueuedTotal,
		JobsFinishedTotal,
		WorkersSpawnedTotal,
		WorkerSpawnFailuresTotal,
		WorkersTracked,
		QueueWaiting,
		QueueActive,
		TaskDuration,
	)
}
