// Package metrics holds the Prometheus collectors of the sync daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultRegistry holds all tasksync collectors.
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		TickDuration, TickTotal,
		PollResults, FetchTotal, FetchDuration,
		TasksIngested, Rotations, JournalApplications,
		TrackedTasks, JournalSize, ArchiveSegments,
	)
}

// TickDuration is the duration of a scheduler tick in seconds.
var TickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tasksync_tick_duration_seconds",
		Help:    "Duration of a scheduler tick in seconds.",
		Buckets: prometheus.DefBuckets,
	},
)

// TickTotal counts ticks by outcome.
var TickTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tasksync_tick_total",
		Help: "Scheduler ticks by outcome.",
	},
	[]string{"result"}, // ok | error
)

// PollResults counts polls of tracked tasks by outcome.
var PollResults = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tasksync_poll_results_total",
		Help: "Polls of tracked tasks by outcome.",
	},
	[]string{"result"}, // running | finished | request_error | remote_gone
)

// FetchTotal counts node task list fetches.
var FetchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tasksync_fetch_total",
		Help: "Task list fetches per remote by outcome.",
	},
	[]string{"remote", "result"}, // ok | error
)

// FetchDuration is the API response time of node task list fetches.
var FetchDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "tasksync_fetch_duration_seconds",
		Help:    "API response time of task list fetches in seconds.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"remote"},
)

// TasksIngested counts tasks passed to the cache.
var TasksIngested = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tasksync_tasks_ingested_total",
		Help: "Tasks written to the cache.",
	},
)

// Rotations counts archive rotations.
var Rotations = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tasksync_rotations_total",
		Help: "Archive rotations.",
	},
)

// JournalApplications counts journal merges into the archive.
var JournalApplications = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tasksync_journal_applications_total",
		Help: "Journal merges into the archive.",
	},
)

// TrackedTasks is the number of tracked tasks after the last tick.
var TrackedTasks = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "tasksync_tracked_tasks",
		Help: "Number of tracked tasks.",
	},
)

// JournalSize is the journal size in bytes after the last tick.
var JournalSize = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "tasksync_journal_size_bytes",
		Help: "Size of the cache journal in bytes.",
	},
)

// ArchiveSegments is the number of archive segments after the last tick.
var ArchiveSegments = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "tasksync_archive_segments",
		Help: "Number of archive segments.",
	},
)

// Handler serves DefaultRegistry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{})
}
