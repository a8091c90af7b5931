package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Execution metrics
	ExecutionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_executions_started_total",
			Help: "Total number of workflow executions started",
		},
	)

	ExecutionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_executions_completed_total",
			Help: "Total number of workflow executions reaching a terminal state",
		},
		[]string{"status"},
	)

	ExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_execution_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	ExecutionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_executions_active",
			Help: "Number of executions currently running",
		},
	)

	ExecutionsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_executions_queued",
			Help: "Number of executions waiting for an engine slot",
		},
	)

	// Task metrics
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_tasks_completed_total",
			Help: "Total number of task runs reaching a terminal state",
		},
		[]string{"agent_type", "action", "status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_task_duration_seconds",
			Help:    "Task run duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"agent_type", "action"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_task_retries_total",
			Help: "Total number of task retry attempts",
		},
		[]string{"agent_type", "action"},
	)

	// Page pool metrics
	PagePoolLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_page_pool_live",
			Help: "Number of live browser pages owned by the pool",
		},
	)

	PagePoolAcquireWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_page_pool_acquire_wait_seconds",
			Help:    "Time spent waiting to acquire a page from the pool",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15},
		},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_events_published_total",
			Help: "Total number of events published to the bus",
		},
		[]string{"kind"},
	)

	SubscriberDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_subscriber_drops_total",
			Help: "Total number of events dropped from slow subscriber queues",
		},
	)

	SubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_subscribers_active",
			Help: "Number of active event subscribers",
		},
	)

	// Store metrics
	StoreCASConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_store_cas_conflicts_total",
			Help: "Total number of rejected compare-and-swap status transitions",
		},
		[]string{"entity"},
	)

	StoreUnavailable = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_store_unavailable_total",
			Help: "Total number of store operations rejected by the circuit breaker",
		},
	)
)
