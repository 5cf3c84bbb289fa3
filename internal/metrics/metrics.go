// Package metrics exposes the runtime core's Prometheus instrumentation,
// modeled on the teacher's control_plane/observability/metrics.go: one
// var block of promauto-registered collectors, named after the
// component and the thing being measured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PromiseSatisfiedTotal counts promise transitions by outcome.
	PromiseSatisfiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poseidon_promise_satisfied_total",
		Help: "Total number of promise transitions by outcome",
	}, []string{"outcome"}) // success, exception

	// PromiseDestroyedUnsatisfied counts Abandon calls on still-pending promises.
	PromiseDestroyedUnsatisfied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poseidon_promise_destroyed_unsatisfied_total",
		Help: "Promises abandoned while still pending",
	})

	// FiberActive tracks the number of fibers currently running a body.
	FiberActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poseidon_fiber_active",
		Help: "Number of fibers currently executing (holding a scheduler slot)",
	})

	// FiberSuspended tracks the number of fibers parked on a future.
	FiberSuspended = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poseidon_fiber_suspended",
		Help: "Number of fibers currently suspended awaiting a future",
	})

	// FiberTerminatedTotal counts fiber completions by outcome.
	FiberTerminatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poseidon_fiber_terminated_total",
		Help: "Total number of fibers that have terminated",
	}, []string{"outcome"}) // normal, panicked, abandoned

	// FiberYieldLatencySeconds tracks time spent suspended per yield.
	FiberYieldLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "poseidon_fiber_yield_latency_seconds",
		Help:    "Time a fiber spends suspended between yield and resume",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 12),
	})

	// TimerPending tracks the number of armed timers in the wheel.
	TimerPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poseidon_timer_pending",
		Help: "Number of timers currently armed in the timer driver",
	})

	// TimerFiredTotal counts timer callback invocations.
	TimerFiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poseidon_timer_fired_total",
		Help: "Total number of timer callbacks fired",
	})

	// WorkerQueueDepth tracks per-worker queue depth.
	WorkerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "poseidon_worker_queue_depth",
		Help: "Current number of queued jobs for a worker shard",
	}, []string{"worker"})

	// WorkerJobsExecutedTotal counts executed jobs per worker.
	WorkerJobsExecutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poseidon_worker_jobs_executed_total",
		Help: "Total number of jobs executed by a worker shard",
	}, []string{"worker"})

	// WorkerJobsOrphanedTotal counts jobs dropped as orphans.
	WorkerJobsOrphanedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poseidon_worker_jobs_orphaned_total",
		Help: "Total number of jobs dropped because they became unreferenced and were not resident",
	}, []string{"worker"})

	// WorkerJobsRejectedTotal counts submissions rejected at admission.
	WorkerJobsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poseidon_worker_jobs_rejected_total",
		Help: "Total number of job submissions rejected by admission control",
	}, []string{"reason"})

	// DBShardQueueDepth tracks queue depth per DB shard.
	DBShardQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "poseidon_db_shard_queue_depth",
		Help: "Current number of queued operations for a DB shard",
	}, []string{"shard"})

	// DBOperationsExecutedTotal counts operations actually sent to the DB.
	DBOperationsExecutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poseidon_db_operations_executed_total",
		Help: "Total number of operations executed against the database",
	}, []string{"variant"})

	// DBOperationsCombinedTotal counts Save operations skipped by write-combining.
	DBOperationsCombinedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poseidon_db_operations_combined_total",
		Help: "Total number of Save operations skipped because a later Save superseded them",
	})

	// DBOperationRetryTotal counts retry attempts.
	DBOperationRetryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poseidon_db_operation_retry_total",
		Help: "Total number of DB operation retry attempts",
	})

	// DBOperationDumpedTotal counts operations dumped to the failure log.
	DBOperationDumpedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poseidon_db_operation_dumped_total",
		Help: "Total number of DB operations written to the SQL dump file after retry exhaustion",
	})

	// DBOperationDurationSeconds tracks execution latency.
	DBOperationDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poseidon_db_operation_duration_seconds",
		Help:    "Duration of DB operation execution",
		Buckets: prometheus.DefBuckets,
	}, []string{"variant"})

	// DBShardsConnected counts DB shard writers started; it is not
	// decremented when a shard stops and does not probe the connections.
	DBShardsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poseidon_db_shards_connected",
		Help: "Number of DB shard writer threads started",
	})

	// DBQueueSaturatedTotal counts rejections from the optional circuit breaker.
	DBQueueSaturatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poseidon_db_queue_saturated_total",
		Help: "Total number of operations rejected because a shard queue was saturated",
	}, []string{"shard"})

	// DBOperationsIsolatedTotal counts Load/BatchLoad operations
	// discarded because the submitter dropped its promise before the
	// query ran.
	DBOperationsIsolatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poseidon_db_operations_isolated_total",
		Help: "Total number of read operations discarded because nothing was still waiting on them",
	})
)
