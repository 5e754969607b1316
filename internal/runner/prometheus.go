package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dequery_jobs_claimed_total",
		Help: "Total number of jobs claimed by this worker",
	}, []string{"kind"})

	claimDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dequery_claim_duration_seconds",
		Help:    "Time taken to claim a job from the database",
		Buckets: prometheus.DefBuckets,
	})

	pollTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dequery_poll_ticks_total",
		Help: "Total poll ticks executed, by run phase at tick start",
	}, []string{"phase"})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dequery_tick_duration_seconds",
		Help:    "Time taken by one poll tick including store writes",
		Buckets: prometheus.DefBuckets,
	})

	runsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dequery_runs_finished_total",
		Help: "Runs driven to a terminal outcome by this worker",
	}, []string{"outcome"})

	jobFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dequery_job_handler_failures_total",
		Help: "Job handler invocations that returned an error",
	})

	leasesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dequery_leases_reclaimed_total",
		Help: "Jobs recovered from expired leases",
	})

	// DB pool telemetry, fed by the runner's stats loop.
	DBPoolConnectionsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dequery_db_pool_connections_in_use",
		Help: "Number of active database connections in the pool",
	})

	DBPoolIdleConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dequery_db_pool_connections_idle",
		Help: "Number of idle database connections in the pool",
	})
)
