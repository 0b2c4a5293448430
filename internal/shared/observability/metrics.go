package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics definitions
var (
	StoreOpensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitepulse_store_opens_total",
		Help: "Total number of successful store opens.",
	})

	StoreOpenFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitepulse_store_open_failures_total",
		Help: "Total number of failed store opens, including aborted migrations.",
	})

	MigrationStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitepulse_migration_steps_total",
		Help: "Total number of collection-creation steps applied during upgrades.",
	})

	MigrationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sitepulse_migration_seconds",
		Help:    "Time spent inside the schema upgrade transaction.",
		Buckets: prometheus.DefBuckets,
	})

	RecordsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitepulse_records_written_total",
		Help: "Total number of records inserted or updated, per collection.",
	}, []string{"collection"})

	RecordsDeletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitepulse_records_deleted_total",
		Help: "Total number of records deleted, per collection.",
	}, []string{"collection"})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sitepulse_query_seconds",
		Help:    "Latency of indexed queries, per collection.",
		Buckets: prometheus.DefBuckets,
	}, []string{"collection"})

	RetentionPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitepulse_retention_pruned_total",
		Help: "Total number of score records removed by the retention sweeper.",
	})

	StaleSessionsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitepulse_stale_sessions_failed_total",
		Help: "Total number of crawl sessions the janitor marked failed.",
	})
)
