// Package metrics exposes Prometheus instrumentation for the account
// storage engine: cache size, live reference counts, and the duration and
// outcome of each maintenance-loop stage.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CacheSlotsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "accountsdb_cache_slots_total",
			Help: "Number of un-flushed slots currently held in the write-back cache",
		},
	)

	FileMapFilesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "accountsdb_file_map_files_total",
			Help: "Number of account files currently tracked by the file map",
		},
	)

	ReferenceMemoryBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "accountsdb_reference_memory_bytes",
			Help: "Total bytes committed to per-slot reference arenas",
		},
	)

	IndexLiveReferencesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "accountsdb_index_live_references_total",
			Help: "Number of chain nodes reachable from the index",
		},
	)

	FlushSlotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accountsdb_flush_slots_total",
			Help: "Total number of slots flushed from cache to an account file",
		},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accountsdb_flush_duration_seconds",
			Help:    "Time taken to flush one slot",
			Buckets: prometheus.DefBuckets,
		},
	)

	CleanFilesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accountsdb_clean_files_total",
			Help: "Total number of files scanned by the clean stage",
		},
	)

	CleanDeadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accountsdb_clean_dead_bytes_total",
			Help: "Total bytes marked dead by the clean stage",
		},
	)

	CleanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accountsdb_clean_duration_seconds",
			Help:    "Time taken for one clean pass over the unclean set",
			Buckets: prometheus.DefBuckets,
		},
	)

	ShrinkFilesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accountsdb_shrink_files_total",
			Help: "Total number of files rewritten by the shrink stage",
		},
	)

	ShrinkDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accountsdb_shrink_duration_seconds",
			Help:    "Time taken to shrink one file",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeleteFilesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accountsdb_delete_files_total",
			Help: "Total number of fully-dead files removed by the delete stage",
		},
	)

	MaintenanceErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accountsdb_maintenance_errors_total",
			Help: "Total number of non-fatal errors encountered by a maintenance stage",
		},
		[]string{"stage"},
	)

	SnapshotLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accountsdb_snapshot_load_duration_seconds",
			Help:    "Time taken to load and validate a snapshot",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	SnapshotLoadAccountsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "accountsdb_snapshot_load_accounts_total",
			Help: "Total number of account records ingested during the most recent snapshot load",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CacheSlotsTotal,
		FileMapFilesTotal,
		ReferenceMemoryBytes,
		IndexLiveReferencesTotal,
		FlushSlotsTotal,
		FlushDuration,
		CleanFilesTotal,
		CleanDeadBytesTotal,
		CleanDuration,
		ShrinkFilesTotal,
		ShrinkDuration,
		DeleteFilesTotal,
		MaintenanceErrorsTotal,
		SnapshotLoadDuration,
		SnapshotLoadAccountsTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
