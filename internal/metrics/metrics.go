// Package metrics provides Prometheus metrics for the storage core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for one engine instance. Each
// Metrics owns a private registry so tests can construct several instances
// without colliding on the default global registerer.
type Metrics struct {
	Registry *prometheus.Registry

	// gRPC admin-surface request metrics (internal/rpc)
	RPCRequestsTotal    *prometheus.CounterVec
	RPCRequestDuration  *prometheus.HistogramVec
	RPCRequestsInFlight prometheus.Gauge

	// Page manager
	PageOperationsTotal   *prometheus.CounterVec
	PageOperationDuration *prometheus.HistogramVec
	PageSplitsTotal       prometheus.Counter
	PageMergesTotal       prometheus.Counter
	PageDefragsTotal      prometheus.Counter

	// File manager
	FilePagesAllocatedTotal prometheus.Counter
	FilePagesFreedTotal     prometheus.Counter
	FileExtensionsTotal     prometheus.Counter
	FileUsedBlocks          prometheus.Gauge
	FileTotalBlocks         prometheus.Gauge

	// B+ tree / hash index
	IndexOperationsTotal *prometheus.CounterVec
	IndexDepth           prometheus.Gauge
	IndexFillFactor      prometheus.Gauge

	// MVCC
	MVCCVersionsCreatedTotal prometheus.Counter
	MVCCVersionsVacuumed     prometheus.Counter
	MVCCActiveTransactions   prometheus.Gauge

	// Lock manager
	LockAcquiresTotal  *prometheus.CounterVec
	LockWaitDuration   prometheus.Histogram
	LockDeadlocksTotal prometheus.Counter
	LockTimeoutsTotal  prometheus.Counter

	// WAL / recovery
	WALAppendsTotal       prometheus.Counter
	WALBytesWrittenTotal  prometheus.Counter
	RecoveryRunsTotal     prometheus.Counter
	RecoveryReplayedTotal prometheus.Counter

	ServerUptimeSeconds prometheus.Gauge
	startTime           time.Time
}

// New creates and registers the engine's Prometheus collectors against a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	m := &Metrics{
		Registry:  reg,
		startTime: time.Now(),
	}

	m.RPCRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "reldb_rpc_requests_total",
		Help: "Total number of admin RPC requests.",
	}, []string{"method", "status"})

	m.RPCRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reldb_rpc_request_duration_seconds",
		Help:    "Duration of admin RPC requests in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	m.RPCRequestsInFlight = f.NewGauge(prometheus.GaugeOpts{
		Name: "reldb_rpc_requests_in_flight",
		Help: "Number of admin RPC requests currently being processed.",
	})

	m.PageOperationsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "reldb_page_operations_total",
		Help: "Total number of page manager operations by kind and outcome.",
	}, []string{"operation", "status"})

	m.PageOperationDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reldb_page_operation_duration_seconds",
		Help:    "Duration of page manager operations in seconds.",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"operation"})

	m.PageSplitsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "reldb_page_splits_total",
		Help: "Total number of page splits performed.",
	})
	m.PageMergesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "reldb_page_merges_total",
		Help: "Total number of page merges performed.",
	})
	m.PageDefragsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "reldb_page_defragmentations_total",
		Help: "Total number of page defragmentation passes.",
	})

	m.FilePagesAllocatedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "reldb_file_pages_allocated_total",
		Help: "Total number of pages allocated by the file manager.",
	})
	m.FilePagesFreedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "reldb_file_pages_freed_total",
		Help: "Total number of pages returned to the free page map.",
	})
	m.FileExtensionsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "reldb_file_extensions_total",
		Help: "Total number of times a data file was extended.",
	})
	m.FileUsedBlocks = f.NewGauge(prometheus.GaugeOpts{
		Name: "reldb_file_used_blocks",
		Help: "Current number of used blocks across open files.",
	})
	m.FileTotalBlocks = f.NewGauge(prometheus.GaugeOpts{
		Name: "reldb_file_total_blocks",
		Help: "Current number of total blocks across open files.",
	})

	m.IndexOperationsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "reldb_index_operations_total",
		Help: "Total number of index operations by index kind and operation.",
	}, []string{"index", "operation"})
	m.IndexDepth = f.NewGauge(prometheus.GaugeOpts{
		Name: "reldb_btree_depth",
		Help: "Current depth of the B+ tree index.",
	})
	m.IndexFillFactor = f.NewGauge(prometheus.GaugeOpts{
		Name: "reldb_btree_fill_factor",
		Help: "Current fill factor of the B+ tree index.",
	})

	m.MVCCVersionsCreatedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "reldb_mvcc_versions_created_total",
		Help: "Total number of row versions created.",
	})
	m.MVCCVersionsVacuumed = f.NewCounter(prometheus.CounterOpts{
		Name: "reldb_mvcc_versions_vacuumed_total",
		Help: "Total number of row versions removed by VACUUM.",
	})
	m.MVCCActiveTransactions = f.NewGauge(prometheus.GaugeOpts{
		Name: "reldb_mvcc_active_transactions",
		Help: "Current number of active transactions tracked by MVCC.",
	})

	m.LockAcquiresTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "reldb_lock_acquires_total",
		Help: "Total number of lock acquire attempts by outcome.",
	}, []string{"outcome"})
	m.LockWaitDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "reldb_lock_wait_duration_seconds",
		Help:    "Time spent waiting to acquire a lock.",
		Buckets: prometheus.DefBuckets,
	})
	m.LockDeadlocksTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "reldb_lock_deadlocks_total",
		Help: "Total number of deadlock victims chosen.",
	})
	m.LockTimeoutsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "reldb_lock_timeouts_total",
		Help: "Total number of lock acquisitions that timed out.",
	})

	m.WALAppendsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "reldb_wal_appends_total",
		Help: "Total number of WAL entries appended.",
	})
	m.WALBytesWrittenTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "reldb_wal_bytes_written_total",
		Help: "Total number of bytes appended to the WAL.",
	})
	m.RecoveryRunsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "reldb_recovery_runs_total",
		Help: "Total number of recovery passes executed at startup.",
	})
	m.RecoveryReplayedTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "reldb_recovery_operations_replayed_total",
		Help: "Total number of log operations replayed during recovery (REDO+UNDO).",
	})

	m.ServerUptimeSeconds = f.NewGauge(prometheus.GaugeOpts{
		Name: "reldb_server_uptime_seconds",
		Help: "Uptime of the admin server in seconds.",
	})

	return m
}

// RecordRPCRequest records an admin RPC request outcome and latency.
func (m *Metrics) RecordRPCRequest(method, status string, d time.Duration) {
	m.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.RPCRequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordPageOperation records a page manager operation outcome and latency.
func (m *Metrics) RecordPageOperation(operation, status string, d time.Duration) {
	m.PageOperationsTotal.WithLabelValues(operation, status).Inc()
	m.PageOperationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordLockAcquire records a lock acquire attempt outcome.
func (m *Metrics) RecordLockAcquire(outcome string, waited time.Duration) {
	m.LockAcquiresTotal.WithLabelValues(outcome).Inc()
	m.LockWaitDuration.Observe(waited.Seconds())
}

// UpdateUptime refreshes the uptime gauge; callers drive this from a ticker.
func (m *Metrics) UpdateUptime() {
	m.ServerUptimeSeconds.Set(time.Since(m.startTime).Seconds())
}
