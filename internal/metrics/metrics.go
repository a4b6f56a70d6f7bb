// Package metrics registers the Prometheus counters and histograms for
// every operation internal/node wires together. Grounded directly on
// storage-node/internal/metrics/prometheus.go's structure (one struct of
// promauto-registered metrics, node_id as a const label, Record*/Update*
// helper methods) with the storage/compaction/gossip/system sections kept
// and a quorum/replica/hint/anti-entropy section added for the operations
// the combined storage-and-coordination process needs that the storage
// node side alone didn't cover (that section is grounded on
// coordinator/internal/metrics/prometheus.go's RequestDuration/
// QuorumFailures/RepairsTotal instead). The cache section is dropped:
// this design has no read-through cache in front of the LSM engine, so
// there is nothing for those metrics to observe.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric this node exposes.
type Metrics struct {
	// Storage metrics
	MemTableSizeBytes    prometheus.Gauge
	MemTableEntriesTotal prometheus.Gauge
	MemTableFlushesTotal prometheus.Counter
	MemTableFlushDuration prometheus.Histogram

	SSTableCountByLevel prometheus.GaugeVec
	SSTableSizeByLevel  prometheus.GaugeVec
	SSTableReadsTotal   prometheus.Counter
	SSTableReadDuration prometheus.Histogram

	WALAppendsTotal    prometheus.Counter
	WALAppendDuration  prometheus.Histogram
	WALSegmentsTotal   prometheus.Gauge

	// Compaction metrics
	CompactionJobsTotal      prometheus.CounterVec
	CompactionJobDuration    prometheus.Histogram
	CompactionBytesProcessed prometheus.Counter
	CompactionTablesInput    prometheus.Histogram
	CompactionTablesOutput   prometheus.Histogram

	// Quorum / replication metrics
	WriteRequestsTotal    prometheus.Counter
	WriteLatency          prometheus.Histogram
	ReadRequestsTotal     prometheus.Counter
	ReadLatency           prometheus.Histogram
	QuorumFailuresTotal   prometheus.CounterVec
	ReadRepairsTotal      prometheus.Counter
	ReplicaRPCDuration    prometheus.HistogramVec

	// Hinted handoff metrics
	HintsStashedTotal   prometheus.Counter
	HintsReplayedTotal  prometheus.Counter
	HintsDroppedTotal   prometheus.Counter
	HintQueueDepth      prometheus.GaugeVec

	// Anti-entropy metrics
	AntiEntropyRunsTotal      prometheus.Counter
	AntiEntropySegmentsDiverged prometheus.Counter
	AntiEntropyRepairedKeys   prometheus.Counter

	// Gossip / membership metrics
	GossipMembersTotal   prometheus.Gauge
	GossipMembersHealthy prometheus.Gauge
	NodeStatusTransitions prometheus.CounterVec

	// System metrics
	DiskUsageBytes  prometheus.Gauge
	GoroutinesTotal prometheus.Gauge
}

// New creates and registers every metric, labeled with this node's id.
func New(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		MemTableSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairdb", Subsystem: "memtable", Name: "size_bytes",
			Help: "Current memtable size in bytes", ConstLabels: labels,
		}),
		MemTableEntriesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairdb", Subsystem: "memtable", Name: "entries_total",
			Help: "Current number of entries in the active memtable", ConstLabels: labels,
		}),
		MemTableFlushesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb", Subsystem: "memtable", Name: "flushes_total",
			Help: "Total number of memtable flushes", ConstLabels: labels,
		}),
		MemTableFlushDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pairdb", Subsystem: "memtable", Name: "flush_duration_seconds",
			Help: "Histogram of memtable flush durations", ConstLabels: labels, Buckets: prometheus.DefBuckets,
		}),
		SSTableCountByLevel: *promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pairdb", Subsystem: "sstable", Name: "count_by_level",
			Help: "Number of SSTables by level", ConstLabels: labels,
		}, []string{"level"}),
		SSTableSizeByLevel: *promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pairdb", Subsystem: "sstable", Name: "size_bytes_by_level",
			Help: "Total size of SSTables by level in bytes", ConstLabels: labels,
		}, []string{"level"}),
		SSTableReadsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb", Subsystem: "sstable", Name: "reads_total",
			Help: "Total number of SSTable reads", ConstLabels: labels,
		}),
		SSTableReadDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pairdb", Subsystem: "sstable", Name: "read_duration_seconds",
			Help: "Histogram of SSTable read durations", ConstLabels: labels, Buckets: prometheus.DefBuckets,
		}),
		WALAppendsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb", Subsystem: "wal", Name: "appends_total",
			Help: "Total number of WAL appends", ConstLabels: labels,
		}),
		WALAppendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pairdb", Subsystem: "wal", Name: "append_duration_seconds",
			Help: "Histogram of WAL append durations", ConstLabels: labels, Buckets: prometheus.DefBuckets,
		}),
		WALSegmentsTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairdb", Subsystem: "wal", Name: "segments_total",
			Help: "Current number of WAL segments on disk", ConstLabels: labels,
		}),

		CompactionJobsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairdb", Subsystem: "compaction", Name: "jobs_total",
			Help: "Total number of compaction jobs by status", ConstLabels: labels,
		}, []string{"status"}),
		CompactionJobDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pairdb", Subsystem: "compaction", Name: "job_duration_seconds",
			Help: "Histogram of compaction job durations", ConstLabels: labels, Buckets: prometheus.DefBuckets,
		}),
		CompactionBytesProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb", Subsystem: "compaction", Name: "bytes_processed_total",
			Help: "Total bytes processed during compaction", ConstLabels: labels,
		}),
		CompactionTablesInput: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pairdb", Subsystem: "compaction", Name: "tables_input",
			Help: "Histogram of input tables per compaction", ConstLabels: labels, Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
		CompactionTablesOutput: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pairdb", Subsystem: "compaction", Name: "tables_output",
			Help: "Histogram of output tables per compaction", ConstLabels: labels, Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),

		WriteRequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb", Subsystem: "quorum", Name: "write_requests_total",
			Help: "Total number of coordinated write requests", ConstLabels: labels,
		}),
		WriteLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pairdb", Subsystem: "quorum", Name: "write_latency_seconds",
			Help: "Histogram of quorum write latencies", ConstLabels: labels, Buckets: prometheus.DefBuckets,
		}),
		ReadRequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb", Subsystem: "quorum", Name: "read_requests_total",
			Help: "Total number of coordinated read requests", ConstLabels: labels,
		}),
		ReadLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pairdb", Subsystem: "quorum", Name: "read_latency_seconds",
			Help: "Histogram of quorum read latencies", ConstLabels: labels, Buckets: prometheus.DefBuckets,
		}),
		QuorumFailuresTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairdb", Subsystem: "quorum", Name: "failures_total",
			Help: "Total number of quorum failures by operation", ConstLabels: labels,
		}, []string{"op"}),
		ReadRepairsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb", Subsystem: "quorum", Name: "read_repairs_total",
			Help: "Total number of read-repair writes issued", ConstLabels: labels,
		}),
		ReplicaRPCDuration: *promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pairdb", Subsystem: "quorum", Name: "replica_rpc_duration_seconds",
			Help: "Histogram of replica RPC durations by kind", ConstLabels: labels, Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),

		HintsStashedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb", Subsystem: "hintedhandoff", Name: "stashed_total",
			Help: "Total number of hints stashed for unreachable replicas", ConstLabels: labels,
		}),
		HintsReplayedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb", Subsystem: "hintedhandoff", Name: "replayed_total",
			Help: "Total number of hints successfully replayed", ConstLabels: labels,
		}),
		HintsDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb", Subsystem: "hintedhandoff", Name: "dropped_total",
			Help: "Total number of hints dropped after exhausting retries or TTL", ConstLabels: labels,
		}),
		HintQueueDepth: *promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pairdb", Subsystem: "hintedhandoff", Name: "queue_depth",
			Help: "Current number of pending hints by destination node", ConstLabels: labels,
		}, []string{"dest_node"}),

		AntiEntropyRunsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb", Subsystem: "antientropy", Name: "runs_total",
			Help: "Total number of anti-entropy reconciliation runs", ConstLabels: labels,
		}),
		AntiEntropySegmentsDiverged: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb", Subsystem: "antientropy", Name: "segments_diverged_total",
			Help: "Total number of segments found to diverge from a peer", ConstLabels: labels,
		}),
		AntiEntropyRepairedKeys: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "pairdb", Subsystem: "antientropy", Name: "repaired_keys_total",
			Help: "Total number of keys repaired via anti-entropy", ConstLabels: labels,
		}),

		GossipMembersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairdb", Subsystem: "gossip", Name: "members_total",
			Help: "Total number of known cluster members", ConstLabels: labels,
		}),
		GossipMembersHealthy: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairdb", Subsystem: "gossip", Name: "members_healthy",
			Help: "Number of members currently considered live", ConstLabels: labels,
		}),
		NodeStatusTransitions: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairdb", Subsystem: "gossip", Name: "status_transitions_total",
			Help: "Total number of node status transitions observed", ConstLabels: labels,
		}, []string{"status"}),

		DiskUsageBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairdb", Subsystem: "system", Name: "disk_usage_bytes",
			Help: "Current data directory disk usage in bytes", ConstLabels: labels,
		}),
		GoroutinesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairdb", Subsystem: "system", Name: "goroutines_total",
			Help: "Current number of goroutines", ConstLabels: labels,
		}),
	}
}

// RecordWrite records a coordinated write's latency and outcome.
func (m *Metrics) RecordWrite(seconds float64, err error) {
	m.WriteRequestsTotal.Inc()
	m.WriteLatency.Observe(seconds)
	if err != nil {
		m.QuorumFailuresTotal.WithLabelValues("write").Inc()
	}
}

// RecordRead records a coordinated read's latency and outcome.
func (m *Metrics) RecordRead(seconds float64, err error) {
	m.ReadRequestsTotal.Inc()
	m.ReadLatency.Observe(seconds)
	if err != nil {
		m.QuorumFailuresTotal.WithLabelValues("read").Inc()
	}
}

// RecordMemTableFlush records a completed flush.
func (m *Metrics) RecordMemTableFlush(seconds float64) {
	m.MemTableFlushesTotal.Inc()
	m.MemTableFlushDuration.Observe(seconds)
}

// UpdateSSTableStats sets the gauge pair for one level.
func (m *Metrics) UpdateSSTableStats(level string, count int, sizeBytes int64) {
	m.SSTableCountByLevel.WithLabelValues(level).Set(float64(count))
	m.SSTableSizeByLevel.WithLabelValues(level).Set(float64(sizeBytes))
}

// RecordCompactionJob records one compaction job's shape and outcome.
func (m *Metrics) RecordCompactionJob(status string, seconds float64, inputTables, outputTables int, bytesProcessed int64) {
	m.CompactionJobsTotal.WithLabelValues(status).Inc()
	m.CompactionJobDuration.Observe(seconds)
	m.CompactionTablesInput.Observe(float64(inputTables))
	m.CompactionTablesOutput.Observe(float64(outputTables))
	m.CompactionBytesProcessed.Add(float64(bytesProcessed))
}

// RecordHintStashed/Replayed/Dropped track the hinted-handoff lifecycle.
func (m *Metrics) RecordHintStashed() { m.HintsStashedTotal.Inc() }
func (m *Metrics) RecordHintReplayed() { m.HintsReplayedTotal.Inc() }
func (m *Metrics) RecordHintDropped() { m.HintsDroppedTotal.Inc() }

// RecordAntiEntropyRun tracks one reconciliation pass against a peer.
func (m *Metrics) RecordAntiEntropyRun(diverged, repairedKeys int) {
	m.AntiEntropyRunsTotal.Inc()
	m.AntiEntropySegmentsDiverged.Add(float64(diverged))
	m.AntiEntropyRepairedKeys.Add(float64(repairedKeys))
}

// UpdateGossipStats sets membership gauges.
func (m *Metrics) UpdateGossipStats(total, healthy int) {
	m.GossipMembersTotal.Set(float64(total))
	m.GossipMembersHealthy.Set(float64(healthy))
}

// RecordNodeStatusTransition increments the transition counter for status.
func (m *Metrics) RecordNodeStatusTransition(status string) {
	m.NodeStatusTransitions.WithLabelValues(status).Inc()
}
