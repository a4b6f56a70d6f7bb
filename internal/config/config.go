// Package config loads the node's yaml configuration tree. Structure and
// defaulting style grounded on storage-node/internal/config/config.go.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds peer-transport listener configuration.
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	MaxConnections  int           `yaml:"max_connections"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ReplicationConfig holds the N/W/R, consistency-mode, and replication
// log options.
type ReplicationConfig struct {
	ReplicationFactor int           `yaml:"replication_factor"`
	WriteQuorum       int           `yaml:"write_quorum"`
	ReadQuorum        int           `yaml:"read_quorum"`
	ConsistencyMode   string        `yaml:"consistency_mode"` // lww | vector | crdt
	MaxBatchSize      int           `yaml:"max_batch_size"`   // replication log: ops per Replicate push
	SendInterval      time.Duration `yaml:"replication_send_interval"`
	LoadBalanceReads  bool          `yaml:"load_balance_reads"`
	EnableForwarding  bool          `yaml:"enable_forwarding"`
}

// PartitionConfig holds partitioning/ring options. partitions_per_node
// and num_partitions are alternatives, not combinable.
type PartitionConfig struct {
	Strategy          string `yaml:"partition_strategy"` // hash | range
	PartitionsPerNode int    `yaml:"partitions_per_node"`
	NumPartitions     int    `yaml:"num_partitions"`
}

// StorageConfig holds on-disk layout configuration.
type StorageConfig struct {
	DataDir           string  `yaml:"data_dir"`
	WALDir            string  `yaml:"wal_dir"`
	SSTableDir        string  `yaml:"sstable_dir"`
	HintsDir          string  `yaml:"hints_dir"`
	ReplicationLogFile string `yaml:"replication_log_file"`
	LastSeenFile      string  `yaml:"last_seen_file"`
	MaxDiskUsage      float64 `yaml:"max_disk_usage"`
	MaxTransferRate   int64   `yaml:"max_transfer_rate"` // bytes/s, node add/remove streaming
}

// WALConfig holds write-ahead-log configuration.
type WALConfig struct {
	SegmentSize int64         `yaml:"segment_size"`
	MaxAge      time.Duration `yaml:"max_age"`
	SyncWrites  bool          `yaml:"sync_writes"`
	BufferSize  int           `yaml:"buffer_size"`
}

// MemTableConfig holds memtable flush thresholds.
type MemTableConfig struct {
	MaxSize        int64         `yaml:"max_size"`
	FlushThreshold int64         `yaml:"flush_threshold"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
}

// SSTableConfig holds SSTable layout configuration.
type SSTableConfig struct {
	L0FileLimit     int     `yaml:"l0_file_limit"`
	LevelSizeRatio  int     `yaml:"level_size_ratio"`
	BloomFilterFP   float64 `yaml:"bloom_filter_fp"`
	IndexInterval   int     `yaml:"index_interval"`
}

// CompactionConfig holds background compaction tuning.
type CompactionConfig struct {
	Workers  int `yaml:"workers"`
	Throttle int `yaml:"throttle"`
}

// HeartbeatConfig holds failure-detector timing.
type HeartbeatConfig struct {
	Interval      time.Duration `yaml:"heartbeat_interval"`
	SuspectTimeout time.Duration `yaml:"suspect_timeout"`
	DeadTimeout   time.Duration `yaml:"dead_timeout"`
	BindPort      int           `yaml:"bind_port"`
	SeedNodes     []string      `yaml:"seed_nodes"`
}

// HintedHandoffConfig holds hint replay timing.
type HintedHandoffConfig struct {
	Interval time.Duration `yaml:"hinted_handoff_interval"`
}

// AntiEntropyConfig holds Merkle-sync timing and the tombstone retention
// window decided in DESIGN.md.
type AntiEntropyConfig struct {
	Interval            time.Duration `yaml:"anti_entropy_interval"`
	Segments            int           `yaml:"segments"`
	TombstoneRetention  time.Duration `yaml:"tombstone_retention"`
}

// TransactionConfig holds the lock strategy.
type TransactionConfig struct {
	LockStrategy string        `yaml:"tx_lock_strategy"` // optimistic | 2pl
	LockTimeout  time.Duration `yaml:"tx_lock_timeout"`
}

// MetricsConfig holds prometheus exporter configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds zap configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IndexConfig names the fields internal/secidx maintains a secondary
// index over; ListByIndex against any other field is a no-op. Empty by
// default — indexing is opt-in since it's driven by the out-of-scope
// SQL/query layer's schema, which this core has no other knowledge of.
type IndexConfig struct {
	Fields []string `yaml:"fields"`
}

// Config is the complete node configuration tree.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Replication   ReplicationConfig   `yaml:"replication"`
	Partition     PartitionConfig     `yaml:"partition"`
	Storage       StorageConfig       `yaml:"storage"`
	WAL           WALConfig           `yaml:"wal"`
	MemTable      MemTableConfig      `yaml:"mem_table"`
	SSTable       SSTableConfig       `yaml:"sstable"`
	Compaction    CompactionConfig    `yaml:"compaction"`
	Heartbeat     HeartbeatConfig     `yaml:"heartbeat"`
	HintedHandoff HintedHandoffConfig `yaml:"hinted_handoff"`
	AntiEntropy   AntiEntropyConfig   `yaml:"anti_entropy"`
	Transaction   TransactionConfig   `yaml:"transaction"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Logging       LoggingConfig       `yaml:"logging"`
	Index         IndexConfig         `yaml:"index"`
}

// Load reads and validates configuration from filePath.
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7300
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 1000
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Replication.ReplicationFactor == 0 {
		cfg.Replication.ReplicationFactor = 3
	}
	if cfg.Replication.WriteQuorum == 0 {
		cfg.Replication.WriteQuorum = cfg.Replication.ReplicationFactor/2 + 1
	}
	if cfg.Replication.ReadQuorum == 0 {
		cfg.Replication.ReadQuorum = cfg.Replication.ReplicationFactor/2 + 1
	}
	if cfg.Replication.ConsistencyMode == "" {
		cfg.Replication.ConsistencyMode = "lww"
	}
	if cfg.Replication.MaxBatchSize == 0 {
		cfg.Replication.MaxBatchSize = 256
	}
	if cfg.Replication.SendInterval == 0 {
		cfg.Replication.SendInterval = 2 * time.Second
	}

	if cfg.Partition.Strategy == "" {
		cfg.Partition.Strategy = "hash"
	}
	if cfg.Partition.PartitionsPerNode == 0 && cfg.Partition.NumPartitions == 0 {
		cfg.Partition.PartitionsPerNode = 32
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.WALDir == "" {
		cfg.Storage.WALDir = cfg.Storage.DataDir + "/wal"
	}
	if cfg.Storage.SSTableDir == "" {
		cfg.Storage.SSTableDir = cfg.Storage.DataDir + "/sst"
	}
	if cfg.Storage.HintsDir == "" {
		cfg.Storage.HintsDir = cfg.Storage.DataDir + "/hints"
	}
	if cfg.Storage.ReplicationLogFile == "" {
		cfg.Storage.ReplicationLogFile = cfg.Storage.DataDir + "/replication_log.json"
	}
	if cfg.Storage.LastSeenFile == "" {
		cfg.Storage.LastSeenFile = cfg.Storage.DataDir + "/last_seen.json"
	}
	if cfg.Storage.MaxDiskUsage == 0 {
		cfg.Storage.MaxDiskUsage = 0.9
	}
	if cfg.Storage.MaxTransferRate == 0 {
		cfg.Storage.MaxTransferRate = 50 * 1024 * 1024
	}

	if cfg.WAL.SegmentSize == 0 {
		cfg.WAL.SegmentSize = 64 * 1024 * 1024
	}
	if cfg.WAL.BufferSize == 0 {
		cfg.WAL.BufferSize = 32 * 1024
	}

	if cfg.MemTable.MaxSize == 0 {
		cfg.MemTable.MaxSize = 32 * 1024 * 1024
	}
	if cfg.MemTable.FlushThreshold == 0 {
		cfg.MemTable.FlushThreshold = 24 * 1024 * 1024
	}
	if cfg.MemTable.FlushInterval == 0 {
		cfg.MemTable.FlushInterval = 5 * time.Minute
	}

	if cfg.SSTable.L0FileLimit == 0 {
		cfg.SSTable.L0FileLimit = 4
	}
	if cfg.SSTable.LevelSizeRatio == 0 {
		cfg.SSTable.LevelSizeRatio = 10
	}
	if cfg.SSTable.BloomFilterFP == 0 {
		cfg.SSTable.BloomFilterFP = 0.01
	}
	if cfg.SSTable.IndexInterval == 0 {
		cfg.SSTable.IndexInterval = 64
	}

	if cfg.Compaction.Workers == 0 {
		cfg.Compaction.Workers = 2
	}

	if cfg.Heartbeat.Interval == 0 {
		cfg.Heartbeat.Interval = time.Second
	}
	if cfg.Heartbeat.SuspectTimeout == 0 {
		cfg.Heartbeat.SuspectTimeout = 5 * time.Second
	}
	if cfg.Heartbeat.DeadTimeout == 0 {
		cfg.Heartbeat.DeadTimeout = 30 * time.Second
	}
	if cfg.Heartbeat.BindPort == 0 {
		cfg.Heartbeat.BindPort = 7946
	}

	if cfg.HintedHandoff.Interval == 0 {
		cfg.HintedHandoff.Interval = 10 * time.Second
	}

	if cfg.AntiEntropy.Interval == 0 {
		cfg.AntiEntropy.Interval = 30 * time.Second
	}
	if cfg.AntiEntropy.Segments == 0 {
		cfg.AntiEntropy.Segments = 256
	}
	if cfg.AntiEntropy.TombstoneRetention == 0 {
		// Must exceed worst-case downtime plus one anti-entropy period.
		cfg.AntiEntropy.TombstoneRetention = 72 * time.Hour
	}

	if cfg.Transaction.LockStrategy == "" {
		cfg.Transaction.LockStrategy = "optimistic"
	}
	if cfg.Transaction.LockTimeout == 0 {
		cfg.Transaction.LockTimeout = 5 * time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9300
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate rejects configurations the node cannot run safely with.
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Storage.MaxDiskUsage <= 0 || c.Storage.MaxDiskUsage > 1 {
		return fmt.Errorf("storage.max_disk_usage must be in (0, 1]")
	}
	switch c.Replication.ConsistencyMode {
	case "lww", "vector", "crdt":
	default:
		return fmt.Errorf("replication.consistency_mode must be one of lww, vector, crdt")
	}
	switch c.Partition.Strategy {
	case "hash", "range":
	default:
		return fmt.Errorf("partition.partition_strategy must be hash or range")
	}
	if c.Partition.PartitionsPerNode > 0 && c.Partition.NumPartitions > 0 {
		return fmt.Errorf("partition.partitions_per_node and partition.num_partitions are alternatives, not combinable")
	}
	switch c.Transaction.LockStrategy {
	case "optimistic", "2pl":
	default:
		return fmt.Errorf("transaction.tx_lock_strategy must be optimistic or 2pl")
	}
	if c.Replication.WriteQuorum > c.Replication.ReplicationFactor {
		return fmt.Errorf("replication.write_quorum cannot exceed replication_factor")
	}
	if c.Replication.ReadQuorum > c.Replication.ReplicationFactor {
		return fmt.Errorf("replication.read_quorum cannot exceed replication_factor")
	}
	return nil
}
