package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// CommitBuckets for local engine commits
	CommitBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// ReadBuckets for cached and snapshot reads
	ReadBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1}

	// LockWaitBuckets for async lock queue waits
	LockWaitBuckets = []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}
)

// Registry / descriptor metrics
var (
	// OpenDescriptors tracks the number of live database descriptors
	OpenDescriptors Gauge = NoopStat{}

	// DescriptorRefs tracks total handle references across descriptors
	DescriptorRefs Gauge = NoopStat{}

	// OpensTotal counts Registry.Open calls by result (created, reused, mode_mismatch, error)
	OpensTotal CounterVec = noopCounterVec{}
)

// Transaction metrics
var (
	// TxnTotal counts transactions by result (committed, conflict, aborted, failed)
	TxnTotal CounterVec = noopCounterVec{}

	// TxnCommitSeconds measures end-to-end commit latency
	TxnCommitSeconds Histogram = NoopStat{}

	// TxnGetSeconds measures read latency by tier (cached, snapshot)
	TxnGetSeconds HistogramVec = noopHistogramVec{}

	// ConflictRetriesTotal counts engine transactions replaced after a busy status
	ConflictRetriesTotal Counter = NoopStat{}
)

// Lock manager metrics
var (
	// LockQueueDepth tracks the total number of queued lock callbacks
	LockQueueDepth Gauge = NoopStat{}

	// LockWaitSeconds measures time from enqueue to callback start
	LockWaitSeconds Histogram = NoopStat{}

	// LockReleasesTotal counts lock releases by cause (completed, unlock, owner_closed)
	LockReleasesTotal CounterVec = noopCounterVec{}
)

// Transaction log metrics
var (
	// LogBytesWrittenTotal counts payload bytes appended to log stores
	LogBytesWrittenTotal Counter = NoopStat{}

	// LogRotationsTotal counts segment rotations by cause (size, age)
	LogRotationsTotal CounterVec = noopCounterVec{}

	// LogSegmentsPurgedTotal counts segments deleted by purge
	LogSegmentsPurgedTotal Counter = NoopStat{}

	// LogFlushCheckpointsTotal counts persisted flush-tracker updates
	LogFlushCheckpointsTotal Counter = NoopStat{}

	// LogUncommittedPositions tracks pending commit positions across stores
	LogUncommittedPositions Gauge = NoopStat{}
)

// Engine metrics
var (
	// EngineConflictChecks counts conflict checks by path (fast_path, slow_path, slow_path_conflict)
	EngineConflictChecks CounterVec = noopCounterVec{}

	// EngineFlushesTotal counts engine flushes
	EngineFlushesTotal Counter = NoopStat{}

	// EngineFlushedSequence tracks the durability watermark
	EngineFlushedSequence Gauge = NoopStat{}
)

// Publisher metrics
var (
	// PublishedEntriesTotal counts entries shipped by sink type
	PublishedEntriesTotal CounterVec = noopCounterVec{}

	// PublishErrorsTotal counts sink publish failures by sink type
	PublishErrorsTotal CounterVec = noopCounterVec{}
)

// bindMetrics replaces the noop values with registered Prometheus metrics.
func bindMetrics() {
	OpenDescriptors = NewGauge("open_descriptors", "Number of live database descriptors")
	DescriptorRefs = NewGauge("descriptor_refs", "Total handle references across descriptors")
	OpensTotal = NewCounterVec("opens_total", "Registry open calls by result", []string{"result"})

	TxnTotal = NewCounterVec("txn_total", "Transactions by result", []string{"result"})
	TxnCommitSeconds = NewHistogram("txn_commit_seconds", "Commit latency", CommitBuckets)
	TxnGetSeconds = NewHistogramVec("txn_get_seconds", "Read latency by tier", []string{"tier"}, ReadBuckets)
	ConflictRetriesTotal = NewCounter("conflict_retries_total", "Engine transactions replaced after busy status")

	LockQueueDepth = NewGauge("lock_queue_depth", "Queued lock callbacks")
	LockWaitSeconds = NewHistogram("lock_wait_seconds", "Lock queue wait time", LockWaitBuckets)
	LockReleasesTotal = NewCounterVec("lock_releases_total", "Lock releases by cause", []string{"cause"})

	LogBytesWrittenTotal = NewCounter("log_bytes_written_total", "Payload bytes appended to log stores")
	LogRotationsTotal = NewCounterVec("log_rotations_total", "Segment rotations by cause", []string{"cause"})
	LogSegmentsPurgedTotal = NewCounter("log_segments_purged_total", "Segments deleted by purge")
	LogFlushCheckpointsTotal = NewCounter("log_flush_checkpoints_total", "Persisted flush tracker updates")
	LogUncommittedPositions = NewGauge("log_uncommitted_positions", "Pending commit positions across stores")

	EngineConflictChecks = NewCounterVec("engine_conflict_checks", "Conflict checks by path", []string{"path"})
	EngineFlushesTotal = NewCounter("engine_flushes_total", "Engine flushes")
	EngineFlushedSequence = NewGauge("engine_flushed_sequence", "Durability watermark sequence")

	PublishedEntriesTotal = NewCounterVec("published_entries_total", "Entries shipped by sink", []string{"sink"})
	PublishErrorsTotal = NewCounterVec("publish_errors_total", "Sink publish failures", []string{"sink"})
}
