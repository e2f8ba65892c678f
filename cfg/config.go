package cfg

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EngineConfiguration controls the embedded Pebble engine shared by all
// open databases.
type EngineConfiguration struct {
	BlockCacheSizeMB     int64 `toml:"block_cache_size_mb"`
	MemTableSizeMB       int64 `toml:"mem_table_size_mb"`
	MemTableCount        int   `toml:"mem_table_count"`
	Parallelism          int   `toml:"parallelism"`
	ConflictWindowSize   int   `toml:"conflict_window_size"`
	L0CompactionThresh   int   `toml:"l0_compaction_threshold"`
	L0StopWritesThresh   int   `toml:"l0_stop_writes_threshold"`
	MaxConcurrentCompact int   `toml:"max_concurrent_compactions"`
}

// TxnLogConfiguration holds the rotation and retention defaults applied to
// transaction log stores that do not override them.
type TxnLogConfiguration struct {
	MaxSegmentSizeMB int     `toml:"max_segment_size_mb"`
	RetentionHours   int     `toml:"retention_hours"`
	MaxAgeThreshold  float64 `toml:"max_age_threshold"` // fraction of retention held in reserve; rotate at retention x (1 - threshold)
	CorrelationSlots int     `toml:"correlation_slots"`
	PurgeIntervalS   int     `toml:"purge_interval_seconds"`
}

// AsyncConfiguration bounds the worker pool and close-time drains.
type AsyncConfiguration struct {
	WorkerCount        int `toml:"worker_count"`
	DrainTimeoutMS     int `toml:"drain_timeout_ms"`
	CommitRetryLimit   int `toml:"commit_retry_limit"`
	CommitRetryPauseMS int `toml:"commit_retry_pause_ms"`
}

// SinkConfiguration describes one publisher sink.
type SinkConfiguration struct {
	Type         string   `toml:"type"` // "nats" or "kafka"
	NatsURL      string   `toml:"nats_url"`
	KafkaBrokers []string `toml:"kafka_brokers"`
	Topic        string   `toml:"topic"`
	StoreGlobs   []string `toml:"store_globs"`
}

// PublisherConfiguration controls log shipping to external sinks.
type PublisherConfiguration struct {
	Enabled        bool                `toml:"enabled"`
	PollIntervalMS int                 `toml:"poll_interval_ms"`
	Sinks          []SinkConfiguration `toml:"sinks"`
}

// AdminConfiguration for the diagnostics HTTP server.
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
}

// LoggingConfiguration controls logging behavior.
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics.
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the root of the TOML config file.
type Configuration struct {
	DataRoot string `toml:"data_root"`

	Engine     EngineConfiguration     `toml:"engine"`
	TxnLog     TxnLogConfiguration     `toml:"txnlog"`
	Async      AsyncConfiguration      `toml:"async"`
	Publisher  PublisherConfiguration  `toml:"publisher"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// ConfigPathFlag is bound by the daemon's flag.Parse.
var ConfigPathFlag = flag.String("config", "", "Path to TOML config file")

// Config holds the loaded configuration. Populated by Load; callers that
// embed the library construct a Configuration directly instead.
var Config = Default()

// Default returns the built-in configuration.
func Default() *Configuration {
	return &Configuration{
		DataRoot: "data",
		Engine: EngineConfiguration{
			BlockCacheSizeMB:     64,
			MemTableSizeMB:       32,
			MemTableCount:        2,
			Parallelism:          4,
			ConflictWindowSize:   1 << 16,
			L0CompactionThresh:   4,
			L0StopWritesThresh:   12,
			MaxConcurrentCompact: 3,
		},
		TxnLog: TxnLogConfiguration{
			MaxSegmentSizeMB: 16,
			RetentionHours:   72,
			MaxAgeThreshold:  0.25,
			CorrelationSlots: 64,
			PurgeIntervalS:   600,
		},
		Async: AsyncConfiguration{
			WorkerCount:        4,
			DrainTimeoutMS:     5000,
			CommitRetryLimit:   0, // retries surfaced to the caller unless configured
			CommitRetryPauseMS: 5,
		},
		Publisher: PublisherConfiguration{
			Enabled:        false,
			PollIntervalMS: 250,
		},
		Admin: AdminConfiguration{
			Enabled:     false,
			BindAddress: "127.0.0.1:9010",
		},
		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},
		Prometheus: PrometheusConfiguration{Enabled: false},
	}
}

// Load reads the TOML file at path (if non-empty) over the defaults and
// initializes logging.
func Load(path string) error {
	c := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}
	Config = c
	setupLogging(c.Logging)
	return nil
}

// Validate rejects configurations the runtime cannot honor.
func (c *Configuration) Validate() error {
	if c.Engine.BlockCacheSizeMB <= 0 {
		return fmt.Errorf("engine.block_cache_size_mb must be positive, got %d", c.Engine.BlockCacheSizeMB)
	}
	if c.TxnLog.MaxSegmentSizeMB <= 0 {
		return fmt.Errorf("txnlog.max_segment_size_mb must be positive, got %d", c.TxnLog.MaxSegmentSizeMB)
	}
	if c.TxnLog.MaxAgeThreshold < 0 || c.TxnLog.MaxAgeThreshold >= 1 {
		return fmt.Errorf("txnlog.max_age_threshold must be in [0,1), got %f", c.TxnLog.MaxAgeThreshold)
	}
	if c.TxnLog.CorrelationSlots < 1 {
		return fmt.Errorf("txnlog.correlation_slots must be at least 1, got %d", c.TxnLog.CorrelationSlots)
	}
	if c.Async.WorkerCount < 1 {
		return fmt.Errorf("async.worker_count must be at least 1, got %d", c.Async.WorkerCount)
	}
	for i, sink := range c.Publisher.Sinks {
		switch sink.Type {
		case "nats":
			if sink.NatsURL == "" {
				return fmt.Errorf("publisher.sinks[%d]: nats sink requires nats_url", i)
			}
		case "kafka":
			if len(sink.KafkaBrokers) == 0 {
				return fmt.Errorf("publisher.sinks[%d]: kafka sink requires kafka_brokers", i)
			}
		default:
			return fmt.Errorf("publisher.sinks[%d]: unknown sink type %q", i, sink.Type)
		}
	}
	return nil
}

func setupLogging(lc LoggingConfiguration) {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if lc.Format == "json" {
		writer = os.Stdout
	}

	gLog := zerolog.New(writer).With().Timestamp().Logger()
	if lc.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}
