// Package dto holds the configuration structures decoded by the loader.
package dto

import (
	"fmt"
	"time"

	"github.com/jittakal/kafeventbuffer/internal/diskbuffer"
)

// ApplicationConfig is the root configuration structure
type ApplicationConfig struct {
	Application   ApplicationInfo     `mapstructure:"application"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Buffer        BufferConfig        `mapstructure:"buffer"`
	Sink          SinkConfig          `mapstructure:"sink"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Parquet       ParquetConfig       `mapstructure:"parquet"`
	Avro          AvroConfig          `mapstructure:"avro"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Shutdown      ShutdownConfig      `mapstructure:"shutdown"`
}

// ApplicationInfo contains application metadata
type ApplicationInfo struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// KafkaConfig contains Kafka-related configuration
type KafkaConfig struct {
	BootstrapServers      []string       `mapstructure:"bootstrap_servers"`
	SecurityProtocol      string         `mapstructure:"security_protocol"`
	SASLMechanism         string         `mapstructure:"sasl_mechanism"`
	SASLUsername          string         `mapstructure:"sasl_username"`
	SASLPassword          string         `mapstructure:"sasl_password"`
	AWSRegion             string         `mapstructure:"aws_region"`
	TLSInsecureSkipVerify bool           `mapstructure:"tls_insecure_skip_verify"`
	Consumer              ConsumerConfig `mapstructure:"consumer"`
	DLQ                   DLQConfig      `mapstructure:"dlq"`
}

// ConsumerConfig contains Kafka consumer configuration
type ConsumerConfig struct {
	GroupID             string   `mapstructure:"group_id"`
	Topics              []string `mapstructure:"topics"`
	AutoOffsetReset     string   `mapstructure:"auto_offset_reset"`
	MaxPollIntervalMS   int      `mapstructure:"max_poll_interval_ms"`
	SessionTimeoutMS    int      `mapstructure:"session_timeout_ms"`
	HeartbeatIntervalMS int      `mapstructure:"heartbeat_interval_ms"`
	ChannelBufferSize   int      `mapstructure:"channel_buffer_size"`

	// Offsets are committed every CommitIntervalMS or after CommitBatch
	// buffered events, whichever comes first.
	CommitIntervalMS int `mapstructure:"commit_interval_ms"`
	CommitBatch      int `mapstructure:"commit_batch"`

	// MaxDataSizeKB rejects events with larger data. Zero disables it.
	MaxDataSizeKB int `mapstructure:"max_data_size_kb"`
}

// DLQConfig contains dead letter queue configuration
type DLQConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	TopicSuffix string `mapstructure:"topic_suffix"`
}

// BufferConfig configures the on-disk buffer between Kafka and storage.
type BufferConfig struct {
	DataDir              string `mapstructure:"data_dir"`
	MaxSizeMB            int64  `mapstructure:"max_size_mb"`
	MaxDataFileSizeMB    int64  `mapstructure:"max_data_file_size_mb"`
	MaxRecordSizeKB      int64  `mapstructure:"max_record_size_kb"`
	FlushIntervalMS      int    `mapstructure:"flush_interval_ms"`
	WhenFull             string `mapstructure:"when_full"`
	ReclaimLagFiles      int    `mapstructure:"reclaim_lag_files"`
	RebuildCorruptLedger bool   `mapstructure:"rebuild_corrupt_ledger"`
	RecordCodec          string `mapstructure:"record_codec"`
	RecordCompression    string `mapstructure:"record_compression"`
}

// DiskBufferConfig converts the section into the buffer's own config.
func (c BufferConfig) DiskBufferConfig() diskbuffer.Config {
	return diskbuffer.Config{
		DataDir:              c.DataDir,
		MaxBufferSize:        uint64(c.MaxSizeMB) << 20,
		MaxDataFileSize:      uint64(c.MaxDataFileSizeMB) << 20,
		MaxRecordSize:        uint64(c.MaxRecordSizeKB) << 10,
		FlushInterval:        time.Duration(c.FlushIntervalMS) * time.Millisecond,
		WhenFull:             diskbuffer.WhenFull(c.WhenFull),
		ReclaimLagFiles:      c.ReclaimLagFiles,
		RebuildCorruptLedger: c.RebuildCorruptLedger,
	}
}

// SinkConfig bounds the batches drained from the buffer into one storage
// file. Strategy "any" closes a batch when any limit is reached, "all"
// when every limit is.
type SinkConfig struct {
	BatchMaxRecords    int    `mapstructure:"batch_max_records"`
	BatchMaxBytesMB    int64  `mapstructure:"batch_max_bytes_mb"`
	BatchMaxAgeSeconds int    `mapstructure:"batch_max_age_seconds"`
	Strategy           string `mapstructure:"strategy"`
	Workers            int    `mapstructure:"workers"`
}

// StorageConfig contains storage backend configuration
type StorageConfig struct {
	Backend      string      `mapstructure:"backend"`
	Format       string      `mapstructure:"format"`
	PathTemplate string      `mapstructure:"path_template"`
	S3           S3Config    `mapstructure:"s3"`
	Azure        AzureConfig `mapstructure:"azure"`
	GCS          GCSConfig   `mapstructure:"gcs"`
	File         FileConfig  `mapstructure:"file"`
}

// S3Config contains AWS S3 configuration
type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	BasePath     string `mapstructure:"base_path"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	SSEEnabled   bool   `mapstructure:"sse_enabled"`
	SSEKMSKeyID  string `mapstructure:"sse_kms_key_id"`
}

// AzureConfig contains Azure Blob Storage configuration
type AzureConfig struct {
	AccountName        string `mapstructure:"account_name"`
	Container          string `mapstructure:"container"`
	BasePath           string `mapstructure:"base_path"`
	ConnectionString   string `mapstructure:"connection_string"`
	UseManagedIdentity bool   `mapstructure:"use_managed_identity"`
}

// GCSConfig contains Google Cloud Storage configuration
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	ProjectID       string `mapstructure:"project_id"`
	BasePath        string `mapstructure:"base_path"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`
	Endpoint        string `mapstructure:"endpoint"`
}

// FileConfig contains local filesystem configuration
type FileConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// ParquetConfig contains Parquet format settings
type ParquetConfig struct {
	Compression    string `mapstructure:"compression"`
	RowGroupSizeMB int    `mapstructure:"row_group_size_mb"`
	PageSizeKB     int    `mapstructure:"page_size_kb"`
}

// AvroConfig contains Avro format settings
type AvroConfig struct {
	Codec     string `mapstructure:"codec"`
	BlockSize int    `mapstructure:"block_size"`
}

// RetryConfig controls retries of storage writes.
type RetryConfig struct {
	MaxAttempts       int     `mapstructure:"max_attempts"`
	InitialBackoffMS  int     `mapstructure:"initial_backoff_ms"`
	MaxBackoffMS      int     `mapstructure:"max_backoff_ms"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
	Jitter            bool    `mapstructure:"jitter"`
}

// ObservabilityConfig contains observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Health  HealthConfig  `mapstructure:"health"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// TracingConfig contains tracing settings. Exporter is "stdout" or
// "zipkin"; Endpoint is the zipkin collector URL.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Exporter   string  `mapstructure:"exporter"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// HealthConfig contains health check settings
type HealthConfig struct {
	Port          int    `mapstructure:"port"`
	LivenessPath  string `mapstructure:"liveness_path"`
	ReadinessPath string `mapstructure:"readiness_path"`

	// BufferHighWatermark is the buffer usage fraction above which the
	// process reports not ready.
	BufferHighWatermark float64 `mapstructure:"buffer_high_watermark"`
}

// ShutdownConfig contains shutdown settings
type ShutdownConfig struct {
	GracePeriodSeconds int `mapstructure:"grace_period_seconds"`
}

// GracePeriod returns the time allowed for draining on shutdown.
func (c ShutdownConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if c.Application.Name == "" {
		return fmt.Errorf("application name is required")
	}
	if len(c.Kafka.BootstrapServers) == 0 {
		return fmt.Errorf("kafka bootstrap servers are required")
	}
	if c.Kafka.Consumer.GroupID == "" {
		return fmt.Errorf("kafka consumer group ID is required")
	}
	if c.Storage.Backend == "" {
		return fmt.Errorf("storage backend is required")
	}
	return c.Buffer.Validate()
}

// Validate validates the buffer section.
func (c *BufferConfig) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("buffer data dir is required")
	}
	switch diskbuffer.WhenFull(c.WhenFull) {
	case diskbuffer.WhenFullBlock, diskbuffer.WhenFullDropNewest:
	default:
		return fmt.Errorf("unsupported buffer when_full policy: %s", c.WhenFull)
	}
	if c.MaxSizeMB < 0 || c.MaxDataFileSizeMB < 0 || c.MaxRecordSizeKB < 0 {
		return fmt.Errorf("buffer sizes must not be negative")
	}
	if c.MaxSizeMB > 0 && c.MaxDataFileSizeMB > c.MaxSizeMB {
		return fmt.Errorf("buffer max_data_file_size_mb %d exceeds max_size_mb %d",
			c.MaxDataFileSizeMB, c.MaxSizeMB)
	}
	return nil
}

// Validate validates S3 configuration.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3 bucket is required")
	}
	if c.Region == "" {
		return fmt.Errorf("s3 region is required")
	}
	return nil
}

// Validate validates Azure configuration.
func (c *AzureConfig) Validate() error {
	if c.AccountName == "" && c.ConnectionString == "" {
		return fmt.Errorf("azure account name is required")
	}
	if c.Container == "" {
		return fmt.Errorf("azure container is required")
	}
	return nil
}

// Validate validates GCS configuration.
func (c *GCSConfig) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("gcs bucket is required")
	}
	return nil
}

// Validate validates file configuration.
func (c *FileConfig) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("file base path is required")
	}
	return nil
}
