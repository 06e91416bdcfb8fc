package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jittakal/kafeventbuffer/internal/config/dto"
	"github.com/spf13/viper"
)

// Loader handles configuration loading and validation
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Load loads configuration from file and environment variables
func (l *Loader) Load(path string) (*dto.ApplicationConfig, error) {
	// Set defaults
	l.setDefaults()

	// Load from file if provided
	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Expand environment variables in config values
	// Only expand if the value contains ${...} pattern
	for _, key := range l.v.AllKeys() {
		value := l.v.GetString(key)
		if strings.Contains(value, "${") {
			l.v.Set(key, os.ExpandEnv(value))
		}
	}

	// Unmarshal configuration
	var config dto.ApplicationConfig
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := l.Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func (l *Loader) setDefaults() {
	// Application defaults
	l.v.SetDefault("application.name", "kafka-event-buffer")
	l.v.SetDefault("application.version", "1.0.0")
	l.v.SetDefault("application.environment", "development")

	// Kafka defaults
	l.v.SetDefault("kafka.security_protocol", "SASL_SSL")
	l.v.SetDefault("kafka.sasl_mechanism", "PLAIN")
	l.v.SetDefault("kafka.aws_region", "us-east-1")
	l.v.SetDefault("kafka.consumer.auto_offset_reset", "earliest")
	l.v.SetDefault("kafka.consumer.max_poll_interval_ms", 300000)
	l.v.SetDefault("kafka.consumer.session_timeout_ms", 30000)
	l.v.SetDefault("kafka.consumer.heartbeat_interval_ms", 10000)
	l.v.SetDefault("kafka.consumer.channel_buffer_size", 256)
	l.v.SetDefault("kafka.consumer.commit_interval_ms", 1000)
	l.v.SetDefault("kafka.consumer.commit_batch", 1000)
	l.v.SetDefault("kafka.consumer.max_data_size_kb", 0)
	l.v.SetDefault("kafka.dlq.enabled", true)
	l.v.SetDefault("kafka.dlq.topic_suffix", "-dlq")

	// Disk buffer defaults
	l.v.SetDefault("buffer.data_dir", "./data/buffer")
	l.v.SetDefault("buffer.max_size_mb", 256)
	l.v.SetDefault("buffer.max_data_file_size_mb", 128)
	l.v.SetDefault("buffer.max_record_size_kb", 0) // derived from the data file size
	l.v.SetDefault("buffer.flush_interval_ms", 500)
	l.v.SetDefault("buffer.when_full", "block")
	l.v.SetDefault("buffer.reclaim_lag_files", 1)
	l.v.SetDefault("buffer.rebuild_corrupt_ledger", false)
	l.v.SetDefault("buffer.record_codec", "avro")
	l.v.SetDefault("buffer.record_compression", "none")

	// Sink batching defaults
	l.v.SetDefault("sink.batch_max_records", 100000)
	l.v.SetDefault("sink.batch_max_bytes_mb", 128)
	l.v.SetDefault("sink.batch_max_age_seconds", 300)
	l.v.SetDefault("sink.strategy", "any")
	l.v.SetDefault("sink.workers", 4)

	// Storage defaults
	l.v.SetDefault("storage.backend", "file")
	l.v.SetDefault("storage.format", "parquet")
	l.v.SetDefault("storage.s3.use_path_style", false)
	l.v.SetDefault("storage.s3.sse_enabled", true)

	// Parquet defaults
	l.v.SetDefault("parquet.compression", "snappy")
	l.v.SetDefault("parquet.row_group_size_mb", 100)
	l.v.SetDefault("parquet.page_size_kb", 1024)

	// Avro defaults
	l.v.SetDefault("avro.codec", "snappy")
	l.v.SetDefault("avro.block_size", 1000)

	// Retry defaults
	l.v.SetDefault("retry.max_attempts", 5)
	l.v.SetDefault("retry.initial_backoff_ms", 100)
	l.v.SetDefault("retry.max_backoff_ms", 30000)
	l.v.SetDefault("retry.backoff_multiplier", 2.0)
	l.v.SetDefault("retry.jitter", true)

	// Observability defaults
	l.v.SetDefault("observability.logging.level", "info")
	l.v.SetDefault("observability.logging.format", "json")
	l.v.SetDefault("observability.logging.output", "stdout")
	l.v.SetDefault("observability.metrics.enabled", true)
	l.v.SetDefault("observability.metrics.port", 9090)
	l.v.SetDefault("observability.metrics.path", "/metrics")
	l.v.SetDefault("observability.tracing.enabled", false)
	l.v.SetDefault("observability.tracing.exporter", "stdout")
	l.v.SetDefault("observability.tracing.sample_rate", 0.1)
	l.v.SetDefault("observability.health.port", 8080)
	l.v.SetDefault("observability.health.liveness_path", "/health/live")
	l.v.SetDefault("observability.health.readiness_path", "/health/ready")
	l.v.SetDefault("observability.health.buffer_high_watermark", 0.9)

	// Shutdown defaults
	l.v.SetDefault("shutdown.grace_period_seconds", 30)
}

// Validate validates the configuration
func (l *Loader) Validate(config *dto.ApplicationConfig) error {
	// Kafka validation
	if len(config.Kafka.BootstrapServers) == 0 {
		return errors.New("kafka.bootstrap_servers is required")
	}
	if len(config.Kafka.Consumer.Topics) == 0 {
		return errors.New("kafka.consumer.topics is required")
	}
	if config.Kafka.Consumer.GroupID == "" {
		return errors.New("kafka.consumer.group_id is required")
	}

	// Buffer validation
	if err := config.Buffer.Validate(); err != nil {
		return fmt.Errorf("buffer: %w", err)
	}
	switch config.Buffer.RecordCodec {
	case "avro", "json":
	default:
		return fmt.Errorf("unsupported buffer.record_codec: %s", config.Buffer.RecordCodec)
	}
	switch config.Buffer.RecordCompression {
	case "none", "zstd":
	default:
		return fmt.Errorf("unsupported buffer.record_compression: %s", config.Buffer.RecordCompression)
	}

	// Storage validation
	var backendErr error
	switch config.Storage.Backend {
	case "s3":
		backendErr = config.Storage.S3.Validate()
	case "azure":
		backendErr = config.Storage.Azure.Validate()
	case "gcs":
		backendErr = config.Storage.GCS.Validate()
	case "file":
		backendErr = config.Storage.File.Validate()
	default:
		return fmt.Errorf("unsupported storage backend: %s", config.Storage.Backend)
	}
	if backendErr != nil {
		return fmt.Errorf("storage.%s: %w", config.Storage.Backend, backendErr)
	}

	// Format validation
	if config.Storage.Format != "parquet" && config.Storage.Format != "avro" {
		return fmt.Errorf("unsupported storage format: %s", config.Storage.Format)
	}

	// Sink batching validation
	if config.Sink.Strategy != "any" && config.Sink.Strategy != "all" {
		return fmt.Errorf("unsupported sink strategy: %s", config.Sink.Strategy)
	}
	if config.Sink.BatchMaxRecords <= 0 && config.Sink.BatchMaxBytesMB <= 0 && config.Sink.BatchMaxAgeSeconds <= 0 {
		return errors.New("sink requires at least one batch limit")
	}

	if config.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", config.Retry.MaxAttempts)
	}

	// Port validation
	if config.Observability.Metrics.Port < 1 || config.Observability.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", config.Observability.Metrics.Port)
	}
	if config.Observability.Health.Port < 1 || config.Observability.Health.Port > 65535 {
		return fmt.Errorf("invalid health port: %d", config.Observability.Health.Port)
	}

	return nil
}
