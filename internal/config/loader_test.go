package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jittakal/kafeventbuffer/internal/config/dto"
)

const minimalYAML = `
application:
  name: test-app
  version: 1.0.0

kafka:
  bootstrap_servers:
    - localhost:9092
  consumer:
    group_id: test-group
    topics:
      - test-topic

buffer:
  data_dir: %s
  when_full: drop_newest
  record_compression: zstd

storage:
  backend: file
  format: parquet
  file:
    base_path: /tmp/test
`

func fmtYAML(dataDir string) string {
	return fmt.Sprintf(minimalYAML, dataDir)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test config file: %v", err)
	}
	return path
}

func TestNewLoader(t *testing.T) {
	loader := NewLoader()
	if loader == nil || loader.v == nil {
		t.Fatal("expected non-nil loader with viper instance")
	}
}

func TestLoader_LoadWithValidConfig(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfig(t, fmtYAML(dataDir))

	config, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if config.Application.Name != "test-app" {
		t.Errorf("Application.Name = %s, want test-app", config.Application.Name)
	}
	if config.Kafka.Consumer.GroupID != "test-group" {
		t.Errorf("Kafka.Consumer.GroupID = %s, want test-group", config.Kafka.Consumer.GroupID)
	}
	if config.Buffer.DataDir != dataDir {
		t.Errorf("Buffer.DataDir = %s, want %s", config.Buffer.DataDir, dataDir)
	}
	if config.Buffer.WhenFull != "drop_newest" {
		t.Errorf("Buffer.WhenFull = %s, want drop_newest", config.Buffer.WhenFull)
	}
	if config.Buffer.RecordCompression != "zstd" {
		t.Errorf("Buffer.RecordCompression = %s, want zstd", config.Buffer.RecordCompression)
	}

	// Defaults fill everything the file leaves out.
	if config.Buffer.MaxSizeMB != 256 {
		t.Errorf("Buffer.MaxSizeMB = %d, want 256", config.Buffer.MaxSizeMB)
	}
	if config.Buffer.FlushIntervalMS != 500 {
		t.Errorf("Buffer.FlushIntervalMS = %d, want 500", config.Buffer.FlushIntervalMS)
	}
	if config.Sink.Strategy != "any" {
		t.Errorf("Sink.Strategy = %s, want any", config.Sink.Strategy)
	}
	if config.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want 5", config.Retry.MaxAttempts)
	}
}

func TestLoader_EnvOverride(t *testing.T) {
	path := writeConfig(t, fmtYAML(t.TempDir()))
	t.Setenv("APP_BUFFER_MAX_SIZE_MB", "512")
	t.Setenv("APP_SINK_BATCH_MAX_RECORDS", "42")

	config, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if config.Buffer.MaxSizeMB != 512 {
		t.Errorf("Buffer.MaxSizeMB = %d, want 512", config.Buffer.MaxSizeMB)
	}
	if config.Sink.BatchMaxRecords != 42 {
		t.Errorf("Sink.BatchMaxRecords = %d, want 42", config.Sink.BatchMaxRecords)
	}
}

func TestLoader_ExpandsEnvReferences(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("TEST_BUFFER_DIR", dataDir)
	path := writeConfig(t, fmtYAML("${TEST_BUFFER_DIR}"))

	config, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if config.Buffer.DataDir != dataDir {
		t.Errorf("Buffer.DataDir = %s, want %s", config.Buffer.DataDir, dataDir)
	}
}

func TestLoader_LoadWithMissingFile(t *testing.T) {
	// Defaults alone do not name brokers or topics.
	if _, err := NewLoader().Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Load() error = nil, want validation error")
	}
}

func validConfig() *dto.ApplicationConfig {
	return &dto.ApplicationConfig{
		Kafka: dto.KafkaConfig{
			BootstrapServers: []string{"localhost:9092"},
			Consumer: dto.ConsumerConfig{
				GroupID: "test-group",
				Topics:  []string{"test-topic"},
			},
		},
		Buffer: dto.BufferConfig{
			DataDir:           "/tmp/buffer",
			WhenFull:          "block",
			RecordCodec:       "avro",
			RecordCompression: "none",
		},
		Sink: dto.SinkConfig{
			BatchMaxRecords: 1000,
			Strategy:        "any",
		},
		Storage: dto.StorageConfig{
			Backend: "file",
			Format:  "parquet",
			File:    dto.FileConfig{BasePath: "/tmp/test"},
		},
		Retry: dto.RetryConfig{MaxAttempts: 3},
		Observability: dto.ObservabilityConfig{
			Metrics: dto.MetricsConfig{Port: 9090},
			Health:  dto.HealthConfig{Port: 8080},
		},
	}
}

func TestLoader_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*dto.ApplicationConfig)
		wantErr bool
	}{
		{name: "valid file backend config", mutate: func(*dto.ApplicationConfig) {}},
		{name: "missing bootstrap servers", mutate: func(c *dto.ApplicationConfig) { c.Kafka.BootstrapServers = nil }, wantErr: true},
		{name: "missing consumer topics", mutate: func(c *dto.ApplicationConfig) { c.Kafka.Consumer.Topics = nil }, wantErr: true},
		{name: "missing consumer group id", mutate: func(c *dto.ApplicationConfig) { c.Kafka.Consumer.GroupID = "" }, wantErr: true},
		{name: "missing buffer dir", mutate: func(c *dto.ApplicationConfig) { c.Buffer.DataDir = "" }, wantErr: true},
		{name: "unsupported when_full", mutate: func(c *dto.ApplicationConfig) { c.Buffer.WhenFull = "overflow" }, wantErr: true},
		{name: "unsupported record codec", mutate: func(c *dto.ApplicationConfig) { c.Buffer.RecordCodec = "protobuf" }, wantErr: true},
		{name: "unsupported record compression", mutate: func(c *dto.ApplicationConfig) { c.Buffer.RecordCompression = "lz4" }, wantErr: true},
		{
			name: "s3 backend missing bucket",
			mutate: func(c *dto.ApplicationConfig) {
				c.Storage.Backend = "s3"
				c.Storage.S3 = dto.S3Config{Region: "us-east-1"}
			},
			wantErr: true,
		},
		{
			name: "azure backend missing account name",
			mutate: func(c *dto.ApplicationConfig) {
				c.Storage.Backend = "azure"
				c.Storage.Azure = dto.AzureConfig{Container: "test-container"}
			},
			wantErr: true,
		},
		{
			name: "gcs backend",
			mutate: func(c *dto.ApplicationConfig) {
				c.Storage.Backend = "gcs"
				c.Storage.GCS = dto.GCSConfig{Bucket: "events"}
			},
		},
		{name: "unsupported storage backend", mutate: func(c *dto.ApplicationConfig) { c.Storage.Backend = "ftp" }, wantErr: true},
		{name: "unsupported storage format", mutate: func(c *dto.ApplicationConfig) { c.Storage.Format = "csv" }, wantErr: true},
		{name: "unsupported sink strategy", mutate: func(c *dto.ApplicationConfig) { c.Sink.Strategy = "some" }, wantErr: true},
		{name: "no batch limits", mutate: func(c *dto.ApplicationConfig) { c.Sink.BatchMaxRecords = 0 }, wantErr: true},
		{name: "zero retry attempts", mutate: func(c *dto.ApplicationConfig) { c.Retry.MaxAttempts = 0 }, wantErr: true},
		{name: "invalid metrics port", mutate: func(c *dto.ApplicationConfig) { c.Observability.Metrics.Port = 70000 }, wantErr: true},
		{name: "invalid health port", mutate: func(c *dto.ApplicationConfig) { c.Observability.Health.Port = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := NewLoader().Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoader_setDefaults(t *testing.T) {
	loader := NewLoader()
	loader.setDefaults()

	tests := map[string]string{
		"application.name":               "kafka-event-buffer",
		"buffer.when_full":               "block",
		"buffer.record_codec":            "avro",
		"storage.backend":                "file",
		"storage.format":                 "parquet",
		"sink.strategy":                  "any",
		"observability.tracing.exporter": "stdout",
	}
	for key, want := range tests {
		if got := loader.v.GetString(key); got != want {
			t.Errorf("default %s = %q, want %q", key, got, want)
		}
	}
}
