package dto

import (
	"testing"
	"time"

	"github.com/jittakal/kafeventbuffer/internal/diskbuffer"
)

func validConfig() ApplicationConfig {
	return ApplicationConfig{
		Application: ApplicationInfo{Name: "kafka-event-buffer"},
		Kafka: KafkaConfig{
			BootstrapServers: []string{"localhost:9092"},
			Consumer:         ConsumerConfig{GroupID: "g", Topics: []string{"t"}},
		},
		Buffer:  BufferConfig{DataDir: "/var/lib/buffer", WhenFull: "block"},
		Storage: StorageConfig{Backend: "file"},
	}
}

func TestApplicationConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ApplicationConfig)
		wantErr bool
	}{
		{name: "valid", mutate: func(*ApplicationConfig) {}},
		{name: "missing name", mutate: func(c *ApplicationConfig) { c.Application.Name = "" }, wantErr: true},
		{name: "missing brokers", mutate: func(c *ApplicationConfig) { c.Kafka.BootstrapServers = nil }, wantErr: true},
		{name: "missing group", mutate: func(c *ApplicationConfig) { c.Kafka.Consumer.GroupID = "" }, wantErr: true},
		{name: "missing backend", mutate: func(c *ApplicationConfig) { c.Storage.Backend = "" }, wantErr: true},
		{name: "missing data dir", mutate: func(c *ApplicationConfig) { c.Buffer.DataDir = "" }, wantErr: true},
		{name: "bad when_full", mutate: func(c *ApplicationConfig) { c.Buffer.WhenFull = "drop_oldest" }, wantErr: true},
		{name: "negative size", mutate: func(c *ApplicationConfig) { c.Buffer.MaxSizeMB = -1 }, wantErr: true},
		{
			name: "data file larger than buffer",
			mutate: func(c *ApplicationConfig) {
				c.Buffer.MaxSizeMB = 64
				c.Buffer.MaxDataFileSizeMB = 128
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBufferConfig_DiskBufferConfig(t *testing.T) {
	c := BufferConfig{
		DataDir:              "/data",
		MaxSizeMB:            256,
		MaxDataFileSizeMB:    128,
		MaxRecordSizeKB:      512,
		FlushIntervalMS:      250,
		WhenFull:             "drop_newest",
		ReclaimLagFiles:      2,
		RebuildCorruptLedger: true,
	}
	got := c.DiskBufferConfig()
	want := diskbuffer.Config{
		DataDir:              "/data",
		MaxBufferSize:        256 << 20,
		MaxDataFileSize:      128 << 20,
		MaxRecordSize:        512 << 10,
		FlushInterval:        250 * time.Millisecond,
		WhenFull:             diskbuffer.WhenFullDropNewest,
		ReclaimLagFiles:      2,
		RebuildCorruptLedger: true,
	}
	if got != want {
		t.Errorf("DiskBufferConfig() = %+v, want %+v", got, want)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("converted config Validate() error = %v", err)
	}
}

func TestBackendValidate(t *testing.T) {
	tests := []struct {
		name    string
		v       interface{ Validate() error }
		wantErr bool
	}{
		{"s3 ok", &S3Config{Bucket: "b", Region: "us-east-1"}, false},
		{"s3 no region", &S3Config{Bucket: "b"}, true},
		{"azure ok", &AzureConfig{AccountName: "acct", Container: "c"}, false},
		{"azure connection string", &AzureConfig{ConnectionString: "UseDevelopmentStorage=true", Container: "c"}, false},
		{"azure no container", &AzureConfig{AccountName: "acct"}, true},
		{"gcs ok", &GCSConfig{Bucket: "b"}, false},
		{"gcs no bucket", &GCSConfig{}, true},
		{"file ok", &FileConfig{BasePath: "/tmp"}, false},
		{"file no path", &FileConfig{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.v.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestShutdownConfig_GracePeriod(t *testing.T) {
	c := ShutdownConfig{GracePeriodSeconds: 30}
	if got := c.GracePeriod(); got != 30*time.Second {
		t.Errorf("GracePeriod() = %v, want 30s", got)
	}
}
