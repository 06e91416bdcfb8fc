package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jittakal/kafeventbuffer/internal/codec"
	"github.com/jittakal/kafeventbuffer/internal/config"
	"github.com/jittakal/kafeventbuffer/internal/config/dto"
	"github.com/jittakal/kafeventbuffer/internal/diskbuffer"
	"github.com/jittakal/kafeventbuffer/internal/encoder"
	"github.com/jittakal/kafeventbuffer/internal/kafka"
	"github.com/jittakal/kafeventbuffer/internal/observability"
	"github.com/jittakal/kafeventbuffer/internal/pipeline"
	"github.com/jittakal/kafeventbuffer/internal/server"
	"github.com/jittakal/kafeventbuffer/internal/storage"
	"github.com/jittakal/kafeventbuffer/internal/validator"
	"github.com/jittakal/kafeventbuffer/pkg/event"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("application error: %v", err)
	}
}

func run() error {
	// Parse command-line flags
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	// Priority: CLI flag > CONFIG_PATH env var > default path
	var cfgPath string
	if *configPath != "" {
		cfgPath = *configPath
	} else if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		cfgPath = envPath
	} else {
		cfgPath = "config/application.yaml"
	}

	cfg, err := config.NewLoader().Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize observability
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Output: cfg.Observability.Logging.Output,
	})
	logger.Info("starting kafka event buffer",
		"version", cfg.Application.Version,
		"environment", cfg.Application.Environment,
	)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	tracing, err := observability.NewTracing(observability.TracingConfig{
		Enabled:        cfg.Observability.Tracing.Enabled,
		Exporter:       cfg.Observability.Tracing.Exporter,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SampleRate:     cfg.Observability.Tracing.SampleRate,
		ServiceName:    cfg.Application.Name,
		ServiceVersion: cfg.Application.Version,
		Environment:    cfg.Application.Environment,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Cleanup runs in reverse registration order.
	var cleanups []func()
	addCleanup := func(name string, fn func() error) {
		cleanups = append(cleanups, func() {
			if err := fn(); err != nil {
				logger.Error("cleanup failed", "component", name, "error", err)
			}
		})
		logger.Debug("registered cleanup", "component", name)
	}
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()
	addCleanup("tracing", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tracing.Shutdown(ctx)
	})

	// Open the disk buffer. Recovery errors stop startup.
	recordCodec, err := codec.New(cfg.Buffer.RecordCodec, cfg.Buffer.RecordCompression)
	if err != nil {
		return fmt.Errorf("failed to create record codec: %w", err)
	}
	bufferConfig := cfg.Buffer.DiskBufferConfig()
	buf, err := diskbuffer.Open(context.Background(), bufferConfig, recordCodec,
		observability.Component(logger, "diskbuffer"), metrics)
	if err != nil {
		return fmt.Errorf("failed to open disk buffer: %w", err)
	}
	addCleanup("disk-buffer", buf.Close)
	logger.Info("disk buffer opened",
		"data_dir", bufferConfig.DataDir,
		"buffered_records", buf.TotalRecords(),
		"buffered_bytes", buf.BufferSize(),
	)

	// Storage
	writer, err := newStorageWriter(context.Background(), cfg, logger, metrics)
	if err != nil {
		return err
	}
	addCleanup("storage-writer", writer.Close)

	router := storage.NewRouter(
		getStorageProtocol(cfg.Storage.Backend),
		getStorageBucket(cfg),
		getStorageBasePath(cfg),
		"v1",
	)
	policy := storage.NewCompositePolicy(storage.PolicyConfig{
		MaxBytes:   cfg.Sink.BatchMaxBytesMB << 20,
		MaxRecords: cfg.Sink.BatchMaxRecords,
		MaxAge:     time.Duration(cfg.Sink.BatchMaxAgeSeconds) * time.Second,
		Strategy:   cfg.Sink.Strategy,
	})

	// Kafka
	security := kafka.SecurityConfig{
		Protocol:              cfg.Kafka.SecurityProtocol,
		SASLMechanism:         cfg.Kafka.SASLMechanism,
		SASLUsername:          cfg.Kafka.SASLUsername,
		SASLPassword:          cfg.Kafka.SASLPassword,
		AWSRegion:             cfg.Kafka.AWSRegion,
		TLSInsecureSkipVerify: cfg.Kafka.TLSInsecureSkipVerify,
	}
	consumer, err := kafka.NewSaramaConsumer(kafka.ConsumerConfig{
		BootstrapServers:    cfg.Kafka.BootstrapServers,
		GroupID:             cfg.Kafka.Consumer.GroupID,
		Security:            security,
		AutoOffsetReset:     cfg.Kafka.Consumer.AutoOffsetReset,
		MaxPollIntervalMS:   cfg.Kafka.Consumer.MaxPollIntervalMS,
		SessionTimeoutMS:    cfg.Kafka.Consumer.SessionTimeoutMS,
		HeartbeatIntervalMS: cfg.Kafka.Consumer.HeartbeatIntervalMS,
		ChannelBufferSize:   cfg.Kafka.Consumer.ChannelBufferSize,
	}, observability.Component(logger, "kafka"), metrics)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	addCleanup("kafka-consumer", consumer.Close)

	dlq, err := kafka.NewDLQPublisher(
		cfg.Kafka.BootstrapServers,
		security,
		kafka.DLQConfig{Enabled: cfg.Kafka.DLQ.Enabled, TopicSuffix: cfg.Kafka.DLQ.TopicSuffix},
		observability.Component(logger, "dlq"),
		cfg.Application.Name,
	)
	if err != nil {
		return fmt.Errorf("failed to create DLQ publisher: %w", err)
	}
	addCleanup("dlq-publisher", dlq.Close)

	// HTTP servers
	checker := server.NewBufferChecker(buf, buf.Writer(), bufferConfig.MaxBufferSize,
		cfg.Observability.Health.BufferHighWatermark)
	httpServer := server.NewServer(server.Config{
		HealthAddr:    server.Addr(cfg.Observability.Health.Port),
		MetricsAddr:   server.Addr(cfg.Observability.Metrics.Port),
		LivenessPath:  cfg.Observability.Health.LivenessPath,
		ReadinessPath: cfg.Observability.Health.ReadinessPath,
		MetricsPath:   cfg.Observability.Metrics.Path,
	}, checker, registry, logger)
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	addCleanup("http-server", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctx)
	})

	// Pipeline
	ingester := pipeline.NewIngester(
		buf.Writer(),
		validator.NewCloudEventsValidator(validator.WithMaxDataSize(cfg.Kafka.Consumer.MaxDataSizeKB<<10)),
		dlq,
		observability.Component(logger, "ingest"),
		metrics,
		pipeline.IngestConfig{
			CommitInterval: time.Duration(cfg.Kafka.Consumer.CommitIntervalMS) * time.Millisecond,
			CommitBatch:    cfg.Kafka.Consumer.CommitBatch,
		},
	)
	drainer := pipeline.NewDrainer(
		buf.Reader(),
		buf.Acker(),
		writer,
		router,
		policy,
		dlq,
		tracing.Tracer("github.com/jittakal/kafeventbuffer/internal/pipeline"),
		observability.Component(logger, "drain"),
		metrics,
		pipeline.DrainConfig{
			Retry:           retryPolicy(cfg.Retry),
			Workers:         cfg.Sink.Workers,
			MaxBatchRecords: cfg.Sink.BatchMaxRecords,
		},
	)

	if err := consumer.Subscribe(context.Background(), cfg.Kafka.Consumer.Topics); err != nil {
		return fmt.Errorf("failed to subscribe to topics: %w", err)
	}

	ingestCtx, stopIngest := context.WithCancel(context.Background())
	defer stopIngest()
	drainCtx, stopDrain := context.WithCancel(context.Background())
	defer stopDrain()

	events, consumeErrs, err := consumer.Consume(ingestCtx)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	ingestDone := make(chan error, 1)
	go func() {
		checker.SetConsuming(true)
		defer checker.SetConsuming(false)
		ingestDone <- ingester.Run(ingestCtx, events, consumeErrs)
	}()

	drainDone := make(chan error, 1)
	go func() {
		checker.SetDraining(true)
		defer checker.SetDraining(false)
		drainDone <- drainer.Run(drainCtx)
	}()

	logger.Info("application started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("received termination signal", "signal", sig.String())
	case err := <-ingestDone:
		ingestDone = nil
		runErr = pipelineExit("ingest", err)
	case err := <-drainDone:
		drainDone = nil
		runErr = pipelineExit("drain", err)
	}

	logger.Info("initiating graceful shutdown")
	runErr = errors.Join(runErr, shutdown(shutdownState{
		cfg:        cfg,
		logger:     logger,
		buf:        buf,
		stopIngest: stopIngest,
		stopDrain:  stopDrain,
		ingestDone: ingestDone,
		drainDone:  drainDone,
	}))

	logger.Info("application stopped")
	return runErr
}

type shutdownState struct {
	cfg        *dto.ApplicationConfig
	logger     *slog.Logger
	buf        *diskbuffer.Buffer[event.Record]
	stopIngest context.CancelFunc
	stopDrain  context.CancelFunc
	ingestDone <-chan error
	drainDone  <-chan error
}

// shutdown stops ingest, closes the buffer writer and lets drain deliver
// what is buffered until the grace period runs out. Records still in the
// buffer are delivered after the next start.
func shutdown(s shutdownState) error {
	var errs []error

	s.stopIngest()
	if s.ingestDone != nil {
		if err := <-s.ingestDone; err != nil {
			errs = append(errs, fmt.Errorf("ingest: %w", err))
		}
	}

	if err := s.buf.Writer().Close(); err != nil {
		errs = append(errs, fmt.Errorf("close buffer writer: %w", err))
	}

	if s.drainDone != nil {
		grace := time.NewTimer(s.cfg.Shutdown.GracePeriod())
		defer grace.Stop()

		select {
		case err := <-s.drainDone:
			if err != nil {
				errs = append(errs, fmt.Errorf("drain: %w", err))
			}
		case <-grace.C:
			s.logger.Warn("grace period elapsed, leaving records in buffer",
				"buffered_records", s.buf.TotalRecords(),
				"buffered_bytes", s.buf.BufferSize(),
			)
			s.stopDrain()
			if err := <-s.drainDone; err != nil {
				errs = append(errs, fmt.Errorf("drain: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

func pipelineExit(stage string, err error) error {
	if err == nil {
		return fmt.Errorf("%s stopped unexpectedly", stage)
	}
	return fmt.Errorf("%s failed: %w", stage, err)
}

func retryPolicy(c dto.RetryConfig) pipeline.RetryPolicy {
	return pipeline.RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: time.Duration(c.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(c.MaxBackoffMS) * time.Millisecond,
		Multiplier:     c.BackoffMultiplier,
		Jitter:         c.Jitter,
	}
}

// newStorageWriter builds the object store for the configured backend and
// wraps it with the configured file encoder.
func newStorageWriter(ctx context.Context, cfg *dto.ApplicationConfig, logger *slog.Logger, metrics storage.MetricsCollector) (*storage.Writer, error) {
	format := event.FileFormat(cfg.Storage.Format)
	options := encoder.Options{}
	switch format {
	case event.FormatParquet:
		options.Compression = cfg.Parquet.Compression
		options.RowGroupSizeMB = cfg.Parquet.RowGroupSizeMB
		options.PageSizeKB = cfg.Parquet.PageSizeKB
	case event.FormatAvro:
		options.Compression = cfg.Avro.Codec
		options.BlockSize = cfg.Avro.BlockSize
	}
	enc, err := encoder.NewFactory(format, options).CreateEncoder()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	storeLogger := observability.Component(logger, "storage")
	var store storage.ObjectStore
	switch cfg.Storage.Backend {
	case "file":
		store, err = storage.NewFileStore(cfg.Storage.File.BasePath)
	case "s3":
		store, err = storage.NewS3Store(ctx, storage.S3Config{
			Bucket:       cfg.Storage.S3.Bucket,
			Region:       cfg.Storage.S3.Region,
			Endpoint:     cfg.Storage.S3.Endpoint,
			UsePathStyle: cfg.Storage.S3.UsePathStyle,
			SSEEnabled:   cfg.Storage.S3.SSEEnabled,
			SSEKMSKeyID:  cfg.Storage.S3.SSEKMSKeyID,
		}, storeLogger)
	case "azure":
		store, err = storage.NewAzureStore(storage.AzureConfig{
			AccountName:      cfg.Storage.Azure.AccountName,
			AccountKey:       os.Getenv("AZURE_STORAGE_ACCOUNT_KEY"),
			Container:        cfg.Storage.Azure.Container,
			ConnectionString: cfg.Storage.Azure.ConnectionString,
		}, storeLogger)
	case "gcs":
		credentialsJSON := cfg.Storage.GCS.CredentialsJSON
		if credentialsJSON == "" {
			credentialsJSON = os.Getenv("GCP_CREDENTIALS_JSON")
		}
		store, err = storage.NewGCSStore(ctx, storage.GCSConfig{
			Bucket:          cfg.Storage.GCS.Bucket,
			ProjectID:       cfg.Storage.GCS.ProjectID,
			CredentialsFile: cfg.Storage.GCS.CredentialsFile,
			CredentialsJSON: credentialsJSON,
			Endpoint:        cfg.Storage.GCS.Endpoint,
		}, storeLogger)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s (supported: file, s3, azure, gcs)", cfg.Storage.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s store: %w", cfg.Storage.Backend, err)
	}

	return storage.NewWriter(store, enc, storeLogger, metrics), nil
}

func getStorageProtocol(backend string) string {
	switch backend {
	case "s3":
		return "s3"
	case "azure":
		return "wasbs"
	case "gcs":
		return "gs"
	default:
		return "file"
	}
}

func getStorageBucket(cfg *dto.ApplicationConfig) string {
	switch cfg.Storage.Backend {
	case "s3":
		return cfg.Storage.S3.Bucket
	case "azure":
		return cfg.Storage.Azure.Container
	case "gcs":
		return cfg.Storage.GCS.Bucket
	default:
		return "" // the file store roots paths at its base path
	}
}

func getStorageBasePath(cfg *dto.ApplicationConfig) string {
	switch cfg.Storage.Backend {
	case "s3":
		return cfg.Storage.S3.BasePath
	case "azure":
		return cfg.Storage.Azure.BasePath
	case "gcs":
		return cfg.Storage.GCS.BasePath
	default:
		return ""
	}
}
