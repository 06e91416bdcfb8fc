package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jittakal/kafeventbuffer/internal/diskbuffer"
)

var _ diskbuffer.MetricsCollector = (*Metrics)(nil)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Consumer metrics
	MessagesConsumed   *prometheus.CounterVec
	OffsetCommits      *prometheus.CounterVec
	Rebalances         *prometheus.CounterVec
	RebalanceDuration  *prometheus.HistogramVec
	PartitionsAssigned *prometheus.GaugeVec
	CommitLatency      *prometheus.HistogramVec

	// Pipeline metrics
	EventsIngested   *prometheus.CounterVec
	BatchesDelivered *prometheus.CounterVec
	BatchRecords     *prometheus.HistogramVec
	DeliveryDuration *prometheus.HistogramVec
	DeliveryRetries  *prometheus.CounterVec
	DLQPublished     *prometheus.CounterVec

	// Disk buffer metrics
	BufferUsageBytes     prometheus.Gauge
	BufferUsageRecords   prometheus.Gauge
	BufferRecordsWritten prometheus.Counter
	BufferBytesWritten   prometheus.Counter
	BufferRecordsRead    prometheus.Counter
	BufferRecordsAcked   prometheus.Counter
	BufferDropped        *prometheus.CounterVec
	BufferCorruptFrames  *prometheus.CounterVec
	BufferFilesDeleted   prometheus.Counter
	BufferFlushDuration  prometheus.Histogram
	BufferBlocked        prometheus.Histogram

	// Storage metrics
	FilesWritten      *prometheus.CounterVec
	FileWriteDuration *prometheus.HistogramVec
	FileSize          *prometheus.HistogramVec
	StorageErrors     *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		// Consumer metrics
		MessagesConsumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_messages_consumed_total",
				Help: "Total number of messages consumed from Kafka",
			},
			[]string{"topic", "partition"},
		),
		OffsetCommits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_offset_commit_total",
				Help: "Total number of offsets marked for commit",
			},
			[]string{"topic", "partition", "status"},
		),
		Rebalances: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_rebalance_total",
				Help: "Total number of consumer group rebalances",
			},
			[]string{"group"},
		),
		RebalanceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kafka_rebalance_duration_seconds",
				Help:    "Duration of consumer group sessions",
				Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"group"},
		),
		PartitionsAssigned: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kafka_partitions_assigned",
				Help: "Number of partitions currently assigned to this consumer",
			},
			[]string{"topic"},
		),
		CommitLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kafka_commit_latency_seconds",
				Help:    "Time from consuming a message to marking its offset",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
			},
			[]string{"topic"},
		),

		// Pipeline metrics
		EventsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_events_ingested_total",
				Help: "Events handled by ingest, by outcome",
			},
			[]string{"topic", "status"},
		),
		BatchesDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_batches_delivered_total",
				Help: "Batches drained from the buffer, by outcome",
			},
			[]string{"topic", "status"},
		),
		BatchRecords: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_batch_records",
				Help:    "Records per delivered batch",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
			[]string{"topic"},
		),
		DeliveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_delivery_duration_seconds",
				Help:    "Duration of batch delivery including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		DeliveryRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_delivery_retries_total",
				Help: "Storage write attempts that were retried",
			},
			[]string{"topic"},
		),
		DLQPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_dlq_published_total",
				Help: "Events published to the dead letter queue",
			},
			[]string{"topic", "reason"},
		),

		// Disk buffer metrics
		BufferUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "buffer_usage_bytes",
			Help: "Bytes of unacknowledged records on disk",
		}),
		BufferUsageRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "buffer_usage_records",
			Help: "Number of unacknowledged records on disk",
		}),
		BufferRecordsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "buffer_records_written_total",
			Help: "Records appended to the disk buffer",
		}),
		BufferBytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "buffer_bytes_written_total",
			Help: "Framed bytes appended to the disk buffer",
		}),
		BufferRecordsRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "buffer_records_read_total",
			Help: "Records delivered by the buffer reader",
		}),
		BufferRecordsAcked: factory.NewCounter(prometheus.CounterOpts{
			Name: "buffer_records_acked_total",
			Help: "Records acknowledged by the consumer",
		}),
		BufferDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buffer_records_dropped_total",
				Help: "Records discarded by the buffer writer",
			},
			[]string{"reason"},
		),
		BufferCorruptFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buffer_corrupt_frames_total",
				Help: "Frames skipped by the reader",
			},
			[]string{"reason"},
		),
		BufferFilesDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "buffer_data_files_deleted_total",
			Help: "Fully acknowledged data files removed",
		}),
		BufferFlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "buffer_flush_duration_seconds",
			Help:    "Duration of data file and ledger syncs",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1.0},
		}),
		BufferBlocked: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "buffer_write_blocked_seconds",
			Help:    "Time writers spent waiting for buffer space",
			Buckets: prometheus.DefBuckets,
		}),

		// Storage metrics
		FilesWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "files_written_total",
				Help: "Total number of files written to storage",
			},
			[]string{"topic", "partition", "format", "status"},
		),
		FileWriteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "file_write_duration_seconds",
				Help:    "Duration of file encode and upload",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "format"},
		),
		FileSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "file_size_bytes",
				Help:    "Size of files written to storage",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to 256MB
			},
			[]string{"topic", "format"},
		),
		StorageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_errors_total",
				Help: "Total number of storage errors",
			},
			[]string{"backend", "error_type"},
		),
	}
}

// IncMessagesConsumed increments messages consumed counter.
func (m *Metrics) IncMessagesConsumed(topic string, partition int32) {
	m.MessagesConsumed.WithLabelValues(topic, strconv.Itoa(int(partition))).Inc()
}

// IncRebalances increments rebalances counter.
func (m *Metrics) IncRebalances(groupID string) {
	m.Rebalances.WithLabelValues(groupID).Inc()
}

// IncOffsetCommits increments offset commits counter.
func (m *Metrics) IncOffsetCommits(topic string, partition int32, status string) {
	m.OffsetCommits.WithLabelValues(topic, strconv.Itoa(int(partition)), status).Inc()
}

// ObserveRebalanceDuration observes rebalance duration.
func (m *Metrics) ObserveRebalanceDuration(groupID string, duration float64) {
	m.RebalanceDuration.WithLabelValues(groupID).Observe(duration)
}

// SetPartitionsAssigned sets partitions assigned gauge.
func (m *Metrics) SetPartitionsAssigned(topic string, count float64) {
	m.PartitionsAssigned.WithLabelValues(topic).Set(count)
}

// ObserveCommitLatency observes the delay between consuming and committing.
func (m *Metrics) ObserveCommitLatency(topic string, d time.Duration) {
	m.CommitLatency.WithLabelValues(topic).Observe(d.Seconds())
}

// IncEventsIngested counts an ingested event by outcome: buffered,
// invalid or dropped.
func (m *Metrics) IncEventsIngested(topic, status string) {
	m.EventsIngested.WithLabelValues(topic, status).Inc()
}

// ObserveBatchDelivery records one drained batch.
func (m *Metrics) ObserveBatchDelivery(topic string, records int, d time.Duration, status string) {
	m.BatchesDelivered.WithLabelValues(topic, status).Inc()
	m.BatchRecords.WithLabelValues(topic).Observe(float64(records))
	m.DeliveryDuration.WithLabelValues(topic).Observe(d.Seconds())
}

// IncDeliveryRetries counts a retried storage write.
func (m *Metrics) IncDeliveryRetries(topic string) {
	m.DeliveryRetries.WithLabelValues(topic).Inc()
}

// IncDLQPublished counts an event sent to the dead letter queue.
func (m *Metrics) IncDLQPublished(topic, reason string) {
	m.DLQPublished.WithLabelValues(topic, reason).Inc()
}

func (m *Metrics) RecordBufferWrite(bytes int) {
	m.BufferRecordsWritten.Inc()
	m.BufferBytesWritten.Add(float64(bytes))
}

func (m *Metrics) RecordBufferRead() {
	m.BufferRecordsRead.Inc()
}

func (m *Metrics) RecordBufferAck(records int) {
	m.BufferRecordsAcked.Add(float64(records))
}

func (m *Metrics) RecordBufferDrop(reason string) {
	m.BufferDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordBufferCorruption(reason string) {
	m.BufferCorruptFrames.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordBufferFileDeleted() {
	m.BufferFilesDeleted.Inc()
}

func (m *Metrics) RecordBufferFlush(d time.Duration) {
	m.BufferFlushDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordBufferBlocked(d time.Duration) {
	m.BufferBlocked.Observe(d.Seconds())
}

// UpdateBufferUsage sets the buffer usage gauges.
func (m *Metrics) UpdateBufferUsage(bytes, records uint64) {
	m.BufferUsageBytes.Set(float64(bytes))
	m.BufferUsageRecords.Set(float64(records))
}

// IncFilesWritten increments files written counter.
func (m *Metrics) IncFilesWritten(topic string, partition int32, format string, status string) {
	m.FilesWritten.WithLabelValues(topic, strconv.Itoa(int(partition)), format, status).Inc()
}

// ObserveFileSize observes file size.
func (m *Metrics) ObserveFileSize(topic string, format string, size int64) {
	m.FileSize.WithLabelValues(topic, format).Observe(float64(size))
}

// ObserveFileWriteDuration observes the time to encode and upload a file.
func (m *Metrics) ObserveFileWriteDuration(backend, format string, d time.Duration) {
	m.FileWriteDuration.WithLabelValues(backend, format).Observe(d.Seconds())
}

// IncStorageErrors increments storage errors counter.
func (m *Metrics) IncStorageErrors(backend string, operation string) {
	m.StorageErrors.WithLabelValues(backend, operation).Inc()
}
