// Package storage implements the storage writers that receive batches
// drained from the disk buffer.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	apperrors "github.com/jittakal/kafeventbuffer/internal/errors"
	"github.com/jittakal/kafeventbuffer/pkg/encoder"
	"github.com/jittakal/kafeventbuffer/pkg/event"
	"github.com/jittakal/kafeventbuffer/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Writer = (*Writer)(nil)

// MetricsCollector defines metrics operations for storage.
type MetricsCollector interface {
	IncFilesWritten(topic string, partition int32, format string, status string)
	ObserveFileSize(topic string, format string, size int64)
	ObserveFileWriteDuration(backend, format string, d time.Duration)
	IncStorageErrors(backend string, operation string)
}

// ObjectStore stores a finished file under a key. Implementations must
// make the object visible atomically: a failed Put leaves no partial
// object behind under key.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Backend() string
	Close() error
}

// Writer encodes record batches and hands the files to an ObjectStore.
type Writer struct {
	store   ObjectStore
	encoder encoder.Encoder
	logger  *slog.Logger
	metrics MetricsCollector
}

// NewWriter creates a storage writer.
func NewWriter(store ObjectStore, enc encoder.Encoder, logger *slog.Logger, metrics MetricsCollector) *Writer {
	logger.Info("storage writer created",
		"backend", store.Backend(),
		"format", enc.Format(),
	)
	return &Writer{
		store:   store,
		encoder: enc,
		logger:  logger,
		metrics: metrics,
	}
}

// Write encodes records as one file under path and stores it. The file
// name is derived from the offsets of the first and last record, so a
// batch redelivered after a crash replaces the earlier copy.
func (w *Writer) Write(ctx context.Context, records []event.Record, path string) (int64, error) {
	if len(records) == 0 {
		return 0, apperrors.ErrEmptyBatch
	}

	start := time.Now()
	backend := w.store.Backend()
	format := string(w.encoder.Format())
	key := ObjectKey(path) + FileName(records, w.encoder.FileExtension())

	var buf bytes.Buffer
	if err := w.encoder.Encode(&buf, records); err != nil {
		w.failed(records, backend, "encode")
		return 0, &apperrors.StorageError{Backend: backend, Operation: "encode", Path: key, Err: err}
	}
	size := int64(buf.Len())

	if err := w.store.Put(ctx, key, &buf, size, contentType(w.encoder.Format())); err != nil {
		w.failed(records, backend, "upload")
		return 0, &apperrors.StorageError{Backend: backend, Operation: "upload", Path: key, Err: err}
	}

	duration := time.Since(start)
	w.logger.Info("wrote records to storage",
		"backend", backend,
		"key", key,
		"record_count", len(records),
		"file_size", size,
		"format", format,
		"total_duration_ms", duration.Milliseconds(),
	)

	if w.metrics != nil {
		topic := records[0].Kafka.Topic
		w.metrics.IncFilesWritten(topic, records[0].Kafka.Partition, format, "success")
		w.metrics.ObserveFileSize(topic, format, size)
		w.metrics.ObserveFileWriteDuration(backend, format, duration)
	}
	return size, nil
}

func (w *Writer) failed(records []event.Record, backend, operation string) {
	if w.metrics == nil {
		return
	}
	w.metrics.IncStorageErrors(backend, operation)
	w.metrics.IncFilesWritten(records[0].Kafka.Topic, records[0].Kafka.Partition, string(w.encoder.Format()), "failure")
}

// Close closes the underlying store.
func (w *Writer) Close() error {
	w.logger.Info("closing storage writer", "backend", w.store.Backend())
	return w.store.Close()
}

// FileName returns events_<first offset>-<last offset><ext>.
func FileName(records []event.Record, ext string) string {
	return fmt.Sprintf("events_%020d-%020d%s",
		records[0].Kafka.Offset, records[len(records)-1].Kafka.Offset, ext)
}

// ObjectKey strips the protocol and bucket from a routed path, leaving
// the key prefix inside the bucket. A path without a protocol is
// returned unchanged apart from a leading slash.
func ObjectKey(path string) string {
	if i := strings.Index(path, "://"); i >= 0 {
		rest := path[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			path = rest[j+1:]
		} else {
			path = ""
		}
	}
	return strings.TrimPrefix(path, "/")
}

func contentType(format event.FileFormat) string {
	switch format {
	case event.FormatAvro:
		return "application/avro"
	default:
		return "application/octet-stream"
	}
}
