// Package pipeline moves events from Kafka into the disk buffer (ingest)
// and from the disk buffer into storage files (drain).
//
// Ingest commits a Kafka offset only after the record is durable in the
// buffer, and drain acknowledges a record to the buffer only after it is
// durable in storage or the dead letter queue. Together they give
// at-least-once delivery from Kafka to storage across crashes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jittakal/kafeventbuffer/internal/diskbuffer"
	apperrors "github.com/jittakal/kafeventbuffer/internal/errors"
	"github.com/jittakal/kafeventbuffer/pkg/consumer"
	"github.com/jittakal/kafeventbuffer/pkg/event"
)

// Ingest statuses reported to metrics.
const (
	statusBuffered = "buffered"
	statusDropped  = "dropped"
	statusInvalid  = "invalid"
	statusRejected = "rejected"
)

// RecordWriter appends records to the disk buffer.
// *diskbuffer.Writer[event.Record] implements it.
type RecordWriter interface {
	WriteRecord(ctx context.Context, rec event.Record) error
	Flush() error
}

// IngestMetrics defines metrics operations for ingestion.
type IngestMetrics interface {
	IncEventsIngested(topic, status string)
	IncDLQPublished(topic, reason string)
}

// IngestConfig controls how often consumed offsets are committed.
type IngestConfig struct {
	// CommitInterval is the longest a buffered event waits for its offset
	// to be committed.
	CommitInterval time.Duration

	// CommitBatch commits as soon as this many events await commit.
	CommitBatch int
}

// Ingester writes consumed events to the disk buffer and commits their
// offsets once the buffer has been flushed.
type Ingester struct {
	writer    RecordWriter
	validator event.Validator
	dlq       consumer.DLQPublisher
	logger    *slog.Logger
	metrics   IngestMetrics
	config    IngestConfig

	pending []*event.ConsumedEvent
	now     func() time.Time
}

// NewIngester creates an ingester. metrics may be nil.
func NewIngester(
	writer RecordWriter,
	validator event.Validator,
	dlq consumer.DLQPublisher,
	logger *slog.Logger,
	metrics IngestMetrics,
	config IngestConfig,
) *Ingester {
	if config.CommitInterval <= 0 {
		config.CommitInterval = time.Second
	}
	if config.CommitBatch <= 0 {
		config.CommitBatch = 1000
	}
	return &Ingester{
		writer:    writer,
		validator: validator,
		dlq:       dlq,
		logger:    logger,
		metrics:   metrics,
		config:    config,
		now:       time.Now,
	}
}

// Run processes events until ctx is done or events is closed, then commits
// what has been buffered. It returns an error only when an event can be
// neither buffered nor dead-lettered; its offset is not committed.
func (i *Ingester) Run(ctx context.Context, events <-chan *event.ConsumedEvent, errs <-chan error) error {
	ticker := time.NewTicker(i.config.CommitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return i.commit()

		case ev, ok := <-events:
			if !ok {
				return i.commit()
			}
			if err := i.handle(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return i.commit()
				}
				// Commit what is already durable before stopping.
				if cerr := i.commit(); cerr != nil {
					i.logger.Error("failed to commit before stopping", "error", cerr)
				}
				return err
			}
			if len(i.pending) >= i.config.CommitBatch {
				if err := i.commit(); err != nil {
					return err
				}
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			i.logger.Warn("kafka consumer error", "error", err)

		case <-ticker.C:
			if err := i.commit(); err != nil {
				return err
			}
		}
	}
}

// handle buffers, drops or dead-letters one event. On success the event is
// queued for commit.
func (i *Ingester) handle(ctx context.Context, ev *event.ConsumedEvent) error {
	meta := ev.Metadata
	partition := event.PartitionID{Topic: meta.Topic, Partition: meta.Partition}

	if ev.ParseErr != nil {
		if err := i.dlq.PublishRaw(ctx, ev.Raw, meta, "parse error: "+ev.ParseErr.Error()); err != nil {
			return &apperrors.IngestError{PartitionID: partition, Offset: meta.Offset, Err: err}
		}
		i.deadLettered(meta.Topic, statusInvalid, "parse_error")
		i.pending = append(i.pending, ev)
		return nil
	}

	if err := i.validator.Validate(ev.Event); err != nil {
		i.logger.Warn("event failed validation",
			"error", err,
			"topic", meta.Topic,
			"partition", meta.Partition,
			"offset", meta.Offset,
		)
		if err := i.dlq.Publish(ctx, ev.Event, meta, err.Error()); err != nil {
			return &apperrors.IngestError{PartitionID: partition, Offset: meta.Offset, EventID: ev.Event.ID, Err: err}
		}
		i.deadLettered(meta.Topic, statusInvalid, "validation_failed")
		i.pending = append(i.pending, ev)
		return nil
	}

	rec := event.Record{
		Event:       ev.Event,
		Kafka:       meta,
		Offset:      meta.Offset,
		ProcessedAt: i.now().UTC(),
	}

	err := i.writer.WriteRecord(ctx, rec)
	var recordErr *diskbuffer.RecordError
	switch {
	case err == nil:
		i.count(meta.Topic, statusBuffered)

	case errors.Is(err, diskbuffer.ErrRecordDropped):
		// Dropped records are still committed.
		i.logger.Warn("buffer full, dropped event",
			"event_id", ev.Event.ID,
			"topic", meta.Topic,
			"offset", meta.Offset,
		)
		i.count(meta.Topic, statusDropped)

	case errors.As(err, &recordErr):
		if err := i.dlq.Publish(ctx, ev.Event, meta, recordErr.Error()); err != nil {
			return &apperrors.IngestError{PartitionID: partition, Offset: meta.Offset, EventID: ev.Event.ID, Err: err}
		}
		i.deadLettered(meta.Topic, statusRejected, "record_rejected")

	default:
		return &apperrors.IngestError{PartitionID: partition, Offset: meta.Offset, EventID: ev.Event.ID, Err: err}
	}

	i.pending = append(i.pending, ev)
	return nil
}

// commit flushes the buffer writer and then marks every pending offset.
func (i *Ingester) commit() error {
	if len(i.pending) == 0 {
		return nil
	}
	if err := i.writer.Flush(); err != nil {
		return fmt.Errorf("flush buffer before commit: %w", err)
	}
	for _, ev := range i.pending {
		if ev.CommitFunc == nil {
			continue
		}
		if err := ev.CommitFunc(); err != nil {
			i.logger.Error("failed to mark offset",
				"error", err,
				"topic", ev.Metadata.Topic,
				"partition", ev.Metadata.Partition,
				"offset", ev.Metadata.Offset,
			)
		}
	}
	i.logger.Debug("committed offsets", "count", len(i.pending))
	clear(i.pending)
	i.pending = i.pending[:0]
	return nil
}

func (i *Ingester) count(topic, status string) {
	if i.metrics != nil {
		i.metrics.IncEventsIngested(topic, status)
	}
}

func (i *Ingester) deadLettered(topic, status, reason string) {
	if i.metrics != nil {
		i.metrics.IncEventsIngested(topic, status)
		i.metrics.IncDLQPublished(topic, reason)
	}
}
