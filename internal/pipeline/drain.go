package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jittakal/kafeventbuffer/internal/batch"
	"github.com/jittakal/kafeventbuffer/internal/diskbuffer"
	apperrors "github.com/jittakal/kafeventbuffer/internal/errors"
	pkgbatch "github.com/jittakal/kafeventbuffer/pkg/batch"
	"github.com/jittakal/kafeventbuffer/pkg/consumer"
	"github.com/jittakal/kafeventbuffer/pkg/event"
	"github.com/jittakal/kafeventbuffer/pkg/storage"
)

// RecordReader reads records from the disk buffer in write order.
// *diskbuffer.Reader[event.Record] implements it.
type RecordReader interface {
	Next(ctx context.Context) (event.Record, error)
}

// DrainMetrics defines metrics operations for draining.
type DrainMetrics interface {
	ObserveBatchDelivery(topic string, records int, d time.Duration, status string)
	IncDeliveryRetries(topic string)
	IncDLQPublished(topic, reason string)
}

// DrainConfig configures a Drainer.
type DrainConfig struct {
	Retry RetryPolicy

	// Workers bounds concurrent batch deliveries.
	Workers int

	// MaxBatchRecords is a hard cap on records held by one batch.
	MaxBatchRecords int

	// CheckInterval is how often batches are checked for age-based
	// rotation.
	CheckInterval time.Duration

	// ReadAhead is the number of records read ahead of batching.
	ReadAhead int
}

// Drainer reads records from the disk buffer, groups them into one batch
// per storage path and writes each batch as a file. A record is
// acknowledged to the buffer once its batch is stored or dead-lettered.
type Drainer struct {
	reader   RecordReader
	frontier *ackFrontier
	writer   storage.Writer
	router   storage.Router
	policy   storage.RotationPolicy
	dlq      consumer.DLQPublisher
	tracer   trace.Tracer
	logger   *slog.Logger
	metrics  DrainMetrics
	config   DrainConfig
	batches  *batch.Manager
	nextSeq  uint64
}

// NewDrainer creates a drainer. metrics may be nil.
func NewDrainer(
	reader RecordReader,
	acker Acknowledger,
	writer storage.Writer,
	router storage.Router,
	policy storage.RotationPolicy,
	dlq consumer.DLQPublisher,
	tracer trace.Tracer,
	logger *slog.Logger,
	metrics DrainMetrics,
	config DrainConfig,
) *Drainer {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = time.Second
	}
	if config.ReadAhead <= 0 {
		config.ReadAhead = 1024
	}
	return &Drainer{
		reader:   reader,
		frontier: newAckFrontier(acker),
		writer:   writer,
		router:   router,
		policy:   policy,
		dlq:      dlq,
		tracer:   tracer,
		logger:   logger,
		metrics:  metrics,
		config:   config,
		batches:  batch.NewManager(config.MaxBatchRecords),
	}
}

// Run drains the buffer until the reader reports the end of the stream,
// in which case every open batch is delivered, or until ctx is done, in
// which case open batches are left unacknowledged in the buffer.
func (d *Drainer) Run(ctx context.Context) error {
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	records := make(chan event.Record, d.config.ReadAhead)
	readErr := make(chan error, 1)
	go func() {
		defer close(records)
		readErr <- d.read(readCtx, records)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Workers)

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-gctx.Done():
			break loop

		case rec, ok := <-records:
			if !ok {
				for _, dr := range d.batches.DrainAll() {
					d.dispatch(gctx, g, dr)
				}
				break loop
			}
			d.add(gctx, g, rec)

		case <-ticker.C:
			for _, dr := range d.batches.Ready(d.policy) {
				d.dispatch(gctx, g, dr)
			}
		}
	}

	err := g.Wait()
	cancelRead()
	for range records {
	}
	if rerr := <-readErr; err == nil {
		err = rerr
	}

	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Drainer) read(ctx context.Context, out chan<- event.Record) error {
	for {
		rec, err := d.reader.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, diskbuffer.ErrClosed), ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("read from buffer: %w", err)
		}

		select {
		case out <- rec:
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *Drainer) add(ctx context.Context, g *errgroup.Group, rec event.Record) {
	seq := d.nextSeq
	d.nextSeq++

	specVersion := ""
	if rec.Event != nil {
		specVersion = rec.Event.SpecVersion
	}
	partition := rec.PartitionID()
	key := d.router.Route(partition, rec.GetEventTimeUnix(), specVersion)
	b := d.batches.GetOrCreate(key, partition)

	if err := b.Add(rec, seq); err != nil {
		// Hard cap reached: ship what is there and start over.
		d.dispatch(ctx, g, b.Drain())
		if err := b.Add(rec, seq); err != nil {
			d.logger.Error("failed to add record to empty batch", "error", err, "key", key)
			return
		}
	}
	if d.policy.ShouldRotate(b.Stats()) {
		d.dispatch(ctx, g, b.Drain())
	}
}

// dispatch hands a batch to a delivery worker, blocking while all workers
// are busy.
func (d *Drainer) dispatch(ctx context.Context, g *errgroup.Group, dr pkgbatch.Drained) {
	if len(dr.Records) == 0 {
		return
	}
	g.Go(func() error {
		return d.deliver(ctx, dr)
	})
}

// deliver writes a batch with retries, dead-letters it when retries are
// exhausted, and acknowledges it. An error means the batch could not be
// stored or dead-lettered and stays unacknowledged.
func (d *Drainer) deliver(ctx context.Context, dr pkgbatch.Drained) error {
	start := time.Now()
	topic := dr.PartitionID.Topic

	ctx, span := d.tracer.Start(ctx, "deliver_batch", trace.WithAttributes(
		attribute.String("messaging.destination.name", topic),
		attribute.Int("messaging.kafka.partition", int(dr.PartitionID.Partition)),
		attribute.Int("batch.records", len(dr.Records)),
		attribute.String("storage.path", dr.Key),
	))
	defer span.End()

	attempts, err := d.write(ctx, dr)
	span.SetAttributes(attribute.Int("batch.attempts", attempts))
	if err == nil {
		d.observe(topic, len(dr.Records), start, "success")
		span.SetStatus(codes.Ok, "")
		d.frontier.complete(dr.Seqs)
		return nil
	}
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "cancelled")
		return ctx.Err()
	}

	derr := &apperrors.DeliveryError{
		PartitionID: dr.PartitionID,
		Records:     len(dr.Records),
		Attempts:    attempts,
		Err:         err,
	}
	span.RecordError(derr)
	d.logger.Error("batch delivery failed, sending records to DLQ",
		"error", err,
		"path", dr.Key,
		"record_count", len(dr.Records),
		"attempts", attempts,
	)

	for _, rec := range dr.Records {
		if perr := d.dlq.Publish(ctx, rec.Event, rec.Kafka, derr.Error()); perr != nil {
			span.SetStatus(codes.Error, "dead letter failed")
			d.observe(topic, len(dr.Records), start, "failure")
			return fmt.Errorf("dead-letter undeliverable batch: %w", errors.Join(derr, perr))
		}
		if d.metrics != nil {
			d.metrics.IncDLQPublished(topic, "delivery_failed")
		}
	}
	span.SetStatus(codes.Error, "dead-lettered")
	d.observe(topic, len(dr.Records), start, "dead_lettered")
	d.frontier.complete(dr.Seqs)
	return nil
}

// write attempts the storage write until it succeeds, fails with a
// permanent error or runs out of attempts.
func (d *Drainer) write(ctx context.Context, dr pkgbatch.Drained) (int, error) {
	var err error
	maxAttempts := d.config.Retry.attempts()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if _, err = d.writer.Write(ctx, dr.Records, dr.Key); err == nil {
			return attempt, nil
		}
		if !apperrors.IsRetryable(err) || attempt == maxAttempts {
			return attempt, err
		}

		delay := d.config.Retry.Backoff(attempt)
		d.logger.Warn("storage write failed, retrying",
			"error", err,
			"path", dr.Key,
			"attempt", attempt,
			"backoff", delay,
		)
		if d.metrics != nil {
			d.metrics.IncDeliveryRetries(dr.PartitionID.Topic)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		}
	}
	return maxAttempts, err
}

func (d *Drainer) observe(topic string, records int, start time.Time, status string) {
	if d.metrics != nil {
		d.metrics.ObserveBatchDelivery(topic, records, time.Since(start), status)
	}
}
