package loadgen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jittakal/kafeventbuffer/internal/diskbuffer"
	"github.com/jittakal/kafeventbuffer/pkg/event"
)

// BufferWriter is the write side of the disk buffer.
type BufferWriter interface {
	WriteRecord(ctx context.Context, rec event.Record) error
	Close() error
}

// BufferReader is the read side of the disk buffer.
type BufferReader interface {
	Next(ctx context.Context) (event.Record, error)
}

// Acknowledger acknowledges records read from the buffer.
type Acknowledger interface {
	Ack(n int)
}

// Usage reports buffer occupancy.
type Usage interface {
	BufferSize() uint64
	TotalRecords() uint64
}

// Config describes one load run.
type Config struct {
	Events     int
	Partitions int
	Topic      string

	// Rate limits writes per second. Zero writes as fast as possible.
	Rate float64

	// AckBatch is the number of records read before they are acknowledged.
	AckBatch int

	// ReportInterval is how often progress is logged and usage sampled.
	ReportInterval time.Duration
}

// Report summarises a load run.
type Report struct {
	Written   int64
	Dropped   int64
	Read      int64
	Acked     int64
	PeakBytes uint64
	Elapsed   time.Duration
}

// WriteRate returns written records per second.
func (r Report) WriteRate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Written) / r.Elapsed.Seconds()
}

// Runner writes generated records into a buffer while reading and
// acknowledging them concurrently.
type Runner struct {
	gen    *Generator
	writer BufferWriter
	reader BufferReader
	acker  Acknowledger
	usage  Usage
	logger *slog.Logger

	written, dropped, read, acked atomic.Int64
	peak                          atomic.Uint64
}

// NewRunner creates a runner.
func NewRunner(gen *Generator, writer BufferWriter, reader BufferReader, acker Acknowledger, usage Usage, logger *slog.Logger) *Runner {
	return &Runner{
		gen:    gen,
		writer: writer,
		reader: reader,
		acker:  acker,
		usage:  usage,
		logger: logger,
	}
}

// Run writes cfg.Events records, closes the writer and returns once every
// record has been read and acknowledged.
func (r *Runner) Run(ctx context.Context, cfg Config) (Report, error) {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.AckBatch <= 0 {
		cfg.AckBatch = 100
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = time.Second
	}
	if cfg.Topic == "" {
		cfg.Topic = "loadgen"
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	readerDone := make(chan struct{})

	g.Go(func() error { return r.produce(gctx, cfg) })
	g.Go(func() error {
		defer close(readerDone)
		return r.consume(gctx, cfg.AckBatch)
	})
	g.Go(func() error {
		r.sample(gctx, cfg.ReportInterval, readerDone)
		return nil
	})

	err := g.Wait()
	return Report{
		Written:   r.written.Load(),
		Dropped:   r.dropped.Load(),
		Read:      r.read.Load(),
		Acked:     r.acked.Load(),
		PeakBytes: r.peak.Load(),
		Elapsed:   time.Since(start),
	}, err
}

func (r *Runner) produce(ctx context.Context, cfg Config) error {
	// Closing the writer ends the reader's stream even on failure.
	defer r.writer.Close()

	var limiter *rate.Limiter
	if cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), max(1, int(cfg.Rate/10)))
	}

	offsets := make([]int64, cfg.Partitions)
	for i := range cfg.Events {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		partition := i % cfg.Partitions
		rec, err := r.gen.Record(cfg.Topic, int32(partition), offsets[partition])
		if err != nil {
			return err
		}
		offsets[partition]++

		switch err := r.writer.WriteRecord(ctx, rec); {
		case err == nil:
			r.written.Add(1)
		case errors.Is(err, diskbuffer.ErrRecordDropped):
			r.dropped.Add(1)
		default:
			return fmt.Errorf("write record %d: %w", i, err)
		}
	}
	return nil
}

func (r *Runner) consume(ctx context.Context, ackBatch int) error {
	unacked := 0
	ack := func() {
		if unacked > 0 {
			r.acker.Ack(unacked)
			r.acked.Add(int64(unacked))
			unacked = 0
		}
	}
	defer ack()

	for {
		_, err := r.reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read record: %w", err)
		}
		r.read.Add(1)
		unacked++
		if unacked >= ackBatch {
			ack()
		}
	}
}

func (r *Runner) sample(ctx context.Context, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.observe()
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			r.logger.Info("load progress",
				"written", r.written.Load(),
				"read", r.read.Load(),
				"acked", r.acked.Load(),
				"buffer_bytes", r.usage.BufferSize(),
				"buffer_records", r.usage.TotalRecords(),
			)
		}
	}
}

func (r *Runner) observe() {
	size := r.usage.BufferSize()
	for {
		peak := r.peak.Load()
		if size <= peak || r.peak.CompareAndSwap(peak, size) {
			return
		}
	}
}
