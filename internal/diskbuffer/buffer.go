package diskbuffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// core is the state shared by the writer, reader and acker.
type core struct {
	cfg     Config
	logger  *slog.Logger
	metrics MetricsCollector
	ledger  *Ledger

	// readable fires on appends, rotation and writer close.
	readable *signal
	// writable fires when acknowledgements free space.
	writable *signal

	writerClosed atomic.Bool
	closed       atomic.Bool
	closing      chan struct{}
}

// Buffer is an open disk buffer. It owns the directory lock until Close.
type Buffer[T any] struct {
	c      *core
	lock   *dirLock
	writer *Writer[T]
	reader *Reader[T]
	acker  *Acker

	stopFlush chan struct{}
	flushDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Open locks the buffer directory, recovers any existing state and returns
// a buffer ready for writing and reading. Recovery failures are returned
// as *RecoveryError or ErrLedgerCorrupt and leave the directory untouched
// beyond what recovery already repaired.
func Open[T any](ctx context.Context, cfg Config, codec Codec[T], logger *slog.Logger, metrics MetricsCollector) (*Buffer[T], error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "diskbuffer", "dir", cfg.DataDir)
	if metrics == nil {
		metrics = nopMetrics{}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create buffer dir: %w", err)
	}
	lock, err := acquireDirLock(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	b, err := open(ctx, cfg, codec, logger, metrics, lock)
	if err != nil {
		lock.release()
		return nil, err
	}
	return b, nil
}

func open[T any](ctx context.Context, cfg Config, codec Codec[T], logger *slog.Logger, metrics MetricsCollector, lock *dirLock) (*Buffer[T], error) {
	start := time.Now()
	st, err := recoverState(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ledger := startLedger(cfg.DataDir, st, logger)
	if err := ledger.Flush(); err != nil {
		ledger.Close()
		return nil, fmt.Errorf("persist recovered ledger: %w", err)
	}

	f, err := openDataFileForAppend(cfg.DataDir, st.WriterFileID)
	if err != nil {
		ledger.Close()
		return nil, err
	}

	c := &core{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		ledger:   ledger,
		readable: newSignal(),
		writable: newSignal(),
		closing:  make(chan struct{}),
	}
	acker := newAcker(c)
	b := &Buffer[T]{
		c:         c,
		lock:      lock,
		writer:    newWriter(c, codec, f, st),
		reader:    newReader(c, codec, acker, st),
		acker:     acker,
		stopFlush: make(chan struct{}),
		flushDone: make(chan struct{}),
	}
	go b.flushLoop()

	metrics.UpdateBufferUsage(st.TotalBufferedBytes, st.TotalRecords())
	logger.Info("disk buffer opened",
		"writer_file_id", st.WriterFileID,
		"acked_file_id", st.AckedFileID,
		"buffered_bytes", st.TotalBufferedBytes,
		"buffered_records", st.TotalRecords(),
		"next_record_id", st.NextRecordID,
		"recovery_duration", time.Since(start),
	)
	return b, nil
}

func (b *Buffer[T]) flushLoop() {
	defer close(b.flushDone)
	ticker := time.NewTicker(b.c.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := b.writer.tryFlush(); err != nil {
				b.c.logger.Error("periodic flush failed", "error", err)
			}
		case <-b.stopFlush:
			return
		}
	}
}

func (b *Buffer[T]) Writer() *Writer[T] { return b.writer }
func (b *Buffer[T]) Reader() *Reader[T] { return b.reader }
func (b *Buffer[T]) Acker() *Acker      { return b.acker }

// Stats returns a snapshot of the ledger.
func (b *Buffer[T]) Stats() LedgerState { return b.c.ledger.Snapshot() }

// BufferSize is the number of bytes of unacknowledged records on disk.
func (b *Buffer[T]) BufferSize() uint64 { return b.c.ledger.BufferSize() }

// TotalRecords is the number of unacknowledged records.
func (b *Buffer[T]) TotalRecords() uint64 { return b.c.ledger.TotalRecords() }

// Close closes the writer if still open, wakes blocked callers, deletes
// reclaimable data files, persists the ledger and releases the directory
// lock. Unacknowledged records remain on disk for the next Open.
func (b *Buffer[T]) Close() error {
	b.closeOnce.Do(func() {
		var errs []error

		b.c.closed.Store(true)
		close(b.c.closing)
		close(b.stopFlush)
		<-b.flushDone

		if err := b.writer.Close(); err != nil {
			errs = append(errs, err)
		}
		b.reader.release()
		if err := b.acker.reclaim(true); err != nil {
			errs = append(errs, fmt.Errorf("reclaim: %w", err))
		}
		if err := b.c.ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
		if err := b.lock.release(); err != nil {
			errs = append(errs, fmt.Errorf("release lock: %w", err))
		}
		b.closeErr = errors.Join(errs...)
		b.c.logger.Info("disk buffer closed")
	})
	return b.closeErr
}
