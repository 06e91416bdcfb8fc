package diskbuffer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// fileStateKind is the writer's data file lifecycle.
type fileStateKind int

const (
	fileOpen fileStateKind = iota
	fileRotating
	fileClosed
)

// fileState is the active data file state. next is set while rotating.
type fileState struct {
	kind fileStateKind
	next uint64
}

func (s fileState) String() string {
	switch s.kind {
	case fileOpen:
		return "open"
	case fileRotating:
		return fmt.Sprintf("rotating(%d)", s.next)
	default:
		return "closed"
	}
}

// Writer appends records to the buffer. There is one Writer per buffer
// and it is meant to be driven by a single goroutine; Flush and Close may
// be called from others.
type Writer[T any] struct {
	c     *core
	codec Codec[T]

	mu      sync.Mutex
	state   fileState
	file    *os.File
	fileID  uint64
	offset  uint64
	nextID  uint64
	scratch []byte
	frame   []byte
	dirty   bool

	// failed latches the first I/O error; every later call returns it.
	// It is read without mu so health checks never wait on a blocked write.
	failed atomic.Pointer[error]

	closeOnce sync.Once
	closeCh   chan struct{}
	closeErr  error
}

func newWriter[T any](c *core, codec Codec[T], f *os.File, st LedgerState) *Writer[T] {
	return &Writer[T]{
		c:       c,
		codec:   codec,
		state:   fileState{kind: fileOpen},
		file:    f,
		fileID:  st.WriterFileID,
		offset:  st.WriterOffset,
		nextID:  st.NextRecordID,
		closeCh: make(chan struct{}),
	}
}

// WriteRecord encodes rec and appends it to the buffer.
//
// Records that cannot be encoded or exceed the maximum record size fail
// with a *RecordError and leave the buffer untouched. When the buffer is
// full the writer blocks until space is acknowledged, or returns
// ErrRecordDropped under the drop_newest policy.
func (w *Writer[T]) WriteRecord(ctx context.Context, rec T) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usable(); err != nil {
		return err
	}

	payload, err := w.codec.Encode(rec, w.scratch[:0])
	if err != nil {
		return &RecordError{Size: len(payload), Err: fmt.Errorf("encode: %w", err)}
	}
	w.scratch = payload[:0]
	if uint64(len(payload)) > w.c.cfg.MaxRecordSize {
		return &RecordError{Size: len(payload), Err: ErrRecordTooLarge}
	}
	size := uint64(FrameHeaderSize + len(payload))

	if err := w.waitForSpace(ctx, size); err != nil {
		return err
	}

	if w.offset+size > w.c.cfg.MaxDataFileSize && w.offset > FileHeaderSize {
		if err := w.rotate(); err != nil {
			return w.fail(err)
		}
	}

	id := w.nextID
	w.frame = AppendFrame(w.frame[:0], id, payload)
	if _, err := w.file.Write(w.frame); err != nil {
		return w.fail(fmt.Errorf("append record %d to file %d: %w", id, w.fileID, err))
	}
	w.offset += size
	w.nextID++
	w.dirty = true

	st, err := w.c.ledger.Update(func(s *LedgerState) {
		s.WriterFileID = w.fileID
		s.WriterOffset = w.offset
		s.NextRecordID = w.nextID
		s.TotalBufferedBytes += size
	})
	if err != nil {
		return err
	}
	w.c.readable.notify()
	w.c.metrics.RecordBufferWrite(int(size))
	w.c.metrics.UpdateBufferUsage(st.TotalBufferedBytes, st.TotalRecords())
	return nil
}

func (w *Writer[T]) usable() error {
	if err := w.Err(); err != nil {
		return err
	}
	if w.state.kind == fileClosed || w.c.closed.Load() {
		return ErrClosed
	}
	return nil
}

// waitForSpace returns once a frame of size bytes fits under the buffer
// limit. It is called with w.mu held.
func (w *Writer[T]) waitForSpace(ctx context.Context, size uint64) error {
	var blockedAt time.Time
	for {
		wake := w.c.writable.wait()
		st := w.c.ledger.Snapshot()
		if st.TotalBufferedBytes+size <= w.c.cfg.MaxBufferSize {
			if !blockedAt.IsZero() {
				w.c.metrics.RecordBufferBlocked(time.Since(blockedAt))
			}
			return nil
		}

		if w.c.cfg.WhenFull == WhenFullDropNewest {
			w.c.metrics.RecordBufferDrop("buffer_full")
			return ErrRecordDropped
		}

		if blockedAt.IsZero() {
			blockedAt = time.Now()
			// Make what is already written durable while waiting.
			if err := w.flushLocked(); err != nil {
				return err
			}
			w.c.logger.Debug("buffer full, waiting for acknowledgements",
				"buffered_bytes", st.TotalBufferedBytes,
				"max_bytes", w.c.cfg.MaxBufferSize,
			)
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		case <-w.closeCh:
			return ErrClosed
		case <-w.c.closing:
			return ErrClosed
		}
	}
}

// rotate seals the active data file and starts the next one.
func (w *Writer[T]) rotate() error {
	next := w.fileID + 1
	w.state = fileState{kind: fileRotating, next: next}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync file %d: %w", w.fileID, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close file %d: %w", w.fileID, err)
	}
	w.file = nil

	f, err := createDataFile(w.c.cfg.DataDir, next)
	if err != nil {
		return err
	}
	w.file = f
	w.fileID = next
	w.offset = FileHeaderSize
	w.dirty = false

	if _, err := w.c.ledger.Update(func(s *LedgerState) {
		s.WriterFileID = next
		s.WriterOffset = FileHeaderSize
	}); err != nil {
		return err
	}
	w.state = fileState{kind: fileOpen}
	w.c.readable.notify()
	w.c.logger.Debug("rotated data file", "file_id", next)
	return nil
}

// fail latches err as the writer's terminal error.
func (w *Writer[T]) fail(err error) error {
	latched := fmt.Errorf("%w: %w", ErrWriterFailed, err)
	if !w.failed.CompareAndSwap(nil, &latched) {
		return w.Err()
	}
	w.c.logger.Error("disk buffer writer failed",
		"file_id", w.fileID,
		"state", w.state.String(),
		"error", err,
	)
	return latched
}

// Err returns the latched writer error, if any. It does not wait for a
// write in progress.
func (w *Writer[T]) Err() error {
	if p := w.failed.Load(); p != nil {
		return *p
	}
	return nil
}

// Flush syncs the active data file and persists the ledger.
func (w *Writer[T]) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.Err(); err != nil {
		return err
	}
	return w.flushLocked()
}

// tryFlush flushes unless a write is in progress.
func (w *Writer[T]) tryFlush() error {
	if !w.mu.TryLock() {
		return nil
	}
	defer w.mu.Unlock()
	if w.Err() != nil {
		return nil
	}
	return w.flushLocked()
}

func (w *Writer[T]) flushLocked() error {
	start := time.Now()
	if w.dirty && w.file != nil {
		if err := w.file.Sync(); err != nil {
			return w.fail(fmt.Errorf("sync file %d: %w", w.fileID, err))
		}
		w.dirty = false
	}
	if err := w.c.ledger.Flush(); err != nil {
		return fmt.Errorf("flush ledger: %w", err)
	}
	w.c.metrics.RecordBufferFlush(time.Since(start))
	return nil
}

// Close flushes outstanding writes and marks the end of the stream. The
// reader returns io.EOF once it has consumed everything written before
// Close. Close is idempotent.
func (w *Writer[T]) Close() error {
	w.closeOnce.Do(func() {
		close(w.closeCh)

		w.mu.Lock()
		defer w.mu.Unlock()

		if w.Err() == nil {
			w.closeErr = w.flushLocked()
		}
		if w.file != nil {
			if err := w.file.Close(); err != nil && w.closeErr == nil {
				w.closeErr = fmt.Errorf("close file %d: %w", w.fileID, err)
			}
			w.file = nil
		}
		w.state = fileState{kind: fileClosed}

		w.c.writerClosed.Store(true)
		w.c.readable.notify()
	})
	return w.closeErr
}

func createDataFile(dir string, id uint64) (*os.File, error) {
	path := filepath.Join(dir, dataFileName(id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create data file %d: %w", id, err)
	}
	if _, err := f.Write(encodeFileHeader(id)); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header of data file %d: %w", id, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sync data file %d: %w", id, err)
	}
	if err := syncDir(dir); err != nil {
		f.Close()
		return nil, fmt.Errorf("sync buffer dir: %w", err)
	}
	return f, nil
}

// openDataFileForAppend reopens the writer file at the recovered offset.
func openDataFileForAppend(dir string, id uint64) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, dataFileName(id)), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &RecoveryError{Kind: MissingDataFile, FileID: id, Err: err}
		}
		return nil, fmt.Errorf("open data file %d: %w", id, err)
	}
	return f, nil
}
