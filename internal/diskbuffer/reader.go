package diskbuffer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const readBufferSize = 256 << 10

// Reader delivers records in the order they were written. There is one
// Reader per buffer and it must be driven by a single goroutine.
type Reader[T any] struct {
	c     *core
	codec Codec[T]
	acker *Acker

	// mu is held while a frame is being read so that Close can release
	// the open file safely.
	mu     sync.Mutex
	file   *os.File
	br     *bufio.Reader
	fileID uint64
	offset uint64

	// limit is the last known writer position. The reader never reads past
	// it in the writer's active file.
	limitFile   uint64
	limitOffset uint64

	// lastID is the id of the last frame passed.
	lastID uint64

	frame []byte
}

func newReader[T any](c *core, codec Codec[T], acker *Acker, st LedgerState) *Reader[T] {
	return &Reader[T]{
		c:           c,
		codec:       codec,
		acker:       acker,
		fileID:      st.ReaderFileID,
		offset:      st.ReaderOffset,
		limitFile:   st.WriterFileID,
		limitOffset: st.WriterOffset,
		lastID:      st.LastAckedRecordID,
	}
}

// Next returns the next record. It blocks until a record is available, the
// writer is closed and everything has been read (io.EOF), the buffer is
// closed (ErrClosed), or ctx is done.
//
// Frames that fail their checksum or cannot be decoded are skipped and
// never returned.
func (r *Reader[T]) Next(ctx context.Context) (T, error) {
	var zero T
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if r.c.closed.Load() {
			return zero, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		if r.fileID == r.limitFile && r.offset >= r.limitOffset {
			wake := r.c.readable.wait()
			writerClosed := r.c.writerClosed.Load()
			st := r.c.ledger.Snapshot()
			r.limitFile, r.limitOffset = st.WriterFileID, st.WriterOffset
			if r.fileID != r.limitFile || r.offset < r.limitOffset {
				continue
			}
			if writerClosed {
				return zero, io.EOF
			}
			if err := r.wait(ctx, wake); err != nil {
				return zero, err
			}
			continue
		}

		if err := r.ensureOpen(); err != nil {
			return zero, err
		}

		rec, ok, err := r.readFrame()
		if err != nil {
			return zero, err
		}
		if ok {
			return rec, nil
		}
	}
}

// wait releases r.mu until wake fires, ctx is done or the buffer closes.
func (r *Reader[T]) wait(ctx context.Context, wake <-chan struct{}) error {
	r.mu.Unlock()
	defer r.mu.Lock()
	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.c.closing:
		return ErrClosed
	}
}

func (r *Reader[T]) ensureOpen() error {
	if r.file != nil {
		return nil
	}
	path := filepath.Join(r.c.cfg.DataDir, dataFileName(r.fileID))
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &RecoveryError{Kind: MissingDataFile, FileID: r.fileID, Err: err}
		}
		return fmt.Errorf("open data file %d: %w", r.fileID, err)
	}
	hdr := make([]byte, FileHeaderSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		return &RecoveryError{Kind: CorruptDataFile, FileID: r.fileID, Err: err}
	}
	if id, err := parseFileHeader(hdr); err != nil || id != r.fileID {
		f.Close()
		if err == nil {
			err = fmt.Errorf("%w: header names file %d", ErrBadFileHeader, id)
		}
		return &RecoveryError{Kind: CorruptDataFile, FileID: r.fileID, Err: err}
	}
	if r.offset < FileHeaderSize {
		r.offset = FileHeaderSize
	}
	if _, err := f.Seek(int64(r.offset), io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("seek data file %d: %w", r.fileID, err)
	}
	r.file = f
	if r.br == nil {
		r.br = bufio.NewReaderSize(f, readBufferSize)
	} else {
		r.br.Reset(f)
	}
	return nil
}

// readFrame reads one frame at the current offset. ok is false when no
// record was delivered: the frame was skipped or the reader moved on to
// the next file.
func (r *Reader[T]) readFrame() (rec T, ok bool, err error) {
	sealed := r.fileID < r.limitFile

	r.frame = growBytes(r.frame, FrameHeaderSize)
	if _, err := io.ReadFull(r.br, r.frame[:FrameHeaderSize]); err != nil {
		if !sealed {
			return rec, false, fmt.Errorf("read frame header in file %d at %d: %w", r.fileID, r.offset, err)
		}
		if errors.Is(err, io.EOF) {
			return rec, false, r.nextFile()
		}
		r.corrupt("torn_frame", "truncated frame header at end of sealed file", err)
		return rec, false, r.discardRest()
	}

	n := peekPayloadLen(r.frame)
	size := FrameHeaderSize + n
	if n > r.c.cfg.MaxRecordSize || (!sealed && r.offset+size > r.limitOffset) {
		r.corrupt("bad_length", "frame length out of range, skipping rest of file",
			&FrameError{FileID: r.fileID, Offset: r.offset, Err: ErrFrameTooLarge})
		return rec, false, r.discardRest()
	}

	r.frame = growBytes(r.frame, int(size))
	if _, err := io.ReadFull(r.br, r.frame[FrameHeaderSize:size]); err != nil {
		if !sealed {
			return rec, false, fmt.Errorf("read frame payload in file %d at %d: %w", r.fileID, r.offset, err)
		}
		r.corrupt("torn_frame", "truncated frame at end of sealed file", err)
		return rec, false, r.discardRest()
	}

	start := r.offset
	view, err := ParseFrame(r.frame[:size], r.c.cfg.MaxRecordSize)
	if err != nil && peekRecordID(r.frame) != r.lastID+1 {
		// A damaged length leaves every following frame misaligned.
		r.corrupt("misaligned", "corrupt frame out of sequence, skipping rest of file",
			&FrameError{FileID: r.fileID, Offset: start, Err: err})
		return rec, false, r.discardRest()
	}

	r.offset += size
	entry := pendingRecord{fileID: r.fileID, end: r.offset, size: size}
	if err != nil {
		r.lastID++
		entry.id = r.lastID
		r.corrupt("checksum", "skipping corrupt frame",
			&FrameError{FileID: r.fileID, Offset: start, Err: err})
		r.acker.skip(entry)
		r.advanceCursor()
		return rec, false, nil
	}
	entry.id = view.RecordID()
	r.lastID = entry.id

	rec, err = r.codec.Decode(view.Payload())
	if err != nil {
		r.corrupt("decode", "skipping undecodable record",
			&FrameError{FileID: r.fileID, Offset: start, Err: err})
		r.acker.skip(entry)
		r.advanceCursor()
		var zero T
		return zero, false, nil
	}

	r.acker.track(entry)
	r.advanceCursor()
	r.c.metrics.RecordBufferRead()
	return rec, true, nil
}

// discardRest treats the rest of the current file as consumed once
// framing can no longer be trusted. In the active file the reader resumes
// at the writer's committed end, which is always a frame boundary.
func (r *Reader[T]) discardRest() error {
	sealed := r.fileID < r.limitFile
	end := r.limitOffset
	if sealed {
		fi, err := r.file.Stat()
		if err != nil {
			return fmt.Errorf("stat data file %d: %w", r.fileID, err)
		}
		end = uint64(fi.Size())
	}
	if end > r.offset {
		r.acker.skip(pendingRecord{
			id:     r.lastID,
			fileID: r.fileID,
			end:    end,
			size:   end - r.offset,
		})
	}
	if sealed {
		return r.nextFile()
	}

	r.offset = end
	if _, err := r.file.Seek(int64(r.offset), io.SeekStart); err != nil {
		return fmt.Errorf("seek data file %d: %w", r.fileID, err)
	}
	r.br.Reset(r.file)
	r.advanceCursor()
	return nil
}

// nextFile closes a fully read sealed file and moves to the next one.
func (r *Reader[T]) nextFile() error {
	done := r.fileID
	r.closeFile()
	r.fileID++
	r.offset = FileHeaderSize
	r.advanceCursor()
	r.acker.fileDone(done)
	return nil
}

func (r *Reader[T]) advanceCursor() {
	fileID, offset := r.fileID, r.offset
	_, _ = r.c.ledger.Update(func(s *LedgerState) {
		s.ReaderFileID, s.ReaderOffset = fileID, offset
	})
}

func (r *Reader[T]) corrupt(reason, msg string, err error) {
	r.c.metrics.RecordBufferCorruption(reason)
	r.c.logger.Warn(msg,
		"file_id", r.fileID,
		"offset", r.offset,
		"reason", reason,
		"error", err,
	)
}

// release closes the open data file once the buffer is closed.
func (r *Reader[T]) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Reader[T]) closeFile() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

func growBytes(b []byte, n int) []byte {
	if cap(b) >= n {
		return b[:n]
	}
	nb := make([]byte, n)
	copy(nb, b)
	return nb
}
