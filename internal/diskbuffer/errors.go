package diskbuffer

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the buffer.
var (
	ErrClosed           = errors.New("diskbuffer: buffer is closed")
	ErrRecordDropped    = errors.New("diskbuffer: record dropped, buffer is full")
	ErrRecordTooLarge   = errors.New("diskbuffer: record exceeds max record size")
	ErrWriterFailed     = errors.New("diskbuffer: writer failed")
	ErrLedgerCorrupt    = errors.New("diskbuffer: ledger is corrupt")
	ErrBufferLocked     = errors.New("diskbuffer: buffer directory is locked by another process")
	ErrChecksumMismatch = errors.New("diskbuffer: frame checksum mismatch")
	ErrShortFrame       = errors.New("diskbuffer: short frame")
	ErrFrameTooLarge    = errors.New("diskbuffer: frame length exceeds limit")
	ErrBadFileHeader    = errors.New("diskbuffer: bad data file header")
)

// RecordError reports a record that was rejected before it reached disk.
type RecordError struct {
	Size int
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record error: size=%d: %v", e.Size, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// FrameError reports a frame that failed validation.
type FrameError struct {
	FileID uint64
	Offset uint64
	Err    error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame error: file=%d offset=%d: %v", e.FileID, e.Offset, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// RecoveryErrorKind classifies a recovery failure.
type RecoveryErrorKind string

const (
	MissingDataFile RecoveryErrorKind = "missing_data_file"
	CorruptDataFile RecoveryErrorKind = "corrupt_data_file"
)

// RecoveryError is returned by Open when the on-disk state cannot be
// reconciled. It is fatal.
type RecoveryError struct {
	Kind   RecoveryErrorKind
	FileID uint64
	Err    error
}

func (e *RecoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recovery error: %s file=%d: %v", e.Kind, e.FileID, e.Err)
	}
	return fmt.Sprintf("recovery error: %s file=%d", e.Kind, e.FileID)
}

func (e *RecoveryError) Unwrap() error {
	return e.Err
}
