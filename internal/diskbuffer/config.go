package diskbuffer

import (
	"fmt"
	"time"
)

// WhenFull selects what the writer does when a record does not fit.
type WhenFull string

const (
	// WhenFullBlock suspends the writer until acknowledgements free space.
	WhenFullBlock WhenFull = "block"
	// WhenFullDropNewest discards the incoming record.
	WhenFullDropNewest WhenFull = "drop_newest"
)

const (
	DefaultMaxBufferSize   = 256 << 20
	DefaultMaxDataFileSize = 128 << 20
	DefaultFlushInterval   = 500 * time.Millisecond
	DefaultReclaimLagFiles = 1
)

// Config configures a disk buffer.
type Config struct {
	// DataDir holds the ledger, the lock file and the data files.
	DataDir string

	// MaxBufferSize bounds the bytes of unacknowledged frames on disk.
	MaxBufferSize uint64

	// MaxDataFileSize is the size at which the writer rotates to a new file.
	MaxDataFileSize uint64

	// MaxRecordSize bounds the encoded payload of a single record.
	// Zero means the largest payload that fits in one data file.
	MaxRecordSize uint64

	// FlushInterval is how often buffered writes are synced and the ledger
	// is persisted.
	FlushInterval time.Duration

	WhenFull WhenFull

	// ReclaimLagFiles is the number of fully acknowledged data files that
	// accumulate before they are deleted. Remaining files are deleted on
	// Close.
	ReclaimLagFiles int

	// RebuildCorruptLedger rebuilds the ledger from the data files instead
	// of failing when the ledger cannot be decoded.
	RebuildCorruptLedger bool
}

// DefaultConfig returns a config rooted at dir with default limits.
func DefaultConfig(dir string) Config {
	return Config{
		DataDir:         dir,
		MaxBufferSize:   DefaultMaxBufferSize,
		MaxDataFileSize: DefaultMaxDataFileSize,
		FlushInterval:   DefaultFlushInterval,
		WhenFull:        WhenFullBlock,
		ReclaimLagFiles: DefaultReclaimLagFiles,
	}
}

// withDefaults fills zero fields with defaults.
func (c Config) withDefaults() Config {
	if c.MaxBufferSize == 0 {
		c.MaxBufferSize = DefaultMaxBufferSize
	}
	if c.MaxDataFileSize == 0 {
		c.MaxDataFileSize = DefaultMaxDataFileSize
	}
	if c.MaxRecordSize == 0 {
		c.MaxRecordSize = c.MaxDataFileSize - FileHeaderSize - FrameHeaderSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.WhenFull == "" {
		c.WhenFull = WhenFullBlock
	}
	if c.ReclaimLagFiles <= 0 {
		c.ReclaimLagFiles = DefaultReclaimLagFiles
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("diskbuffer: data dir is required")
	}
	if c.MaxDataFileSize <= FileHeaderSize+FrameHeaderSize {
		return fmt.Errorf("diskbuffer: max data file size %d is too small", c.MaxDataFileSize)
	}
	if c.MaxRecordSize > c.MaxDataFileSize-FileHeaderSize-FrameHeaderSize {
		return fmt.Errorf("diskbuffer: max record size %d does not fit in a data file of %d bytes",
			c.MaxRecordSize, c.MaxDataFileSize)
	}
	if c.MaxRecordSize > maxFramePayload {
		return fmt.Errorf("diskbuffer: max record size %d exceeds frame limit %d", c.MaxRecordSize, maxFramePayload)
	}
	if c.MaxRecordSize+FrameHeaderSize > c.MaxBufferSize {
		return fmt.Errorf("diskbuffer: max buffer size %d cannot hold a record of %d bytes",
			c.MaxBufferSize, c.MaxRecordSize)
	}
	switch c.WhenFull {
	case WhenFullBlock, WhenFullDropNewest:
	default:
		return fmt.Errorf("diskbuffer: unsupported when_full policy: %s", c.WhenFull)
	}
	return nil
}
