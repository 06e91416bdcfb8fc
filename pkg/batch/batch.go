// Package batch defines interfaces for staging records read from the disk
// buffer into storage-file sized batches.
package batch

import (
	"github.com/jittakal/kafeventbuffer/pkg/event"
)

// Drained is the content of a batch removed for delivery. Seqs holds the
// read sequence number of each record, parallel to Records.
type Drained struct {
	Key         string
	PartitionID event.PartitionID
	Records     []event.Record
	Seqs        []uint64
}

// Batch accumulates records bound for one storage file.
// All implementations must be thread-safe.
type Batch interface {
	// Add appends a record with its read sequence number.
	// Returns an error if the batch is at its hard record limit.
	Add(record event.Record, seq uint64) error

	// Drain removes and returns all records. The batch is reset.
	Drain() Drained

	// Stats returns current batch statistics without modifying the batch.
	Stats() event.FileStats

	// IsEmpty returns true if the batch contains no records.
	IsEmpty() bool

	// Reset clears the batch and resets all statistics.
	Reset()
}

// Manager creates and manages batches keyed by storage path.
type Manager interface {
	// GetOrCreate returns the batch for key, creating one if it doesn't
	// exist.
	GetOrCreate(key string, partitionID event.PartitionID) Batch
}
