// Package batch stages records read from the disk buffer into batches,
// one per storage path, until a rotation policy closes them.
//
// Each record carries the sequence number the drain loop assigned when it
// was read, so that a delivered batch can be acknowledged back to the
// buffer in read order.
package batch

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jittakal/kafeventbuffer/pkg/batch"
	"github.com/jittakal/kafeventbuffer/pkg/event"
	"github.com/jittakal/kafeventbuffer/pkg/storage"
)

// Ensure implementations satisfy interfaces at compile time.
var (
	_ batch.Batch   = (*Batch)(nil)
	_ batch.Manager = (*Manager)(nil)
)

// ErrBatchFull is returned by Add when the hard record limit is reached.
var ErrBatchFull = errors.New("batch is full")

// Batch buffers records for a single storage path. It tracks first and
// last write times for age-based rotation.
type Batch struct {
	key            string
	partitionID    event.PartitionID
	records        []event.Record
	seqs           []uint64
	maxRecords     int
	currentSize    int64
	firstWriteTime time.Time
	lastWriteTime  time.Time
	now            func() time.Time
	mu             sync.RWMutex
}

// New creates a batch. maxRecords is a hard limit that protects memory
// when the rotation policy requires every limit to be reached; zero
// disables it.
func New(key string, partitionID event.PartitionID, maxRecords int) *Batch {
	return &Batch{
		key:         key,
		partitionID: partitionID,
		maxRecords:  maxRecords,
		now:         time.Now,
	}
}

// Key returns the storage path the batch is bound for.
func (b *Batch) Key() string { return b.key }

// Add appends a record with its read sequence number.
func (b *Batch) Add(record event.Record, seq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxRecords > 0 && len(b.records) >= b.maxRecords {
		return fmt.Errorf("%w: max records (%d) reached", ErrBatchFull, b.maxRecords)
	}

	b.records = append(b.records, record)
	b.seqs = append(b.seqs, seq)
	b.currentSize += int64(record.EstimatedSize())

	now := b.now()
	if b.firstWriteTime.IsZero() {
		b.firstWriteTime = now
	}
	b.lastWriteTime = now
	return nil
}

// Drain removes and returns all records. The returned slices are owned by
// the caller.
func (b *Batch) Drain() batch.Drained {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := batch.Drained{
		Key:         b.key,
		PartitionID: b.partitionID,
		Records:     b.records,
		Seqs:        b.seqs,
	}
	b.reset()
	return d
}

// Stats returns current batch statistics.
func (b *Batch) Stats() event.FileStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return event.FileStats{
		RecordCount:    len(b.records),
		SizeBytes:      b.currentSize,
		FirstWriteTime: b.firstWriteTime,
		LastWriteTime:  b.lastWriteTime,
	}
}

// IsEmpty returns true if the batch is empty.
func (b *Batch) IsEmpty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records) == 0
}

// Reset clears the batch and resets all statistics.
func (b *Batch) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

func (b *Batch) reset() {
	b.records = nil
	b.seqs = nil
	b.currentSize = 0
	b.firstWriteTime = time.Time{}
	b.lastWriteTime = time.Time{}
}

// Manager manages batches for multiple storage paths, creating them on
// demand. Uses double-checked locking for efficient concurrent access.
type Manager struct {
	batches    map[string]*Batch
	maxRecords int
	mu         sync.RWMutex
}

// NewManager creates a new batch manager.
func NewManager(maxRecords int) *Manager {
	return &Manager{
		batches:    make(map[string]*Batch),
		maxRecords: maxRecords,
	}
}

// GetOrCreate returns the batch for key, creating it if needed.
func (m *Manager) GetOrCreate(key string, partitionID event.PartitionID) batch.Batch {
	return m.getOrCreate(key, partitionID)
}

func (m *Manager) getOrCreate(key string, partitionID event.PartitionID) *Batch {
	m.mu.RLock()
	b, exists := m.batches[key]
	m.mu.RUnlock()

	if exists {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if b, exists := m.batches[key]; exists {
		return b
	}

	b = New(key, partitionID, m.maxRecords)
	m.batches[key] = b
	return b
}

// Ready drains and returns every batch the policy says should rotate,
// ordered by their first sequence number. Drained batches are removed.
func (m *Manager) Ready(policy storage.RotationPolicy) []batch.Drained {
	return m.collect(func(b *Batch) bool {
		return policy.ShouldRotate(b.Stats())
	})
}

// DrainAll drains and removes every non-empty batch, ordered by their
// first sequence number.
func (m *Manager) DrainAll() []batch.Drained {
	return m.collect(func(*Batch) bool { return true })
}

func (m *Manager) collect(pick func(*Batch) bool) []batch.Drained {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []batch.Drained
	for key, b := range m.batches {
		if b.IsEmpty() {
			delete(m.batches, key)
			continue
		}
		if !pick(b) {
			continue
		}
		out = append(out, b.Drain())
		delete(m.batches, key)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Seqs[0] < out[j].Seqs[0]
	})
	return out
}

// Records returns the number of records held across all batches.
func (m *Manager) Records() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, b := range m.batches {
		n += b.Stats().RecordCount
	}
	return n
}
