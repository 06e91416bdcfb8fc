package diskbuffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	ledgerFileName = "buffer.ledger"
	ledgerSize     = 96

	ledgerMagic   uint32 = 0x4C425645 // "EVBL"
	ledgerVersion uint16 = 1

	ledgerChecksumOffset = 80
)

// LedgerState is the durable control-plane state of a buffer.
//
// The acknowledged position is where a restarted reader resumes; the
// reader position is only advisory across restarts.
type LedgerState struct {
	WriterFileID uint64
	WriterOffset uint64

	ReaderFileID uint64
	ReaderOffset uint64

	AckedFileID uint64
	AckedOffset uint64

	NextRecordID      uint64
	LastAckedRecordID uint64

	TotalBufferedBytes uint64
}

// TotalRecords is the number of records written and not yet acknowledged.
func (s LedgerState) TotalRecords() uint64 {
	if s.NextRecordID == 0 || s.NextRecordID-1 < s.LastAckedRecordID {
		return 0
	}
	return s.NextRecordID - 1 - s.LastAckedRecordID
}

func freshLedgerState() LedgerState {
	return LedgerState{NextRecordID: 1}
}

func (s LedgerState) marshal() []byte {
	b := make([]byte, ledgerSize)
	binary.LittleEndian.PutUint32(b[0:4], ledgerMagic)
	binary.LittleEndian.PutUint16(b[4:6], ledgerVersion)
	fields := [...]uint64{
		s.WriterFileID, s.WriterOffset,
		s.ReaderFileID, s.ReaderOffset,
		s.AckedFileID, s.AckedOffset,
		s.NextRecordID, s.LastAckedRecordID,
		s.TotalBufferedBytes,
	}
	for i, v := range fields {
		binary.LittleEndian.PutUint64(b[8+i*8:], v)
	}
	binary.LittleEndian.PutUint32(b[ledgerChecksumOffset:], uint32(xxhash.Sum64(b[:ledgerChecksumOffset])))
	return b
}

func unmarshalLedger(b []byte) (LedgerState, error) {
	if len(b) != ledgerSize {
		return LedgerState{}, fmt.Errorf("%w: size %d", ErrLedgerCorrupt, len(b))
	}
	if magic := binary.LittleEndian.Uint32(b[0:4]); magic != ledgerMagic {
		return LedgerState{}, fmt.Errorf("%w: magic %#x", ErrLedgerCorrupt, magic)
	}
	if version := binary.LittleEndian.Uint16(b[4:6]); version != ledgerVersion {
		return LedgerState{}, fmt.Errorf("%w: version %d", ErrLedgerCorrupt, version)
	}
	want := binary.LittleEndian.Uint32(b[ledgerChecksumOffset:])
	if got := uint32(xxhash.Sum64(b[:ledgerChecksumOffset])); got != want {
		return LedgerState{}, fmt.Errorf("%w: checksum mismatch", ErrLedgerCorrupt)
	}
	u := func(i int) uint64 { return binary.LittleEndian.Uint64(b[8+i*8:]) }
	return LedgerState{
		WriterFileID:       u(0),
		WriterOffset:       u(1),
		ReaderFileID:       u(2),
		ReaderOffset:       u(3),
		AckedFileID:        u(4),
		AckedOffset:        u(5),
		NextRecordID:       u(6),
		LastAckedRecordID:  u(7),
		TotalBufferedBytes: u(8),
	}, nil
}

type ledgerOp int

const (
	opSnapshot ledgerOp = iota
	opUpdate
	opStop
)

type ledgerCmd struct {
	op    ledgerOp
	fn    func(*LedgerState)
	reply chan LedgerState
}

// Ledger owns the buffer's LedgerState. A single goroutine holds the state
// and serves snapshot and update requests, so every snapshot is
// consistent. Persisting happens outside that goroutine.
type Ledger struct {
	dir    string
	logger *slog.Logger

	cmds chan ledgerCmd
	done chan struct{}

	// final is the state at stop, readable once done is closed.
	final LedgerState

	flushMu     sync.Mutex
	lastFlushed LedgerState
	flushed     bool

	stopOnce sync.Once
}

// OpenLedger loads the ledger in dir or starts a fresh one if none exists.
// It returns ErrLedgerCorrupt if the file cannot be decoded.
func OpenLedger(dir string, logger *slog.Logger) (*Ledger, error) {
	st, err := readLedger(dir)
	if errors.Is(err, fs.ErrNotExist) {
		st = freshLedgerState()
	} else if err != nil {
		return nil, err
	}
	return startLedger(dir, st, logger), nil
}

func readLedger(dir string) (LedgerState, error) {
	b, err := os.ReadFile(filepath.Join(dir, ledgerFileName))
	if err != nil {
		return LedgerState{}, err
	}
	return unmarshalLedger(b)
}

func startLedger(dir string, st LedgerState, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		dir:    dir,
		logger: logger,
		cmds:   make(chan ledgerCmd),
		done:   make(chan struct{}),
	}
	go l.run(st)
	return l
}

func (l *Ledger) run(st LedgerState) {
	for cmd := range l.cmds {
		switch cmd.op {
		case opUpdate:
			cmd.fn(&st)
		case opStop:
			l.final = st
			cmd.reply <- st
			close(l.done)
			return
		}
		cmd.reply <- st
	}
}

func (l *Ledger) send(op ledgerOp, fn func(*LedgerState)) (LedgerState, bool) {
	cmd := ledgerCmd{op: op, fn: fn, reply: make(chan LedgerState, 1)}
	select {
	case l.cmds <- cmd:
		return <-cmd.reply, true
	case <-l.done:
		return l.final, false
	}
}

// Snapshot returns a copy of the current state.
func (l *Ledger) Snapshot() LedgerState {
	st, _ := l.send(opSnapshot, nil)
	return st
}

// Update applies fn to the state and returns the result. fn runs on the
// ledger goroutine and must not call back into the ledger.
func (l *Ledger) Update(fn func(*LedgerState)) (LedgerState, error) {
	st, ok := l.send(opUpdate, fn)
	if !ok {
		return st, ErrClosed
	}
	return st, nil
}

// BufferSize is the number of bytes of unacknowledged frames.
func (l *Ledger) BufferSize() uint64 {
	return l.Snapshot().TotalBufferedBytes
}

// TotalRecords is the number of unacknowledged records.
func (l *Ledger) TotalRecords() uint64 {
	return l.Snapshot().TotalRecords()
}

// Flush persists a consistent snapshot atomically. It is a no-op when the
// state has not changed since the last flush.
func (l *Ledger) Flush() error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	st := l.Snapshot()
	if l.flushed && st == l.lastFlushed {
		return nil
	}
	if err := writeLedger(l.dir, st); err != nil {
		return err
	}
	l.lastFlushed = st
	l.flushed = true
	return nil
}

// Close flushes the ledger and stops its goroutine. Later snapshots return
// the final state and updates fail with ErrClosed.
func (l *Ledger) Close() error {
	err := l.Flush()
	l.stopOnce.Do(func() {
		l.send(opStop, nil)
	})
	return err
}

func writeLedger(dir string, st LedgerState) error {
	path := filepath.Join(dir, ledgerFileName)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}
	if _, err := f.Write(st.marshal()); err != nil {
		f.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename ledger: %w", err)
	}
	return syncDir(dir)
}
