package diskbuffer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// pendingRecord is a frame the reader has passed but that is not yet
// acknowledged.
type pendingRecord struct {
	id     uint64
	fileID uint64
	end    uint64
	size   uint64

	// skipped frames were never delivered; they settle on their own once
	// every record before them is acknowledged.
	skipped bool
}

type ackResult struct {
	acked   int
	settled int
	lastID  uint64
	bytes   uint64
	fileID  uint64
	end     uint64
}

// Acker acknowledges records delivered by the Reader. Acknowledgements are
// counts applied in delivery order. It is safe for concurrent use.
type Acker struct {
	c *core

	mu        sync.Mutex
	pending   []pendingRecord
	doneFiles []uint64

	reclaimMu sync.Mutex
}

func newAcker(c *core) *Acker {
	return &Acker{c: c}
}

// Ack marks the next n delivered records as processed. Acknowledgements
// past the last delivered record are discarded.
func (a *Acker) Ack(n int) {
	if n <= 0 || a.c.closed.Load() {
		return
	}
	res, excess := a.settle(n)
	if excess > 0 {
		a.c.logger.Warn("acknowledgement exceeds delivered records, clamping",
			"requested", n,
			"excess", excess,
		)
	}
	if err := a.commit(res); err != nil {
		a.c.logger.Error("failed to apply acknowledgement", "error", err)
	}
}

// Pending returns the number of delivered records awaiting acknowledgement.
func (a *Acker) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, p := range a.pending {
		if !p.skipped {
			n++
		}
	}
	return n
}

func (a *Acker) track(p pendingRecord) {
	a.mu.Lock()
	a.pending = append(a.pending, p)
	a.mu.Unlock()
}

// skip records a frame the reader dropped and settles it if nothing
// delivered precedes it.
func (a *Acker) skip(p pendingRecord) {
	p.skipped = true
	a.track(p)
	res, _ := a.settle(0)
	if err := a.commit(res); err != nil {
		a.c.logger.Error("failed to settle skipped record", "record_id", p.id, "error", err)
	}
}

// fileDone records that the reader has closed a sealed data file.
func (a *Acker) fileDone(fileID uint64) {
	a.mu.Lock()
	a.doneFiles = append(a.doneFiles, fileID)
	a.mu.Unlock()
	if err := a.reclaim(false); err != nil {
		a.c.logger.Error("failed to reclaim data files", "error", err)
	}
}

func (a *Acker) settle(n int) (ackResult, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var res ackResult
	i := 0
	for ; i < len(a.pending); i++ {
		p := a.pending[i]
		if !p.skipped {
			if n == 0 {
				break
			}
			n--
			res.acked++
		}
		res.settled++
		res.lastID = p.id
		res.bytes += p.size
		res.fileID, res.end = p.fileID, p.end
	}
	a.pending = a.pending[i:]
	if len(a.pending) == 0 {
		a.pending = nil
	}
	return res, n
}

func (a *Acker) commit(res ackResult) error {
	if res.settled == 0 {
		return nil
	}
	st, err := a.c.ledger.Update(func(s *LedgerState) {
		if res.lastID > s.LastAckedRecordID {
			s.LastAckedRecordID = res.lastID
		}
		if res.bytes > s.TotalBufferedBytes {
			s.TotalBufferedBytes = 0
		} else {
			s.TotalBufferedBytes -= res.bytes
		}
		if positionAfter(res.fileID, res.end, s.AckedFileID, s.AckedOffset) {
			s.AckedFileID, s.AckedOffset = res.fileID, res.end
		}
	})
	if err != nil {
		return err
	}
	if res.acked > 0 {
		a.c.metrics.RecordBufferAck(res.acked)
	}
	a.c.metrics.UpdateBufferUsage(st.TotalBufferedBytes, st.TotalRecords())
	a.c.writable.notify()
	return a.reclaim(false)
}

// reclaim deletes data files that were fully read and whose records are
// all acknowledged. The ledger moves past the files before they are
// removed so that a crash in between leaves only stale files, which
// recovery deletes.
func (a *Acker) reclaim(force bool) error {
	a.reclaimMu.Lock()
	defer a.reclaimMu.Unlock()

	a.mu.Lock()
	var eligible []uint64
	for _, f := range a.doneFiles {
		if len(a.pending) > 0 && a.pending[0].fileID <= f {
			break
		}
		eligible = append(eligible, f)
	}
	if len(eligible) == 0 || (!force && len(eligible) < a.c.cfg.ReclaimLagFiles) {
		a.mu.Unlock()
		return nil
	}
	a.doneFiles = a.doneFiles[len(eligible):]
	a.mu.Unlock()

	last := eligible[len(eligible)-1]
	if _, err := a.c.ledger.Update(func(s *LedgerState) {
		if s.AckedFileID <= last {
			s.AckedFileID, s.AckedOffset = last+1, FileHeaderSize
		}
	}); err != nil {
		a.requeue(eligible)
		return err
	}
	if err := a.c.ledger.Flush(); err != nil {
		a.requeue(eligible)
		return fmt.Errorf("flush ledger before reclaim: %w", err)
	}

	for _, id := range eligible {
		path := filepath.Join(a.c.cfg.DataDir, dataFileName(id))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			a.c.logger.Error("failed to delete data file", "file_id", id, "error", err)
			continue
		}
		a.c.metrics.RecordBufferFileDeleted()
		a.c.logger.Debug("deleted data file", "file_id", id)
	}
	return syncDir(a.c.cfg.DataDir)
}

func (a *Acker) requeue(ids []uint64) {
	a.mu.Lock()
	a.doneFiles = append(append([]uint64(nil), ids...), a.doneFiles...)
	a.mu.Unlock()
}

// positionAfter reports whether (f1, o1) is past (f2, o2).
func positionAfter(f1, o1, f2, o2 uint64) bool {
	if f1 != f2 {
		return f1 > f2
	}
	return o1 > o2
}
