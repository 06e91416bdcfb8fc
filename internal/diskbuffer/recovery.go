package diskbuffer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
)

// fileScan summarises the frames found in a data file.
type fileScan struct {
	// validEnd is the end of the last frame with a valid checksum.
	validEnd uint64
	size     uint64
	firstID  uint64
	lastID   uint64
	frames   int
	corrupt  int
}

// recoverState reconciles the ledger with the data files on disk and
// returns the state the buffer resumes from. It must run with the
// directory lock held and before the writer or reader start.
func recoverState(cfg Config, logger *slog.Logger) (LedgerState, error) {
	dir := cfg.DataDir
	_ = os.Remove(filepath.Join(dir, ledgerFileName+".tmp"))

	ids, err := listDataFiles(dir)
	if err != nil {
		return LedgerState{}, err
	}

	st, err := readLedger(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		st = freshLedgerState()
		if len(ids) > 0 {
			logger.Warn("ledger missing, rebuilding from data files", "data_files", len(ids))
			if st, err = rebuildState(dir, ids, cfg.MaxRecordSize); err != nil {
				return LedgerState{}, err
			}
		}
	case errors.Is(err, ErrLedgerCorrupt):
		if !cfg.RebuildCorruptLedger {
			return LedgerState{}, err
		}
		logger.Warn("ledger corrupt, rebuilding from data files", "error", err, "data_files", len(ids))
		if st, err = rebuildState(dir, ids, cfg.MaxRecordSize); err != nil {
			return LedgerState{}, err
		}
	case err != nil:
		return LedgerState{}, fmt.Errorf("read ledger: %w", err)
	}

	if n := len(ids); n > 0 && ids[n-1] > st.WriterFileID {
		logger.Info("adopting newer data file as writer file",
			"ledger_file_id", st.WriterFileID,
			"file_id", ids[n-1],
		)
		// Files sealed after the last ledger flush may hold ids the
		// ledger never saw.
		for _, id := range ids {
			if id < st.WriterFileID || id >= ids[n-1] {
				continue
			}
			scan, err := scanDataFile(filepath.Join(dir, dataFileName(id)), id, cfg.MaxRecordSize)
			if err != nil {
				return LedgerState{}, &RecoveryError{Kind: CorruptDataFile, FileID: id, Err: err}
			}
			if scan.frames > 0 && scan.lastID >= st.NextRecordID {
				st.NextRecordID = scan.lastID + 1
			}
		}
		st.WriterFileID = ids[n-1]
		st.WriterOffset = 0
	}
	if st.AckedFileID > st.WriterFileID {
		return LedgerState{}, fmt.Errorf("%w: acknowledged file %d is past writer file %d",
			ErrLedgerCorrupt, st.AckedFileID, st.WriterFileID)
	}

	for _, id := range ids {
		if id >= st.AckedFileID {
			break
		}
		if err := os.Remove(filepath.Join(dir, dataFileName(id))); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return LedgerState{}, fmt.Errorf("delete stale data file %d: %w", id, err)
		}
		logger.Info("deleted fully acknowledged data file", "file_id", id)
	}

	sizes := make(map[uint64]uint64, len(ids))
	for id := st.AckedFileID; id < st.WriterFileID; id++ {
		size, err := checkSealedFile(dir, id)
		if err != nil {
			return LedgerState{}, err
		}
		sizes[id] = size
	}

	if err := recoverWriterFile(dir, &st, slices.Contains(ids, st.WriterFileID), cfg.MaxRecordSize, logger); err != nil {
		return LedgerState{}, err
	}
	sizes[st.WriterFileID] = st.WriterOffset

	if st.NextRecordID <= st.LastAckedRecordID {
		st.NextRecordID = st.LastAckedRecordID + 1
	}
	if st.AckedOffset < FileHeaderSize {
		st.AckedOffset = FileHeaderSize
	}
	if st.AckedFileID == st.WriterFileID && st.AckedOffset > st.WriterOffset {
		st.AckedOffset = st.WriterOffset
	}

	var total uint64
	for id := st.AckedFileID; id <= st.WriterFileID; id++ {
		start := uint64(FileHeaderSize)
		if id == st.AckedFileID {
			start = st.AckedOffset
		}
		if sizes[id] > start {
			total += sizes[id] - start
		}
	}
	st.TotalBufferedBytes = total
	st.ReaderFileID, st.ReaderOffset = st.AckedFileID, st.AckedOffset

	return st, nil
}

// recoverWriterFile validates the writer's active file, truncates a torn
// tail and advances the next record id past any frame the ledger missed.
func recoverWriterFile(dir string, st *LedgerState, exists bool, maxPayload uint64, logger *slog.Logger) error {
	id := st.WriterFileID
	path := filepath.Join(dir, dataFileName(id))

	if !exists {
		empty := st.WriterOffset <= FileHeaderSize ||
			(st.AckedFileID == id && st.AckedOffset >= st.WriterOffset)
		if !empty {
			return &RecoveryError{Kind: MissingDataFile, FileID: id}
		}
		f, err := createDataFile(dir, id)
		if err != nil {
			return err
		}
		f.Close()
		st.WriterOffset = FileHeaderSize
		return nil
	}

	scan, err := scanDataFile(path, id, maxPayload)
	if errors.Is(err, ErrBadFileHeader) && scan.size < FileHeaderSize {
		// Crashed while creating the file.
		logger.Warn("rewriting torn data file header", "file_id", id)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove torn data file %d: %w", id, err)
		}
		f, err := createDataFile(dir, id)
		if err != nil {
			return err
		}
		f.Close()
		st.WriterOffset = FileHeaderSize
		return nil
	}
	if err != nil {
		return &RecoveryError{Kind: CorruptDataFile, FileID: id, Err: err}
	}

	if scan.size > scan.validEnd {
		logger.Warn("truncating torn tail of writer file",
			"file_id", id,
			"valid_bytes", scan.validEnd,
			"truncated_bytes", scan.size-scan.validEnd,
		)
		if err := os.Truncate(path, int64(scan.validEnd)); err != nil {
			return fmt.Errorf("truncate data file %d: %w", id, err)
		}
	}
	if scan.validEnd > st.WriterOffset && st.WriterOffset > 0 {
		logger.Info("recovered frames written after last ledger flush",
			"file_id", id,
			"bytes", scan.validEnd-st.WriterOffset,
		)
	}
	st.WriterOffset = scan.validEnd
	if scan.frames > 0 && scan.lastID >= st.NextRecordID {
		st.NextRecordID = scan.lastID + 1
	}
	return nil
}

// checkSealedFile verifies that a data file between the acknowledged and
// writer files exists and carries its own header. It returns the file size.
func checkSealedFile(dir string, id uint64) (uint64, error) {
	f, err := os.Open(filepath.Join(dir, dataFileName(id)))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, &RecoveryError{Kind: MissingDataFile, FileID: id}
	}
	if err != nil {
		return 0, fmt.Errorf("open data file %d: %w", id, err)
	}
	defer f.Close()

	hdr := make([]byte, FileHeaderSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return 0, &RecoveryError{Kind: CorruptDataFile, FileID: id, Err: err}
	}
	got, err := parseFileHeader(hdr)
	if err != nil {
		return 0, &RecoveryError{Kind: CorruptDataFile, FileID: id, Err: err}
	}
	if got != id {
		return 0, &RecoveryError{Kind: CorruptDataFile, FileID: id,
			Err: fmt.Errorf("%w: header names file %d", ErrBadFileHeader, got)}
	}
	fi, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat data file %d: %w", id, err)
	}
	return uint64(fi.Size()), nil
}

// scanDataFile walks every frame in a data file. Scanning stops at the
// first frame that is incomplete or declares an impossible length.
func scanDataFile(path string, id uint64, maxPayload uint64) (fileScan, error) {
	var scan fileScan

	f, err := os.Open(path)
	if err != nil {
		return scan, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return scan, err
	}
	scan.size = uint64(fi.Size())

	br := bufio.NewReaderSize(f, readBufferSize)
	hdr := make([]byte, FileHeaderSize)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return scan, fmt.Errorf("%w: %v", ErrBadFileHeader, err)
	}
	got, err := parseFileHeader(hdr)
	if err != nil {
		return scan, err
	}
	if got != id {
		return scan, fmt.Errorf("%w: header names file %d", ErrBadFileHeader, got)
	}

	offset := uint64(FileHeaderSize)
	scan.validEnd = offset
	var frame []byte
	for {
		frame = growBytes(frame, FrameHeaderSize)
		if _, err := io.ReadFull(br, frame); err != nil {
			break
		}
		n := peekPayloadLen(frame)
		if n > maxPayload || offset+FrameHeaderSize+n > scan.size {
			break
		}
		frame = growBytes(frame, int(FrameHeaderSize+n))
		if _, err := io.ReadFull(br, frame[FrameHeaderSize:]); err != nil {
			break
		}
		offset += FrameHeaderSize + n

		view, err := ParseFrame(frame, maxPayload)
		if err != nil {
			scan.corrupt++
			continue
		}
		if scan.frames == 0 {
			scan.firstID = view.RecordID()
		}
		scan.lastID = view.RecordID()
		scan.frames++
		scan.validEnd = offset
	}
	return scan, nil
}

// rebuildState reconstructs a ledger from the data files alone. Every
// record still on disk is treated as unacknowledged.
func rebuildState(dir string, ids []uint64, maxPayload uint64) (LedgerState, error) {
	st := freshLedgerState()
	if len(ids) == 0 {
		return st, nil
	}
	st.AckedFileID = ids[0]
	st.AckedOffset = FileHeaderSize
	st.WriterFileID = ids[len(ids)-1]

	first := true
	for _, id := range ids {
		scan, err := scanDataFile(filepath.Join(dir, dataFileName(id)), id, maxPayload)
		if err != nil {
			if id == st.WriterFileID {
				continue
			}
			return LedgerState{}, &RecoveryError{Kind: CorruptDataFile, FileID: id, Err: err}
		}
		if scan.frames == 0 {
			continue
		}
		if first {
			st.LastAckedRecordID = scan.firstID - 1
			first = false
		}
		if scan.lastID >= st.NextRecordID {
			st.NextRecordID = scan.lastID + 1
		}
	}
	return st, nil
}

func listDataFiles(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list buffer dir: %w", err)
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := parseDataFileName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
