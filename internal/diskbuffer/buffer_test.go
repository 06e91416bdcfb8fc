package diskbuffer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.MaxDataFileSize = 1024
	cfg.MaxRecordSize = 512
	cfg.MaxBufferSize = 1 << 20
	cfg.FlushInterval = time.Hour
	return cfg
}

func openBytes(t *testing.T, cfg Config) *Buffer[[]byte] {
	t.Helper()
	b, err := Open[[]byte](context.Background(), cfg, BytesCodec{}, discardLogger(), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return b
}

func payload(i int) []byte {
	return []byte(fmt.Sprintf("record-%04d-%s", i, "abcdefghijklmnopqrstuvwxyz"))
}

func writeN(t *testing.T, b *Buffer[[]byte], from, n int) {
	t.Helper()
	for i := from; i < from+n; i++ {
		if err := b.Writer().WriteRecord(context.Background(), payload(i)); err != nil {
			t.Fatalf("WriteRecord(%d) error = %v", i, err)
		}
	}
}

func readN(t *testing.T, b *Buffer[[]byte], from, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := from; i < from+n; i++ {
		got, err := b.Reader().Next(ctx)
		if err != nil {
			t.Fatalf("Next() for record %d error = %v", i, err)
		}
		if string(got) != string(payload(i)) {
			t.Fatalf("Next() = %q, want %q", got, payload(i))
		}
	}
}

// crash drops the buffer without flushing or closing cleanly, leaving the
// directory as a killed process would.
func crash[T any](t *testing.T, b *Buffer[T]) {
	t.Helper()
	b.c.closed.Store(true)
	close(b.c.closing)
	close(b.stopFlush)
	<-b.flushDone

	b.writer.mu.Lock()
	if b.writer.file != nil {
		b.writer.file.Close()
		b.writer.file = nil
	}
	b.writer.mu.Unlock()
	b.reader.release()

	b.c.ledger.stopOnce.Do(func() {
		b.c.ledger.send(opStop, nil)
	})
	if err := b.lock.release(); err != nil {
		t.Fatalf("release lock: %v", err)
	}
}

func dataFiles(t *testing.T, dir string) []uint64 {
	t.Helper()
	ids, err := listDataFiles(dir)
	if err != nil {
		t.Fatalf("listDataFiles() error = %v", err)
	}
	return ids
}

func TestWriteReadOrderAcrossRotation(t *testing.T) {
	cfg := testConfig(t)
	b := openBytes(t, cfg)
	defer b.Close()

	writeN(t, b, 0, 100)
	if files := dataFiles(t, cfg.DataDir); len(files) < 3 {
		t.Fatalf("data files = %d, want rotation into at least 3", len(files))
	}

	readN(t, b, 0, 100)

	if err := b.Writer().Close(); err != nil {
		t.Fatalf("Writer.Close() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := b.Reader().Next(context.Background()); !errors.Is(err, io.EOF) {
			t.Fatalf("Next() after writer close error = %v, want io.EOF", err)
		}
	}
}

func TestNextWaitsForWrite(t *testing.T) {
	b := openBytes(t, testConfig(t))
	defer b.Close()

	got := make(chan []byte, 1)
	go func() {
		rec, err := b.Reader().Next(context.Background())
		if err != nil {
			t.Errorf("Next() error = %v", err)
		}
		got <- rec
	}()

	select {
	case <-got:
		t.Fatal("Next() returned before any record was written")
	case <-time.After(50 * time.Millisecond):
	}

	writeN(t, b, 0, 1)

	select {
	case rec := <-got:
		if string(rec) != string(payload(0)) {
			t.Errorf("Next() = %q, want %q", rec, payload(0))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Next() was not woken by WriteRecord")
	}
}

func TestNextContextCanceled(t *testing.T) {
	b := openBytes(t, testConfig(t))
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Reader().Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next() error = %v, want context.DeadlineExceeded", err)
	}
}

func smallBufferConfig(t *testing.T, policy WhenFull) Config {
	t.Helper()
	cfg := testConfig(t)
	// Room for exactly three frames.
	cfg.MaxRecordSize = 64
	cfg.MaxBufferSize = 3 * uint64(FrameHeaderSize+len(payload(0)))
	cfg.WhenFull = policy
	return cfg
}

func TestBackpressureBlocksUntilAck(t *testing.T) {
	b := openBytes(t, smallBufferConfig(t, WhenFullBlock))
	defer b.Close()

	writeN(t, b, 0, 3)

	done := make(chan error, 1)
	go func() {
		done <- b.Writer().WriteRecord(context.Background(), payload(3))
	}()

	select {
	case err := <-done:
		t.Fatalf("WriteRecord() returned %v while buffer was full", err)
	case <-time.After(50 * time.Millisecond):
	}

	readN(t, b, 0, 1)
	b.Acker().Ack(1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WriteRecord() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WriteRecord() not unblocked by Ack")
	}
	readN(t, b, 1, 3)
}

func TestBackpressureHonorsContext(t *testing.T) {
	b := openBytes(t, smallBufferConfig(t, WhenFullBlock))
	defer b.Close()

	writeN(t, b, 0, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Writer().WriteRecord(ctx, payload(3)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WriteRecord() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestDropNewest(t *testing.T) {
	b := openBytes(t, smallBufferConfig(t, WhenFullDropNewest))
	defer b.Close()

	writeN(t, b, 0, 3)
	before := b.BufferSize()

	err := b.Writer().WriteRecord(context.Background(), payload(3))
	if !errors.Is(err, ErrRecordDropped) {
		t.Fatalf("WriteRecord() error = %v, want ErrRecordDropped", err)
	}
	if got := b.BufferSize(); got != before {
		t.Errorf("BufferSize() = %d, want %d", got, before)
	}
	if got := b.TotalRecords(); got != 3 {
		t.Errorf("TotalRecords() = %d, want 3", got)
	}
}

func TestRecordTooLarge(t *testing.T) {
	b := openBytes(t, testConfig(t))
	defer b.Close()

	err := b.Writer().WriteRecord(context.Background(), make([]byte, 513))
	var recErr *RecordError
	if !errors.As(err, &recErr) {
		t.Fatalf("WriteRecord() error = %v, want *RecordError", err)
	}
	if !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("WriteRecord() error = %v, want ErrRecordTooLarge", err)
	}
	if got := b.BufferSize(); got != 0 {
		t.Errorf("BufferSize() = %d, want 0", got)
	}

	writeN(t, b, 0, 1)
	readN(t, b, 0, 1)
}

func TestReclaimDeletesAcknowledgedFiles(t *testing.T) {
	cfg := testConfig(t)
	b := openBytes(t, cfg)
	defer b.Close()

	writeN(t, b, 0, 100)
	before := b.BufferSize()
	readN(t, b, 0, 100)
	if files := dataFiles(t, cfg.DataDir); len(files) < 3 {
		t.Fatalf("data files before ack = %d, want at least 3", len(files))
	}

	b.Acker().Ack(100)

	if files := dataFiles(t, cfg.DataDir); len(files) != 1 {
		t.Errorf("data files after ack = %v, want only the writer file", files)
	}
	if got := b.BufferSize(); got != 0 || before == 0 {
		t.Errorf("BufferSize() = %d (before %d), want 0", got, before)
	}
	if got := b.TotalRecords(); got != 0 {
		t.Errorf("TotalRecords() = %d, want 0", got)
	}
}

func TestReclaimLagKeepsFilesUntilClose(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReclaimLagFiles = 100
	b := openBytes(t, cfg)

	writeN(t, b, 0, 100)
	readN(t, b, 0, 100)
	b.Acker().Ack(100)

	if files := dataFiles(t, cfg.DataDir); len(files) < 3 {
		t.Errorf("data files = %d, want acknowledged files kept", len(files))
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if files := dataFiles(t, cfg.DataDir); len(files) != 1 {
		t.Errorf("data files after Close = %v, want only the writer file", files)
	}
}

func TestRecoveryRedeliversUnacknowledged(t *testing.T) {
	cfg := testConfig(t)
	b := openBytes(t, cfg)
	writeN(t, b, 0, 30)
	readN(t, b, 0, 30)
	b.Acker().Ack(12)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	b = openBytes(t, cfg)
	defer b.Close()

	if got := b.TotalRecords(); got != 18 {
		t.Errorf("TotalRecords() after reopen = %d, want 18", got)
	}
	readN(t, b, 12, 18)

	writeN(t, b, 30, 5)
	readN(t, b, 30, 5)
	if got := b.Stats().NextRecordID; got != 36 {
		t.Errorf("NextRecordID = %d, want 36", got)
	}
}

func TestRecoveryAfterCrash(t *testing.T) {
	cfg := testConfig(t)
	b := openBytes(t, cfg)
	writeN(t, b, 0, 50)
	readN(t, b, 0, 20)
	b.Acker().Ack(20)
	crash(t, b)

	b = openBytes(t, cfg)
	defer b.Close()

	readN(t, b, 20, 30)
	if got := b.Stats().NextRecordID; got != 51 {
		t.Errorf("NextRecordID = %d, want 51", got)
	}
}

func TestRecoveryTruncatesTornTail(t *testing.T) {
	cfg := testConfig(t)
	b := openBytes(t, cfg)
	writeN(t, b, 0, 5)
	st := b.Stats()
	crash(t, b)

	path := filepath.Join(cfg.DataDir, dataFileName(st.WriterFileID))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("open writer file: %v", err)
	}
	torn := AppendFrame(nil, 6, payload(5))
	if _, err := f.Write(torn[:len(torn)-10]); err != nil {
		t.Fatalf("append torn frame: %v", err)
	}
	f.Close()

	b = openBytes(t, cfg)
	defer b.Close()

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat writer file: %v", err)
	}
	if uint64(fi.Size()) != st.WriterOffset {
		t.Errorf("writer file size = %d, want %d", fi.Size(), st.WriterOffset)
	}

	readN(t, b, 0, 5)
	writeN(t, b, 5, 1)
	readN(t, b, 5, 1)
	if err := b.Writer().Close(); err != nil {
		t.Fatalf("Writer.Close() error = %v", err)
	}
	if _, err := b.Reader().Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Next() error = %v, want io.EOF", err)
	}
}

func TestCorruptFrameSkipped(t *testing.T) {
	cfg := testConfig(t)
	b := openBytes(t, cfg)
	writeN(t, b, 0, 3)
	st := b.Stats()
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Flip a payload byte of the second frame.
	frameSize := int64(FrameHeaderSize + len(payload(0)))
	path := filepath.Join(cfg.DataDir, dataFileName(st.WriterFileID))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open data file: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xFF}, FileHeaderSize+frameSize+FrameHeaderSize+3); err != nil {
		t.Fatalf("corrupt frame: %v", err)
	}
	f.Close()

	b = openBytes(t, cfg)
	defer b.Close()

	readN(t, b, 0, 1)
	readN(t, b, 2, 1)
	b.Acker().Ack(2)

	if got := b.TotalRecords(); got != 0 {
		t.Errorf("TotalRecords() = %d, want 0", got)
	}
	if got := b.Stats().LastAckedRecordID; got != 3 {
		t.Errorf("LastAckedRecordID = %d, want 3", got)
	}
}

func TestMissingDataFileFailsOpen(t *testing.T) {
	cfg := testConfig(t)
	b := openBytes(t, cfg)
	writeN(t, b, 0, 100)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	files := dataFiles(t, cfg.DataDir)
	if len(files) < 3 {
		t.Fatalf("data files = %d, want at least 3", len(files))
	}
	missing := files[1]
	if err := os.Remove(filepath.Join(cfg.DataDir, dataFileName(missing))); err != nil {
		t.Fatalf("remove data file: %v", err)
	}

	_, err := Open[[]byte](context.Background(), cfg, BytesCodec{}, discardLogger(), nil)
	var recErr *RecoveryError
	if !errors.As(err, &recErr) {
		t.Fatalf("Open() error = %v, want *RecoveryError", err)
	}
	if recErr.Kind != MissingDataFile || recErr.FileID != missing {
		t.Errorf("RecoveryError = %+v, want %s for file %d", recErr, MissingDataFile, missing)
	}
}

func TestCorruptLedger(t *testing.T) {
	cfg := testConfig(t)
	b := openBytes(t, cfg)
	writeN(t, b, 0, 10)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.DataDir, ledgerFileName), []byte("not a ledger"), 0o644); err != nil {
		t.Fatalf("overwrite ledger: %v", err)
	}

	_, err := Open[[]byte](context.Background(), cfg, BytesCodec{}, discardLogger(), nil)
	if !errors.Is(err, ErrLedgerCorrupt) {
		t.Fatalf("Open() error = %v, want ErrLedgerCorrupt", err)
	}

	cfg.RebuildCorruptLedger = true
	b = openBytes(t, cfg)
	defer b.Close()
	readN(t, b, 0, 10)
}

func TestConcurrentAcks(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxDataFileSize = 64 << 10
	b := openBytes(t, cfg)
	defer b.Close()

	writeN(t, b, 0, 1000)
	readN(t, b, 0, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.Acker().Ack(10)
			}
		}()
	}
	wg.Wait()

	st := b.Stats()
	if st.LastAckedRecordID != 1000 {
		t.Errorf("LastAckedRecordID = %d, want 1000", st.LastAckedRecordID)
	}
	if st.TotalBufferedBytes != 0 {
		t.Errorf("TotalBufferedBytes = %d, want 0", st.TotalBufferedBytes)
	}
	if got := b.Acker().Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
}

func TestAckBeyondDeliveredIsClamped(t *testing.T) {
	b := openBytes(t, testConfig(t))
	defer b.Close()

	writeN(t, b, 0, 4)
	readN(t, b, 0, 2)
	b.Acker().Ack(5)

	if got := b.Stats().LastAckedRecordID; got != 2 {
		t.Fatalf("LastAckedRecordID = %d, want 2", got)
	}

	readN(t, b, 2, 1)
	if got := b.Acker().Pending(); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}
	b.Acker().Ack(1)
	if got := b.Stats().LastAckedRecordID; got != 3 {
		t.Errorf("LastAckedRecordID = %d, want 3", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := openBytes(t, testConfig(t))
	writeN(t, b, 0, 1)

	if err := b.Writer().Close(); err != nil {
		t.Fatalf("Writer.Close() error = %v", err)
	}
	if err := b.Writer().Close(); err != nil {
		t.Fatalf("second Writer.Close() error = %v", err)
	}
	if err := b.Writer().WriteRecord(context.Background(), payload(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteRecord() after close error = %v, want ErrClosed", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := b.Reader().Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Next() after Close error = %v, want ErrClosed", err)
	}
	b.Acker().Ack(1)
}

func TestCloseWakesBlockedReader(t *testing.T) {
	b := openBytes(t, testConfig(t))

	done := make(chan error, 1)
	go func() {
		_, err := b.Reader().Next(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Next() error = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Next() not woken by Close")
	}
}

func TestDirectoryLocked(t *testing.T) {
	cfg := testConfig(t)
	b := openBytes(t, cfg)
	defer b.Close()

	_, err := Open[[]byte](context.Background(), cfg, BytesCodec{}, discardLogger(), nil)
	if !errors.Is(err, ErrBufferLocked) {
		t.Fatalf("second Open() error = %v, want ErrBufferLocked", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "missing dir", mutate: func(c *Config) { c.DataDir = "" }, wantErr: true},
		{name: "record larger than file", mutate: func(c *Config) { c.MaxRecordSize = c.MaxDataFileSize }, wantErr: true},
		{name: "record larger than buffer", mutate: func(c *Config) { c.MaxBufferSize = 1024 }, wantErr: true},
		{name: "unknown policy", mutate: func(c *Config) { c.WhenFull = "drop_oldest" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("/tmp/buffer").withDefaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRecoveryAfterUnrecordedRotation(t *testing.T) {
	cfg := testConfig(t)
	b := openBytes(t, cfg)
	writeN(t, b, 0, 2)
	if err := b.Writer().Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	// Fill file 0 and rotate into file 1 without persisting the ledger.
	writeN(t, b, 2, 17)
	st := b.Stats()
	if st.WriterFileID != 1 {
		t.Fatalf("WriterFileID = %d, want rotation into file 1", st.WriterFileID)
	}
	crash(t, b)

	// The record appended to file 1 never reached the disk.
	if err := os.Truncate(filepath.Join(cfg.DataDir, dataFileName(1)), FileHeaderSize); err != nil {
		t.Fatalf("truncate writer file: %v", err)
	}

	b = openBytes(t, cfg)
	defer b.Close()

	if got := b.Stats().NextRecordID; got != 19 {
		t.Errorf("NextRecordID = %d, want 19", got)
	}
	if got := b.TotalRecords(); got != 18 {
		t.Errorf("TotalRecords() = %d, want 18", got)
	}
	readN(t, b, 0, 18)
	writeN(t, b, 18, 1)
	readN(t, b, 18, 1)
	if got := b.Stats().NextRecordID; got != 20 {
		t.Errorf("NextRecordID after write = %d, want 20", got)
	}
}

func TestErrDoesNotWaitForBlockedWrite(t *testing.T) {
	b := openBytes(t, smallBufferConfig(t, WhenFullBlock))
	defer b.Close()

	writeN(t, b, 0, 3)
	blocked := make(chan error, 1)
	go func() {
		blocked <- b.Writer().WriteRecord(context.Background(), payload(3))
	}()
	select {
	case err := <-blocked:
		t.Fatalf("WriteRecord() returned %v while buffer was full", err)
	case <-time.After(50 * time.Millisecond):
	}

	done := make(chan error, 1)
	go func() { done <- b.Writer().Err() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Err() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Err() blocked behind a write waiting for space")
	}
}

// writeSealed writes n records, closes the buffer and returns the frame
// size of payload(i). With testConfig, file 0 holds records 0..17.
func writeSealed(t *testing.T, cfg Config, n int) int64 {
	t.Helper()
	b := openBytes(t, cfg)
	writeN(t, b, 0, n)
	if got := b.Stats().WriterFileID; got < 2 {
		t.Fatalf("WriterFileID = %d, want at least 2", got)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return int64(FrameHeaderSize + len(payload(0)))
}

func patchFile(t *testing.T, path string, off int64, data []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open data file: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, off); err != nil {
		t.Fatalf("patch data file: %v", err)
	}
}

func TestCorruptFrameInSealedFileSkipped(t *testing.T) {
	cfg := testConfig(t)
	frameSize := writeSealed(t, cfg, 60)

	// Flip a payload byte of record 5 in file 0.
	patchFile(t, filepath.Join(cfg.DataDir, dataFileName(0)),
		FileHeaderSize+5*frameSize+FrameHeaderSize+3, []byte{0xFF})

	b := openBytes(t, cfg)
	defer b.Close()

	readN(t, b, 0, 5)
	readN(t, b, 6, 54)
	b.Acker().Ack(59)

	if got := b.TotalRecords(); got != 0 {
		t.Errorf("TotalRecords() = %d, want 0", got)
	}
	if got := b.BufferSize(); got != 0 {
		t.Errorf("BufferSize() = %d, want 0", got)
	}
	if got := b.Stats().LastAckedRecordID; got != 60 {
		t.Errorf("LastAckedRecordID = %d, want 60", got)
	}
}

func TestTruncatedSealedFile(t *testing.T) {
	cfg := testConfig(t)
	frameSize := writeSealed(t, cfg, 60)

	// Cut file 0 inside the payload of record 10.
	path := filepath.Join(cfg.DataDir, dataFileName(0))
	if err := os.Truncate(path, FileHeaderSize+10*frameSize+FrameHeaderSize+4); err != nil {
		t.Fatalf("truncate data file: %v", err)
	}

	b := openBytes(t, cfg)
	defer b.Close()

	readN(t, b, 0, 10)
	readN(t, b, 18, 42)
	b.Acker().Ack(52)

	if got := b.TotalRecords(); got != 0 {
		t.Errorf("TotalRecords() = %d, want 0", got)
	}
	if got := b.BufferSize(); got != 0 {
		t.Errorf("BufferSize() = %d, want 0", got)
	}
	if err := b.Writer().Close(); err != nil {
		t.Fatalf("Writer.Close() error = %v", err)
	}
	if _, err := b.Reader().Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Next() error = %v, want io.EOF", err)
	}
}

func TestMisalignedFramesDiscardRestOfFile(t *testing.T) {
	cfg := testConfig(t)

	// Record 5 carries bytes that parse as frame headers once its length
	// field is damaged.
	crafted := []byte("xxxxxxxxxx")
	for i := 0; i < 3; i++ {
		var hdr [FrameHeaderSize]byte
		binary.LittleEndian.PutUint64(hdr[0:8], uint64(1000+i))
		binary.LittleEndian.PutUint32(hdr[8:12], 4)
		crafted = append(crafted, hdr[:]...)
		crafted = append(crafted, "zzzz"...)
	}

	b := openBytes(t, cfg)
	writeN(t, b, 0, 5)
	if err := b.Writer().WriteRecord(context.Background(), crafted); err != nil {
		t.Fatalf("WriteRecord() error = %v", err)
	}
	writeN(t, b, 6, 34)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	frameSize := int64(FrameHeaderSize + len(payload(0)))
	var shortLen [4]byte
	binary.LittleEndian.PutUint32(shortLen[:], 10)
	patchFile(t, filepath.Join(cfg.DataDir, dataFileName(0)), FileHeaderSize+5*frameSize+8, shortLen[:])

	b = openBytes(t, cfg)
	defer b.Close()

	readN(t, b, 0, 5)
	b.Acker().Ack(5)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := b.Reader().Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	var first int
	if _, err := fmt.Sscanf(string(got), "record-%04d-", &first); err != nil || first <= 5 {
		t.Fatalf("Next() = %q, want a record from a later file", got)
	}
	if got := b.Stats().LastAckedRecordID; got != 6 {
		t.Errorf("LastAckedRecordID = %d, want 6", got)
	}

	readN(t, b, first+1, 39-first)
	b.Acker().Ack(40 - first)
	if got := b.TotalRecords(); got != 0 {
		t.Errorf("TotalRecords() = %d, want 0", got)
	}
}
