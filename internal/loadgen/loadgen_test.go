package loadgen

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jittakal/kafeventbuffer/internal/codec"
	"github.com/jittakal/kafeventbuffer/internal/diskbuffer"
	"github.com/jittakal/kafeventbuffer/internal/validator"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGenerator_ProducesValidEvents(t *testing.T) {
	tests := []struct {
		name        string
		returnRatio float64
		wantType    string
	}{
		{name: "issued only", returnRatio: 0, wantType: TypeBookIssued},
		{name: "returned only", returnRatio: 1, wantType: TypeBookReturned},
	}
	v := validator.NewCloudEventsValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGenerator(tt.returnRatio)
			seen := map[string]bool{}
			for range 20 {
				ev, err := g.Next()
				if err != nil {
					t.Fatalf("Next() error = %v", err)
				}
				if err := v.Validate(ev); err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				if ev.Type != tt.wantType {
					t.Errorf("Type = %s, want %s", ev.Type, tt.wantType)
				}
				if seen[ev.ID] {
					t.Errorf("duplicate ID %s", ev.ID)
				}
				seen[ev.ID] = true
				if !json.Valid(ev.Data) {
					t.Errorf("Data is not JSON: %s", ev.Data)
				}
			}
		})
	}
}

func TestGenerator_Record(t *testing.T) {
	g := NewGenerator(0)
	fixed := time.Date(2025, 12, 18, 9, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return fixed }

	rec, err := g.Record("books", 2, 41)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if rec.Kafka.Topic != "books" || rec.Kafka.Partition != 2 || rec.Kafka.Offset != 41 || rec.Offset != 41 {
		t.Errorf("Kafka = %+v, Offset = %d", rec.Kafka, rec.Offset)
	}
	if string(rec.Kafka.Key) != rec.Event.ID {
		t.Errorf("Key = %s, want event ID %s", rec.Kafka.Key, rec.Event.ID)
	}
	if !rec.Event.Time.Equal(fixed) {
		t.Errorf("Time = %v, want %v", rec.Event.Time, fixed)
	}
}

func TestRunner_DrainsEverything(t *testing.T) {
	recordCodec, err := codec.New("json", "zstd")
	if err != nil {
		t.Fatalf("codec.New() error = %v", err)
	}
	cfg := diskbuffer.DefaultConfig(t.TempDir())
	cfg.MaxDataFileSize = 64 << 10
	buf, err := diskbuffer.Open(t.Context(), cfg, recordCodec, discardLogger(), nil)
	if err != nil {
		t.Fatalf("diskbuffer.Open() error = %v", err)
	}
	defer buf.Close()

	runner := NewRunner(NewGenerator(0.3), buf.Writer(), buf.Reader(), buf.Acker(), buf, discardLogger())
	report, err := runner.Run(t.Context(), Config{
		Events:         500,
		Partitions:     3,
		AckBatch:       64,
		ReportInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.Written != 500 || report.Read != 500 || report.Acked != 500 {
		t.Errorf("report = %+v, want 500 written, read and acked", report)
	}
	if report.Dropped != 0 {
		t.Errorf("Dropped = %d, want 0", report.Dropped)
	}
	if report.WriteRate() <= 0 {
		t.Errorf("WriteRate() = %v, want > 0", report.WriteRate())
	}
	if got := buf.TotalRecords(); got != 0 {
		t.Errorf("TotalRecords() = %d, want 0", got)
	}
}

func TestReport_WriteRate(t *testing.T) {
	r := Report{Written: 300, Elapsed: 2 * time.Second}
	if got := r.WriteRate(); got != 150 {
		t.Errorf("WriteRate() = %v, want 150", got)
	}
	if got := (Report{Written: 1}).WriteRate(); got != 0 {
		t.Errorf("WriteRate() with no elapsed time = %v, want 0", got)
	}
}
