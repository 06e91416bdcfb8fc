// Command bufferload pushes synthetic CloudEvents through a disk buffer
// and reports write throughput and peak buffer usage.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jittakal/kafeventbuffer/internal/codec"
	"github.com/jittakal/kafeventbuffer/internal/diskbuffer"
	"github.com/jittakal/kafeventbuffer/internal/loadgen"
	"github.com/jittakal/kafeventbuffer/internal/observability"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("bufferload: %v", err)
	}
}

func run() error {
	var (
		dir         = flag.String("dir", "", "buffer directory (default: a temporary directory)")
		keep        = flag.Bool("keep", false, "keep the buffer directory after the run")
		events      = flag.Int("events", 100000, "number of events to write")
		partitions  = flag.Int("partitions", 4, "number of simulated Kafka partitions")
		ratePerSec  = flag.Float64("rate", 0, "events per second, 0 for unlimited")
		ackBatch    = flag.Int("ack-batch", 500, "records read per acknowledgement")
		returnRatio = flag.Float64("return-ratio", 0.3, "share of book returned events")
		recordCodec = flag.String("codec", "avro", "record codec: avro or json")
		compression = flag.String("compression", "none", "record compression: none or zstd")
		maxSizeMB   = flag.Uint64("max-size-mb", 256, "buffer size limit in MiB")
		fileSizeMB  = flag.Uint64("file-size-mb", 16, "data file size in MiB")
		whenFull    = flag.String("when-full", "block", "full buffer policy: block or drop_newest")
		logLevel    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	logger := observability.NewLogger(observability.LoggingConfig{Level: *logLevel, Format: "text"})

	if *dir == "" {
		tmp, err := os.MkdirTemp("", "bufferload-*")
		if err != nil {
			return fmt.Errorf("create buffer directory: %w", err)
		}
		*dir = tmp
	}
	if !*keep {
		defer os.RemoveAll(*dir)
	}

	c, err := codec.New(*recordCodec, *compression)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := diskbuffer.DefaultConfig(*dir)
	cfg.MaxBufferSize = *maxSizeMB << 20
	cfg.MaxDataFileSize = *fileSizeMB << 20
	cfg.WhenFull = diskbuffer.WhenFull(*whenFull)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	buf, err := diskbuffer.Open(ctx, cfg, c, observability.Component(logger, "diskbuffer"), metrics)
	if err != nil {
		return fmt.Errorf("open buffer: %w", err)
	}
	defer buf.Close()

	logger.Info("starting load run",
		"dir", *dir,
		"events", *events,
		"partitions", *partitions,
		"rate", *ratePerSec,
		"codec", *recordCodec,
		"compression", *compression,
	)

	runner := loadgen.NewRunner(
		loadgen.NewGenerator(*returnRatio),
		buf.Writer(),
		buf.Reader(),
		buf.Acker(),
		buf,
		observability.Component(logger, "loadgen"),
	)
	report, err := runner.Run(ctx, loadgen.Config{
		Events:         *events,
		Partitions:     *partitions,
		Rate:           *ratePerSec,
		AckBatch:       *ackBatch,
		ReportInterval: time.Second,
	})

	logger.Info("load run finished",
		"written", report.Written,
		"dropped", report.Dropped,
		"read", report.Read,
		"acked", report.Acked,
		"elapsed", report.Elapsed.Round(time.Millisecond),
		"events_per_sec", fmt.Sprintf("%.0f", report.WriteRate()),
		"peak_buffer_mb", fmt.Sprintf("%.2f", float64(report.PeakBytes)/(1<<20)),
		"remaining_records", buf.TotalRecords(),
	)
	return err
}
