package encoder

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jittakal/kafeventbuffer/pkg/encoder"
	"github.com/jittakal/kafeventbuffer/pkg/event"
	"github.com/parquet-go/parquet-go"
)

// Ensure implementation satisfies interface at compile time.
var _ encoder.Encoder = (*ParquetEncoder)(nil)

// CloudEventParquet represents the Parquet schema for CloudEvents storage.
// Uses native Parquet types for Athena compatibility, including TIMESTAMP_MICROS for time fields.
type CloudEventParquet struct {
	// CloudEvent fields - required
	SpecVersion string `parquet:"spec_version,dict"`
	ID          string `parquet:"id,dict"`
	Source      string `parquet:"source,dict"`
	Type        string `parquet:"type,dict"`
	Data        string `parquet:"data"`

	// CloudEvent fields - optional
	Subject         *string    `parquet:"subject,dict,optional"`
	DataContentType *string    `parquet:"data_content_type,dict,optional"`
	DataSchema      *string    `parquet:"data_schema,dict,optional"`
	Time            *time.Time `parquet:"time,timestamp(microsecond),optional"`
	Extensions      *string    `parquet:"extensions,optional"`

	// Kafka metadata fields
	KafkaTopic     string    `parquet:"kafka_topic,dict"`
	KafkaPartition int32     `parquet:"kafka_partition"`
	KafkaOffset    int64     `parquet:"kafka_offset"`
	KafkaKey       []byte    `parquet:"kafka_key,optional"`
	KafkaTimestamp time.Time `parquet:"kafka_timestamp,timestamp(microsecond)"`

	// Storage metadata
	IngestedAt time.Time `parquet:"ingested_at,timestamp(microsecond)"`
}

// ParquetEncoder writes Parquet files with one row per record. Row groups
// are cut when their estimated size reaches RowGroupSize.
type ParquetEncoder struct {
	compression  string
	rowGroupSize int
	pageSize     int
}

// NewParquetEncoder creates a new Parquet encoder. Sizes are in bytes;
// zero selects the library defaults.
func NewParquetEncoder(compression string, rowGroupSize, pageSize int) (*ParquetEncoder, error) {
	if _, err := compressionCodec(compression); err != nil {
		return nil, err
	}
	return &ParquetEncoder{
		compression:  compression,
		rowGroupSize: rowGroupSize,
		pageSize:     pageSize,
	}, nil
}

// compressionCodec converts string compression name to parquet WriterOption.
func compressionCodec(compression string) (parquet.WriterOption, error) {
	switch strings.ToLower(compression) {
	case "", "snappy":
		return parquet.Compression(&parquet.Snappy), nil
	case "gzip":
		return parquet.Compression(&parquet.Gzip), nil
	case "lz4":
		return parquet.Compression(&parquet.Lz4Raw), nil
	case "zstd":
		return parquet.Compression(&parquet.Zstd), nil
	case "uncompressed", "none":
		return parquet.Compression(&parquet.Uncompressed), nil
	default:
		return nil, fmt.Errorf("unsupported parquet compression: %s", compression)
	}
}

// Encode writes records to w as one Parquet file.
func (e *ParquetEncoder) Encode(w io.Writer, records []event.Record) error {
	if err := checkRecords(records); err != nil {
		return err
	}

	codec, err := compressionCodec(e.compression)
	if err != nil {
		return err
	}
	opts := []parquet.WriterOption{
		codec,
		parquet.CreatedBy("kafka-event-buffer", "1.0", "0"),
	}
	if e.pageSize > 0 {
		opts = append(opts, parquet.PageBufferSize(e.pageSize))
	}

	writer := parquet.NewGenericWriter[CloudEventParquet](w, opts...)

	row := make([]CloudEventParquet, 1)
	groupBytes := 0
	for i := range records {
		rec, err := convertToParquetRecord(&records[i])
		if err != nil {
			writer.Close()
			return fmt.Errorf("failed to convert record %d: %w", i, err)
		}
		row[0] = rec
		if _, err := writer.Write(row); err != nil {
			writer.Close()
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}

		groupBytes += records[i].EstimatedSize()
		if e.rowGroupSize > 0 && groupBytes >= e.rowGroupSize {
			if err := writer.Flush(); err != nil {
				writer.Close()
				return fmt.Errorf("failed to flush row group: %w", err)
			}
			groupBytes = 0
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

// convertToParquetRecord converts a Record to CloudEventParquet with native types.
func convertToParquetRecord(record *event.Record) (CloudEventParquet, error) {
	ev := record.Event
	extensions, err := extensionsJSON(ev)
	if err != nil {
		return CloudEventParquet{}, err
	}

	rec := CloudEventParquet{
		SpecVersion:     ev.SpecVersion,
		ID:              ev.ID,
		Source:          ev.Source,
		Type:            ev.Type,
		Data:            eventData(ev),
		Subject:         ev.Subject,
		DataContentType: ev.DataContentType,
		DataSchema:      ev.DataSchema,
		Extensions:      extensions,
		KafkaTopic:      record.Kafka.Topic,
		KafkaPartition:  record.Kafka.Partition,
		KafkaOffset:     record.Kafka.Offset,
		KafkaKey:        record.Kafka.Key,
		KafkaTimestamp:  record.Kafka.Timestamp.UTC(),
		IngestedAt:      record.ProcessedAt.UTC(),
	}
	if ev.Time != nil {
		t := ev.Time.UTC()
		rec.Time = &t
	}
	return rec, nil
}

// Format returns the file format.
func (e *ParquetEncoder) Format() event.FileFormat {
	return event.FormatParquet
}

// FileExtension returns the file extension.
func (e *ParquetEncoder) FileExtension() string {
	return ".parquet"
}
