// Package encoder implements the storage file format encoders.
package encoder

import (
	"fmt"
	"io"
	"strings"

	"github.com/jittakal/kafeventbuffer/pkg/encoder"
	"github.com/jittakal/kafeventbuffer/pkg/event"
	"github.com/linkedin/goavro/v2"
)

// Ensure implementation satisfies interface at compile time.
var _ encoder.Encoder = (*AvroEncoder)(nil)

const defaultAvroBlockSize = 1000

// storageRecordSchema is the Avro schema of a record in a storage file.
// Timestamps use the timestamp-micros logical type.
const storageRecordSchema = `{
	"type": "record",
	"name": "StorageRecord",
	"namespace": "com.kafka.event.buffer",
	"fields": [
		{"name": "spec_version", "type": "string"},
		{"name": "id", "type": "string"},
		{"name": "source", "type": "string"},
		{"name": "type", "type": "string"},
		{"name": "subject", "type": ["null", "string"], "default": null},
		{"name": "data_content_type", "type": ["null", "string"], "default": null},
		{"name": "data_schema", "type": ["null", "string"], "default": null},
		{"name": "time", "type": ["null", {"type": "long", "logicalType": "timestamp-micros"}], "default": null},
		{"name": "data", "type": "string"},
		{"name": "extensions", "type": ["null", "string"], "default": null},
		{"name": "kafka_topic", "type": "string"},
		{"name": "kafka_partition", "type": "int"},
		{"name": "kafka_offset", "type": "long"},
		{"name": "kafka_key", "type": ["null", "bytes"], "default": null},
		{"name": "kafka_timestamp", "type": {"type": "long", "logicalType": "timestamp-micros"}},
		{"name": "ingested_at", "type": {"type": "long", "logicalType": "timestamp-micros"}}
	]
}`

// AvroEncoder writes Avro Object Container Files readable by Spark, Hive
// and other Avro tooling. Compression is applied per block by the
// container format ("null", "deflate" or "snappy").
type AvroEncoder struct {
	codec       *goavro.Codec
	compression string
	blockSize   int
}

// NewAvroEncoder creates a new Avro encoder. blockSize is the number of
// records per container block.
func NewAvroEncoder(compression string, blockSize int) (*AvroEncoder, error) {
	codec, err := goavro.NewCodec(storageRecordSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to create avro codec: %w", err)
	}

	name, err := avroCompression(compression)
	if err != nil {
		return nil, err
	}
	if blockSize <= 0 {
		blockSize = defaultAvroBlockSize
	}

	return &AvroEncoder{
		codec:       codec,
		compression: name,
		blockSize:   blockSize,
	}, nil
}

func avroCompression(compression string) (string, error) {
	switch strings.ToLower(compression) {
	case "", "null", "none", "uncompressed":
		return goavro.CompressionNullLabel, nil
	case "deflate":
		return goavro.CompressionDeflateLabel, nil
	case "snappy":
		return goavro.CompressionSnappyLabel, nil
	default:
		return "", fmt.Errorf("unsupported avro compression: %s", compression)
	}
}

// Encode writes records to w as one Avro container file.
func (e *AvroEncoder) Encode(w io.Writer, records []event.Record) error {
	if err := checkRecords(records); err != nil {
		return err
	}

	ocfWriter, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               w,
		Codec:           e.codec,
		CompressionName: e.compression,
	})
	if err != nil {
		return fmt.Errorf("failed to create OCF writer: %w", err)
	}

	block := make([]interface{}, 0, min(e.blockSize, len(records)))
	for i := range records {
		avroMap, err := e.convertToAvroMap(&records[i])
		if err != nil {
			return fmt.Errorf("failed to convert record %d: %w", i, err)
		}
		block = append(block, avroMap)

		if len(block) == e.blockSize || i == len(records)-1 {
			if err := ocfWriter.Append(block); err != nil {
				return fmt.Errorf("failed to write block: %w", err)
			}
			block = block[:0]
		}
	}
	return nil
}

// convertToAvroMap converts a Record to Avro map representation.
func (e *AvroEncoder) convertToAvroMap(record *event.Record) (map[string]interface{}, error) {
	ev := record.Event
	extensions, err := extensionsJSON(ev)
	if err != nil {
		return nil, err
	}

	avroMap := map[string]interface{}{
		"spec_version":      ev.SpecVersion,
		"id":                ev.ID,
		"source":            ev.Source,
		"type":              ev.Type,
		"subject":           nullableString(ev.Subject),
		"data_content_type": nullableString(ev.DataContentType),
		"data_schema":       nullableString(ev.DataSchema),
		"time":              nil,
		"data":              eventData(ev),
		"extensions":        nullableString(extensions),
		"kafka_topic":       record.Kafka.Topic,
		"kafka_partition":   record.Kafka.Partition,
		"kafka_offset":      record.Kafka.Offset,
		"kafka_key":         nil,
		"kafka_timestamp":   record.Kafka.Timestamp.UTC(),
		"ingested_at":       record.ProcessedAt.UTC(),
	}
	if ev.Time != nil {
		avroMap["time"] = goavro.Union("long.timestamp-micros", ev.Time.UTC())
	}
	if record.Kafka.Key != nil {
		avroMap["kafka_key"] = goavro.Union("bytes", record.Kafka.Key)
	}
	return avroMap, nil
}

func nullableString(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return goavro.Union("string", *s)
}

// Format returns the file format.
func (e *AvroEncoder) Format() event.FileFormat {
	return event.FormatAvro
}

// FileExtension returns the file extension.
func (e *AvroEncoder) FileExtension() string {
	return ".avro"
}
