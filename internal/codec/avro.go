// Package codec implements the record codecs used to store events in the
// disk buffer.
package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jittakal/kafeventbuffer/internal/diskbuffer"
	"github.com/jittakal/kafeventbuffer/pkg/event"
	"github.com/linkedin/goavro/v2"
)

var _ diskbuffer.Codec[event.Record] = (*AvroCodec)(nil)

// bufferedRecordSchema is the Avro schema of a record at rest in the disk
// buffer. Timestamps are microseconds since the Unix epoch.
const bufferedRecordSchema = `{
	"type": "record",
	"name": "BufferedRecord",
	"namespace": "io.kafeventbuffer",
	"fields": [
		{"name": "id", "type": "string"},
		{"name": "source", "type": "string"},
		{"name": "spec_version", "type": "string"},
		{"name": "type", "type": "string"},
		{"name": "data_content_type", "type": ["null", "string"], "default": null},
		{"name": "data_schema", "type": ["null", "string"], "default": null},
		{"name": "subject", "type": ["null", "string"], "default": null},
		{"name": "time", "type": ["null", "long"], "default": null},
		{"name": "data", "type": "bytes"},
		{"name": "extensions", "type": ["null", "string"], "default": null},
		{"name": "kafka_topic", "type": "string"},
		{"name": "kafka_partition", "type": "int"},
		{"name": "kafka_offset", "type": "long"},
		{"name": "kafka_key", "type": ["null", "bytes"], "default": null},
		{"name": "kafka_headers", "type": {"type": "map", "values": "string"}},
		{"name": "kafka_timestamp", "type": "long"},
		{"name": "offset", "type": "long"},
		{"name": "processed_at", "type": "long"}
	]
}`

// AvroCodec stores records in Avro binary encoding.
type AvroCodec struct {
	codec *goavro.Codec
}

// NewAvroCodec creates an Avro record codec.
func NewAvroCodec() (*AvroCodec, error) {
	c, err := goavro.NewCodec(bufferedRecordSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to create avro codec: %w", err)
	}
	return &AvroCodec{codec: c}, nil
}

// Encode appends the Avro encoding of rec to dst.
func (c *AvroCodec) Encode(rec event.Record, dst []byte) ([]byte, error) {
	if rec.Event == nil {
		return dst, fmt.Errorf("record has no event")
	}
	native, err := toNative(rec)
	if err != nil {
		return dst, err
	}
	return c.codec.BinaryFromNative(dst, native)
}

// Decode parses an Avro encoded record. The result does not alias data.
func (c *AvroCodec) Decode(data []byte) (event.Record, error) {
	native, rest, err := c.codec.NativeFromBinary(data)
	if err != nil {
		return event.Record{}, fmt.Errorf("failed to decode record: %w", err)
	}
	if len(rest) != 0 {
		return event.Record{}, fmt.Errorf("failed to decode record: %d trailing bytes", len(rest))
	}
	m, ok := native.(map[string]interface{})
	if !ok {
		return event.Record{}, fmt.Errorf("failed to decode record: unexpected type %T", native)
	}
	return fromNative(m)
}

func toNative(rec event.Record) (map[string]interface{}, error) {
	ev := rec.Event

	headers := make(map[string]interface{}, len(rec.Kafka.Headers))
	for k, v := range rec.Kafka.Headers {
		headers[k] = v
	}

	m := map[string]interface{}{
		"id":                ev.ID,
		"source":            ev.Source,
		"spec_version":      ev.SpecVersion,
		"type":              ev.Type,
		"data_content_type": optionalString(ev.DataContentType),
		"data_schema":       optionalString(ev.DataSchema),
		"subject":           optionalString(ev.Subject),
		"time":              nil,
		"data":              []byte(ev.Data),
		"extensions":        nil,
		"kafka_topic":       rec.Kafka.Topic,
		"kafka_partition":   rec.Kafka.Partition,
		"kafka_offset":      rec.Kafka.Offset,
		"kafka_key":         nil,
		"kafka_headers":     headers,
		"kafka_timestamp":   rec.Kafka.Timestamp.UnixMicro(),
		"offset":            rec.Offset,
		"processed_at":      rec.ProcessedAt.UnixMicro(),
	}
	if ev.Time != nil {
		m["time"] = goavro.Union("long", ev.Time.UnixMicro())
	}
	if len(ev.Extensions) > 0 {
		ext, err := json.Marshal(ev.Extensions)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal extensions: %w", err)
		}
		m["extensions"] = goavro.Union("string", string(ext))
	}
	if rec.Kafka.Key != nil {
		m["kafka_key"] = goavro.Union("bytes", rec.Kafka.Key)
	}
	return m, nil
}

func fromNative(m map[string]interface{}) (event.Record, error) {
	ev := &event.CloudEvent{
		ID:              stringField(m, "id"),
		Source:          stringField(m, "source"),
		SpecVersion:     stringField(m, "spec_version"),
		Type:            stringField(m, "type"),
		DataContentType: unionString(m["data_content_type"]),
		DataSchema:      unionString(m["data_schema"]),
		Subject:         unionString(m["subject"]),
	}
	if data, ok := m["data"].([]byte); ok && len(data) > 0 {
		ev.Data = append(json.RawMessage(nil), data...)
	}
	if micros, ok := unionValue(m["time"], "long").(int64); ok {
		t := time.UnixMicro(micros).UTC()
		ev.Time = &t
	}
	if ext := unionString(m["extensions"]); ext != nil {
		if err := json.Unmarshal([]byte(*ext), &ev.Extensions); err != nil {
			return event.Record{}, fmt.Errorf("failed to unmarshal extensions: %w", err)
		}
	}

	rec := event.Record{
		Event: ev,
		Kafka: event.KafkaMetadata{
			Topic:     stringField(m, "kafka_topic"),
			Partition: int32Field(m, "kafka_partition"),
			Offset:    int64Field(m, "kafka_offset"),
			Timestamp: time.UnixMicro(int64Field(m, "kafka_timestamp")).UTC(),
		},
		Offset:      int64Field(m, "offset"),
		ProcessedAt: time.UnixMicro(int64Field(m, "processed_at")).UTC(),
	}
	if key, ok := unionValue(m["kafka_key"], "bytes").([]byte); ok {
		rec.Kafka.Key = append([]byte{}, key...)
	}
	if headers, ok := m["kafka_headers"].(map[string]interface{}); ok && len(headers) > 0 {
		rec.Kafka.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			if s, ok := v.(string); ok {
				rec.Kafka.Headers[k] = s
			}
		}
	}
	return rec, nil
}

func optionalString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return goavro.Union("string", *s)
}

func unionValue(v interface{}, typ string) interface{} {
	u, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	return u[typ]
}

func unionString(v interface{}) *string {
	s, ok := unionValue(v, "string").(string)
	if !ok {
		return nil
	}
	return &s
}

func stringField(m map[string]interface{}, name string) string {
	s, _ := m[name].(string)
	return s
}

func int32Field(m map[string]interface{}, name string) int32 {
	n, _ := m[name].(int32)
	return n
}

func int64Field(m map[string]interface{}, name string) int64 {
	n, _ := m[name].(int64)
	return n
}
