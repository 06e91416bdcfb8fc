// Package event defines the event types that flow through the pipeline.
//
// Events are CloudEvents 1.0 documents consumed from Kafka. A Record pairs
// an event with its Kafka coordinates; it is the unit stored in the disk
// buffer and delivered to storage.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// CloudEvent represents a CloudEvents 1.0 event.
// See https://github.com/cloudevents/spec/blob/v1.0/spec.md
type CloudEvent struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	SpecVersion string `json:"specversion"`
	Type        string `json:"type"`

	DataContentType *string    `json:"datacontenttype,omitempty"`
	DataSchema      *string    `json:"dataschema,omitempty"`
	Subject         *string    `json:"subject,omitempty"`
	Time            *time.Time `json:"time,omitempty"`

	// Data can be any JSON value.
	Data json.RawMessage `json:"data,omitempty"`

	// Extensions holds attributes outside the CloudEvents core set.
	Extensions map[string]interface{} `json:"-"`
}

// coreAttributes are the CloudEvents attributes mapped to CloudEvent fields.
var coreAttributes = map[string]bool{
	"id": true, "source": true, "specversion": true, "type": true,
	"datacontenttype": true, "dataschema": true, "subject": true, "time": true,
	"data": true, "data_base64": true,
}

// cloudEventFields has CloudEvent's fields without its JSON methods.
type cloudEventFields CloudEvent

// MarshalJSON writes the event in the CloudEvents JSON format, with
// extensions as top-level attributes.
func (e CloudEvent) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(cloudEventFields(e))
	if err != nil || len(e.Extensions) == 0 {
		return b, err
	}
	attrs := make(map[string]json.RawMessage, len(e.Extensions)+8)
	if err := json.Unmarshal(b, &attrs); err != nil {
		return nil, err
	}
	for name, v := range e.Extensions {
		if coreAttributes[name] {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal extension %s: %w", name, err)
		}
		attrs[name] = raw
	}
	return json.Marshal(attrs)
}

// UnmarshalJSON reads a CloudEvents JSON document. Attributes outside the
// core set become extensions.
func (e *CloudEvent) UnmarshalJSON(b []byte) error {
	var fields cloudEventFields
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	var attrs map[string]json.RawMessage
	if err := json.Unmarshal(b, &attrs); err != nil {
		return err
	}
	for name, raw := range attrs {
		if coreAttributes[name] {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("unmarshal extension %s: %w", name, err)
		}
		if fields.Extensions == nil {
			fields.Extensions = make(map[string]interface{})
		}
		fields.Extensions[name] = v
	}
	*e = CloudEvent(fields)
	return nil
}

// KafkaMetadata contains Kafka-specific metadata for an event.
type KafkaMetadata struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Headers   map[string]string
	Timestamp time.Time
}

// PartitionID uniquely identifies a Kafka partition.
type PartitionID struct {
	Topic     string
	Partition int32
}

// String returns the partition in "topic-partition" form.
func (p PartitionID) String() string {
	return fmt.Sprintf("%s-%d", p.Topic, p.Partition)
}

// Record is an event with its Kafka coordinates, as buffered on disk and
// written to storage.
type Record struct {
	Event       *CloudEvent
	Kafka       KafkaMetadata
	Offset      int64
	ProcessedAt time.Time
}

// PartitionID returns the Kafka partition the record came from.
func (r *Record) PartitionID() PartitionID {
	return PartitionID{Topic: r.Kafka.Topic, Partition: r.Kafka.Partition}
}

// GetEventTime returns CloudEvent.Time if present, otherwise the Kafka
// message timestamp.
func (r *Record) GetEventTime() time.Time {
	if r.Event != nil && r.Event.Time != nil {
		return *r.Event.Time
	}
	return r.Kafka.Timestamp
}

// GetEventTimeUnix returns the event time as Unix seconds.
func (r *Record) GetEventTimeUnix() int64 {
	return r.GetEventTime().Unix()
}

// EstimatedSize approximates the in-memory size of the record's variable
// length fields. It is used for batch sizing, not for accounting on disk.
func (r *Record) EstimatedSize() int {
	size := len(r.Kafka.Topic) + len(r.Kafka.Key)
	for k, v := range r.Kafka.Headers {
		size += len(k) + len(v)
	}
	if r.Event == nil {
		return size
	}
	ev := r.Event
	size += len(ev.ID) + len(ev.Source) + len(ev.SpecVersion) + len(ev.Type) + len(ev.Data)
	for _, s := range []*string{ev.DataContentType, ev.DataSchema, ev.Subject} {
		if s != nil {
			size += len(*s)
		}
	}
	return size
}

// FileStats summarises a batch of records bound for one storage file.
type FileStats struct {
	RecordCount    int
	SizeBytes      int64
	FirstWriteTime time.Time
	LastWriteTime  time.Time
}

// FileFormat represents the storage file format.
type FileFormat string

const (
	FormatParquet FileFormat = "parquet"
	FormatAvro    FileFormat = "avro"
)

// Validator validates CloudEvents.
type Validator interface {
	Validate(event *CloudEvent) error
}

// ConsumedEvent is an event read from Kafka. CommitFunc marks its offset
// for commit and must be called only after the event is durable
// downstream.
type ConsumedEvent struct {
	Event      *CloudEvent
	Metadata   KafkaMetadata
	CommitFunc func() error

	// ParseErr is set when the message body is not a valid CloudEvent;
	// Event is nil in that case and Raw holds the message body.
	ParseErr error
	Raw      []byte
}
