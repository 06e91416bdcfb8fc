// Package consumer declares the Kafka-facing contracts of the ingest side:
// the source feeding the disk buffer and the dead letter sink for events
// that never reach it.
package consumer

import (
	"context"

	"github.com/jittakal/kafeventbuffer/pkg/event"
)

// Consumer is a Kafka group member feeding the ingester.
//
// Offsets passed to Commit must only cover records that are durable in the
// disk buffer; a committed offset is never redelivered by the broker.
type Consumer interface {
	Subscribe(ctx context.Context, topics []string) error

	// Consume streams events until ctx is done. Both channels are closed
	// when the consumer stops.
	Consume(ctx context.Context) (<-chan *event.ConsumedEvent, <-chan error, error)

	// Commit records offset as the last processed message of partition.
	Commit(ctx context.Context, partition event.PartitionID, offset int64) error

	Close() error
}

// DLQPublisher routes events the pipeline gives up on to a side topic,
// tagged with a reason.
type DLQPublisher interface {
	// Publish forwards a decoded event.
	Publish(ctx context.Context, event *event.CloudEvent, metadata event.KafkaMetadata, reason string) error

	// PublishRaw forwards a message body that did not decode as an event.
	PublishRaw(ctx context.Context, raw []byte, metadata event.KafkaMetadata, reason string) error

	Close() error
}
