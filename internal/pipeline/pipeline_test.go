package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jittakal/kafeventbuffer/pkg/event"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var baseTime = time.Date(2025, 12, 18, 10, 0, 0, 0, time.UTC)

func testEvent(id string) *event.CloudEvent {
	ts := baseTime
	return &event.CloudEvent{
		ID:          id,
		Source:      "/test",
		SpecVersion: "1.0",
		Type:        "test.created",
		Time:        &ts,
		Data:        json.RawMessage(`{"ok":true}`),
	}
}

func testRecord(topic string, partition int32, offset int64) event.Record {
	return event.Record{
		Event: testEvent(fmt.Sprintf("%s-%d-%d", topic, partition, offset)),
		Kafka: event.KafkaMetadata{
			Topic:     topic,
			Partition: partition,
			Offset:    offset,
			Timestamp: baseTime,
		},
		Offset:      offset,
		ProcessedAt: baseTime,
	}
}

// journal records the order of side effects across fakes.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeDLQ struct {
	mu        sync.Mutex
	journal   *journal
	published []string
	raw       int
	err       error
}

func (d *fakeDLQ) Publish(_ context.Context, ev *event.CloudEvent, meta event.KafkaMetadata, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if ev == nil {
		return errors.New("nil event")
	}
	d.published = append(d.published, reason)
	if d.journal != nil {
		d.journal.add("dlq:%d", meta.Offset)
	}
	return nil
}

func (d *fakeDLQ) PublishRaw(_ context.Context, _ []byte, meta event.KafkaMetadata, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.raw++
	if d.journal != nil {
		d.journal.add("dlq:%d", meta.Offset)
	}
	return nil
}

func (d *fakeDLQ) Close() error { return nil }

func (d *fakeDLQ) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.published) + d.raw
}

type fakeMetrics struct {
	mu        sync.Mutex
	ingested  map[string]int
	dlq       map[string]int
	delivered map[string]int
	retries   int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{ingested: map[string]int{}, dlq: map[string]int{}, delivered: map[string]int{}}
}

func (m *fakeMetrics) IncEventsIngested(_, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingested[status]++
}

func (m *fakeMetrics) IncDLQPublished(_, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlq[reason]++
}

func (m *fakeMetrics) ObserveBatchDelivery(_ string, _ int, _ time.Duration, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered[status]++
}

func (m *fakeMetrics) IncDeliveryRetries(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}
