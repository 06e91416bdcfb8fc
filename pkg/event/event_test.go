package event

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPartitionID_String(t *testing.T) {
	tests := []struct {
		partition PartitionID
		want      string
	}{
		{PartitionID{Topic: "test-topic", Partition: 0}, "test-topic-0"},
		{PartitionID{Topic: "my-topic", Partition: 10}, "my-topic-10"},
	}
	for _, tt := range tests {
		if got := tt.partition.String(); got != tt.want {
			t.Errorf("PartitionID.String() = %v, want %v", got, tt.want)
		}
	}
}

func TestRecord_GetEventTime(t *testing.T) {
	eventTime := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	kafkaTime := eventTime.Add(time.Hour)

	withTime := Record{Event: &CloudEvent{Time: &eventTime}, Kafka: KafkaMetadata{Timestamp: kafkaTime}}
	if got := withTime.GetEventTime(); !got.Equal(eventTime) {
		t.Errorf("GetEventTime() = %v, want %v", got, eventTime)
	}

	withoutTime := Record{Event: &CloudEvent{}, Kafka: KafkaMetadata{Timestamp: kafkaTime}}
	if got := withoutTime.GetEventTime(); !got.Equal(kafkaTime) {
		t.Errorf("GetEventTime() = %v, want %v", got, kafkaTime)
	}
	if got := withoutTime.GetEventTimeUnix(); got != kafkaTime.Unix() {
		t.Errorf("GetEventTimeUnix() = %v, want %v", got, kafkaTime.Unix())
	}
}

func TestRecord_PartitionID(t *testing.T) {
	r := Record{Kafka: KafkaMetadata{Topic: "orders", Partition: 4}}
	if got := r.PartitionID(); got != (PartitionID{Topic: "orders", Partition: 4}) {
		t.Errorf("PartitionID() = %v", got)
	}
}

func TestRecord_EstimatedSize(t *testing.T) {
	subject := "sub"
	r := Record{
		Event: &CloudEvent{
			ID:          "id",
			Source:      "src",
			SpecVersion: "1.0",
			Type:        "t",
			Subject:     &subject,
			Data:        []byte(`{}`),
		},
		Kafka: KafkaMetadata{
			Topic:   "topic",
			Key:     []byte("k"),
			Headers: map[string]string{"h": "v"},
		},
	}
	// topic 5 + key 1 + header 2 + id 2 + src 3 + version 3 + type 1 + data 2 + subject 3
	if got := r.EstimatedSize(); got != 22 {
		t.Errorf("EstimatedSize() = %d, want 22", got)
	}
	if got := (&Record{}).EstimatedSize(); got != 0 {
		t.Errorf("EstimatedSize() of empty record = %d, want 0", got)
	}
}

func TestCloudEvent_JSONExtensions(t *testing.T) {
	subject := "book/42"
	in := CloudEvent{
		ID:          "b7f3",
		Source:      "library-management-system",
		SpecVersion: "1.0",
		Type:        "com.library.book.issued",
		Subject:     &subject,
		Data:        json.RawMessage(`{"isbn":"978-0"}`),
		Extensions:  map[string]interface{}{"tenant": "north", "priority": float64(3), "id": "shadowed"},
	}

	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var attrs map[string]interface{}
	if err := json.Unmarshal(b, &attrs); err != nil {
		t.Fatalf("Unmarshal() into map error = %v", err)
	}
	if attrs["tenant"] != "north" || attrs["id"] != "b7f3" {
		t.Errorf("attributes = %v, want tenant at top level and core id kept", attrs)
	}

	var out CloudEvent
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out.ID != in.ID || *out.Subject != subject || string(out.Data) != string(in.Data) {
		t.Errorf("event = %+v, want %+v", out, in)
	}
	if len(out.Extensions) != 2 || out.Extensions["tenant"] != "north" || out.Extensions["priority"] != float64(3) {
		t.Errorf("Extensions = %v, want tenant and priority", out.Extensions)
	}
}

func TestCloudEvent_JSONWithoutExtensions(t *testing.T) {
	b, err := json.Marshal(&CloudEvent{ID: "1", Source: "/s", SpecVersion: "1.0", Type: "t"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if want := `{"id":"1","source":"/s","specversion":"1.0","type":"t"}`; string(b) != want {
		t.Errorf("Marshal() = %s, want %s", b, want)
	}
	var out CloudEvent
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out.Extensions != nil {
		t.Errorf("Extensions = %v, want nil", out.Extensions)
	}
}
