package validator

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "github.com/jittakal/kafeventbuffer/internal/errors"
	"github.com/jittakal/kafeventbuffer/pkg/event"
)

func strPtr(s string) *string { return &s }

func validEvent() *event.CloudEvent {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	return &event.CloudEvent{
		ID:              "evt-1",
		Source:          "/orders/service",
		SpecVersion:     "1.0",
		Type:            "com.example.order.created",
		DataContentType: strPtr("application/json"),
		DataSchema:      strPtr("https://schemas.example.com/order.json"),
		Subject:         strPtr("order-42"),
		Time:            &now,
		Data:            json.RawMessage(`{"amount":10}`),
		Extensions:      map[string]interface{}{"tenant": "acme", "traceparent": "00-abc"},
	}
}

func TestCloudEventsValidator_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*event.CloudEvent)
		opts      []Option
		wantField string
	}{
		{name: "valid event", mutate: func(*event.CloudEvent) {}},
		{name: "minimal event", mutate: func(e *event.CloudEvent) {
			e.DataContentType, e.DataSchema, e.Subject, e.Time, e.Data, e.Extensions = nil, nil, nil, nil, nil, nil
		}},
		{name: "missing id", mutate: func(e *event.CloudEvent) { e.ID = "" }, wantField: "id"},
		{name: "missing source", mutate: func(e *event.CloudEvent) { e.Source = "" }, wantField: "source"},
		{name: "missing specversion", mutate: func(e *event.CloudEvent) { e.SpecVersion = "" }, wantField: "specversion"},
		{name: "missing type", mutate: func(e *event.CloudEvent) { e.Type = "" }, wantField: "type"},
		{name: "unsupported specversion", mutate: func(e *event.CloudEvent) { e.SpecVersion = "2.0" }, wantField: "specversion"},
		{name: "bad source", mutate: func(e *event.CloudEvent) { e.Source = "http://[::1" }, wantField: "source"},
		{name: "bad content type", mutate: func(e *event.CloudEvent) { e.DataContentType = strPtr("json;;") }, wantField: "datacontenttype"},
		{name: "relative dataschema", mutate: func(e *event.CloudEvent) { e.DataSchema = strPtr("/schemas/order") }, wantField: "dataschema"},
		{name: "empty subject", mutate: func(e *event.CloudEvent) { e.Subject = strPtr("") }, wantField: "subject"},
		{name: "zero time", mutate: func(e *event.CloudEvent) { e.Time = &time.Time{} }, wantField: "time"},
		{name: "uppercase extension", mutate: func(e *event.CloudEvent) { e.Extensions["Tenant"] = "x" }, wantField: "Tenant"},
		{
			name:      "long extension name",
			mutate:    func(e *event.CloudEvent) { e.Extensions[strings.Repeat("a", 21)] = "x" },
			wantField: strings.Repeat("a", 21),
		},
		{
			name:      "data over limit",
			mutate:    func(e *event.CloudEvent) { e.Data = json.RawMessage(`"` + strings.Repeat("x", 64) + `"`) },
			opts:      []Option{WithMaxDataSize(32)},
			wantField: "data",
		},
		{
			name:   "data within limit",
			mutate: func(*event.CloudEvent) {},
			opts:   []Option{WithMaxDataSize(1024)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEvent()
			tt.mutate(e)
			err := NewCloudEventsValidator(tt.opts...).Validate(e)

			if tt.wantField == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			var vErr *apperrors.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("Validate() error = %v, want *ValidationError", err)
			}
			if vErr.Field != tt.wantField {
				t.Errorf("Field = %s, want %s", vErr.Field, tt.wantField)
			}
			if !errors.Is(err, apperrors.ErrInvalidEvent) {
				t.Error("ValidationError does not match ErrInvalidEvent")
			}
		})
	}
}

func TestCloudEventsValidator_NormalizesSpecVersion01(t *testing.T) {
	e := validEvent()
	e.SpecVersion = "0.1"
	if err := NewCloudEventsValidator().Validate(e); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if e.SpecVersion != "1.0" {
		t.Errorf("SpecVersion = %s, want 1.0", e.SpecVersion)
	}
}

func TestCloudEventsValidator_NilEvent(t *testing.T) {
	if err := NewCloudEventsValidator().Validate(nil); !errors.Is(err, apperrors.ErrInvalidEvent) {
		t.Errorf("Validate(nil) error = %v, want ErrInvalidEvent", err)
	}
}
