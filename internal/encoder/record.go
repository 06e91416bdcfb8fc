package encoder

import (
	"encoding/json"
	"fmt"

	"github.com/jittakal/kafeventbuffer/pkg/event"
)

// eventData returns the event payload as a JSON string; an absent payload
// is encoded as JSON null.
func eventData(ev *event.CloudEvent) string {
	if len(ev.Data) == 0 {
		return "null"
	}
	return string(ev.Data)
}

// extensionsJSON returns the CloudEvent extension attributes as a JSON
// object, or nil when there are none.
func extensionsJSON(ev *event.CloudEvent) (*string, error) {
	if len(ev.Extensions) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ev.Extensions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal extensions: %w", err)
	}
	s := string(b)
	return &s, nil
}

func checkRecords(records []event.Record) error {
	if len(records) == 0 {
		return fmt.Errorf("no records to encode")
	}
	for i := range records {
		if records[i].Event == nil {
			return fmt.Errorf("record %d has no event", i)
		}
	}
	return nil
}
