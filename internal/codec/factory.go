package codec

import (
	"encoding/json"
	"fmt"

	"github.com/jittakal/kafeventbuffer/internal/diskbuffer"
	"github.com/jittakal/kafeventbuffer/pkg/event"
)

// JSON stores records as JSON documents. Events use the CloudEvents JSON
// format, extensions included.
type JSON[T any] struct{}

func (JSON[T]) Encode(rec T, dst []byte) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return dst, err
	}
	return append(dst, b...), nil
}

func (JSON[T]) Decode(data []byte) (T, error) {
	var rec T
	err := json.Unmarshal(data, &rec)
	return rec, err
}

// New returns the event record codec named by format ("avro" or "json"),
// optionally wrapped with compression ("none" or "zstd").
func New(format, compression string) (diskbuffer.Codec[event.Record], error) {
	var c diskbuffer.Codec[event.Record]
	switch format {
	case "", "avro":
		avro, err := NewAvroCodec()
		if err != nil {
			return nil, err
		}
		c = avro
	case "json":
		c = JSON[event.Record]{}
	default:
		return nil, fmt.Errorf("unsupported record codec: %s", format)
	}

	switch compression {
	case "", "none":
		return c, nil
	case "zstd":
		return NewZstd(c, "")
	default:
		return nil, fmt.Errorf("unsupported record compression: %s", compression)
	}
}
