package codec

import (
	"fmt"

	"github.com/jittakal/kafeventbuffer/internal/diskbuffer"
	"github.com/klauspost/compress/zstd"
)

// Zstd compresses the payload produced by an inner codec.
//
// Encode and Decode keep separate scratch buffers, so one goroutine may
// encode while another decodes, which matches the buffer's single writer
// and single reader.
type Zstd[T any] struct {
	inner diskbuffer.Codec[T]
	enc   *zstd.Encoder
	dec   *zstd.Decoder

	encBuf []byte
	decBuf []byte
}

// NewZstd wraps inner with zstd compression at the given level
// ("fastest", "default", "better" or "best").
func NewZstd[T any](inner diskbuffer.Codec[T], level string) (*Zstd[T], error) {
	lvl := zstd.SpeedFastest
	if level != "" {
		var ok bool
		if ok, lvl = zstd.EncoderLevelFromString(level); !ok {
			return nil, fmt.Errorf("unsupported zstd level: %s", level)
		}
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl))
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create decompressor: %w", err)
	}
	return &Zstd[T]{inner: inner, enc: enc, dec: dec}, nil
}

func (z *Zstd[T]) Encode(rec T, dst []byte) ([]byte, error) {
	raw, err := z.inner.Encode(rec, z.encBuf[:0])
	if err != nil {
		return dst, err
	}
	z.encBuf = raw[:0]
	return z.enc.EncodeAll(raw, dst), nil
}

func (z *Zstd[T]) Decode(data []byte) (T, error) {
	raw, err := z.dec.DecodeAll(data, z.decBuf[:0])
	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to decompress record: %w", err)
	}
	z.decBuf = raw[:0]
	return z.inner.Decode(raw)
}

// Close releases the compressor and decompressor.
func (z *Zstd[T]) Close() error {
	z.dec.Close()
	return z.enc.Close()
}
