package encoder

import (
	"fmt"

	"github.com/jittakal/kafeventbuffer/pkg/encoder"
	"github.com/jittakal/kafeventbuffer/pkg/event"
)

// Options tunes the encoders. Fields that do not apply to a format are
// ignored.
type Options struct {
	Compression string

	// Parquet
	RowGroupSizeMB int
	PageSizeKB     int

	// Avro
	BlockSize int
}

// Factory creates encoders based on format and configuration.
type Factory struct {
	format  event.FileFormat
	options Options
}

// NewFactory creates a new encoder factory.
func NewFactory(format event.FileFormat, options Options) *Factory {
	return &Factory{
		format:  format,
		options: options,
	}
}

// CreateEncoder creates an encoder based on the configured format.
func (f *Factory) CreateEncoder() (encoder.Encoder, error) {
	switch f.format {
	case event.FormatParquet:
		return NewParquetEncoder(f.options.Compression, f.options.RowGroupSizeMB<<20, f.options.PageSizeKB<<10)
	case event.FormatAvro:
		return NewAvroEncoder(f.options.Compression, f.options.BlockSize)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", f.format)
	}
}

// SupportedCompressions returns supported compression codecs for a given format.
func SupportedCompressions(format event.FileFormat) []string {
	switch format {
	case event.FormatParquet:
		return []string{"uncompressed", "snappy", "gzip", "lz4", "zstd"}
	case event.FormatAvro:
		return []string{"null", "deflate", "snappy"}
	default:
		return []string{}
	}
}
