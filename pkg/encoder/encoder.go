// Package encoder defines interfaces for encoding events to various file formats.
package encoder

import (
	"io"

	"github.com/jittakal/kafeventbuffer/pkg/event"
)

// Encoder encodes a batch of records as one file.
type Encoder interface {
	// Encode writes records to w as a complete file.
	Encode(w io.Writer, records []event.Record) error

	// Format returns the file format this encoder produces.
	Format() event.FileFormat

	// FileExtension returns the file extension (e.g., ".parquet", ".avro").
	FileExtension() string
}
