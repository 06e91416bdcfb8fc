// Package storage declares the drain side contracts: where a batch of
// buffered records goes, when a batch is closed, and how it is written.
package storage

import (
	"context"

	"github.com/jittakal/kafeventbuffer/pkg/event"
)

// Writer persists one batch as one object.
//
// Writing the same records to the same path twice must produce the same
// object, so a batch redelivered after a crash overwrites its earlier copy.
type Writer interface {
	// Write returns the number of bytes stored.
	Write(ctx context.Context, records []event.Record, path string) (int64, error)

	Close() error
}

// Router maps a partition and an event time (Unix seconds) to a directory.
// An empty specVersion selects the router's default version.
type Router interface {
	Route(partitionID event.PartitionID, timestamp int64, specVersion string) string
}

// RotationPolicy reports whether an open batch is ready to be written.
type RotationPolicy interface {
	ShouldRotate(stats event.FileStats) bool
}
