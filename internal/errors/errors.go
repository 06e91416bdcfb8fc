// Package errors defines application-specific error types and sentinel errors.
package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/jittakal/kafeventbuffer/pkg/event"
)

// Sentinel errors for common conditions.
var (
	ErrConsumerClosed  = errors.New("consumer is closed")
	ErrInvalidEvent    = errors.New("invalid event")
	ErrWriterClosed    = errors.New("storage writer is closed")
	ErrConnectionLost  = errors.New("connection lost")
	ErrEmptyBatch      = errors.New("no records to write")
	ErrBufferUnhealthy = errors.New("disk buffer writer has failed")
)

// IngestError represents a failure to move a consumed event into the disk
// buffer.
type IngestError struct {
	PartitionID event.PartitionID
	Offset      int64
	EventID     string
	Err         error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest error: partition=%s offset=%d event_id=%s: %v",
		e.PartitionID, e.Offset, e.EventID, e.Err)
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the underlying failure is transient.
func (e *IngestError) IsRetryable() bool {
	return IsRetryable(e.Err)
}

// ValidationError represents an event validation failure.
type ValidationError struct {
	EventID string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: event_id=%s field=%s: %s",
		e.EventID, e.Field, e.Reason)
}

// Is makes every ValidationError match ErrInvalidEvent.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidEvent
}

// StorageError represents a storage operation failure.
type StorageError struct {
	Backend   string
	Operation string
	Path      string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: backend=%s operation=%s path=%s: %v",
		e.Backend, e.Operation, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the operation may succeed on a later attempt.
// Encoding failures are deterministic and never retried.
func (e *StorageError) IsRetryable() bool {
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	switch e.Operation {
	case "upload", "write", "create", "rename":
		return true
	default:
		return false
	}
}

// DeliveryError reports a batch that could not be delivered to storage
// after all retry attempts.
type DeliveryError struct {
	PartitionID event.PartitionID
	Records     int
	Attempts    int
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery error: partition=%s records=%d attempts=%d: %v",
		e.PartitionID, e.Records, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsRetryable is always false: the retry budget is already spent.
func (e *DeliveryError) IsRetryable() bool {
	return false
}

// CommitError represents an offset commit failure.
type CommitError struct {
	PartitionID event.PartitionID
	Offset      int64
	Err         error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit error: partition=%s offset=%d: %v",
		e.PartitionID, e.Offset, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// Retryable defines an interface for errors that can indicate if they are retryable.
type Retryable interface {
	error
	IsRetryable() bool
}

// IsRetryable checks if an error is retryable. Errors implementing
// Retryable decide for themselves; otherwise only ErrConnectionLost is
// retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var retryable Retryable
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}
	return errors.Is(err, ErrConnectionLost)
}
