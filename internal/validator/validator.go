// Package validator checks consumed CloudEvents before they are admitted
// to the disk buffer. Rejected events are dead-lettered by the caller.
package validator

import (
	"fmt"
	"mime"
	"net/url"

	"github.com/jittakal/kafeventbuffer/internal/errors"
	"github.com/jittakal/kafeventbuffer/pkg/event"
)

var _ event.Validator = (*CloudEventsValidator)(nil)

const maxExtensionNameLength = 20

// CloudEventsValidator validates CloudEvents 1.0 structured events.
type CloudEventsValidator struct {
	maxDataSize int
}

// Option configures a CloudEventsValidator.
type Option func(*CloudEventsValidator)

// WithMaxDataSize rejects events whose data exceeds n bytes. Zero disables
// the check.
func WithMaxDataSize(n int) Option {
	return func(v *CloudEventsValidator) {
		v.maxDataSize = n
	}
}

// NewCloudEventsValidator creates a new CloudEvents validator.
func NewCloudEventsValidator(opts ...Option) *CloudEventsValidator {
	v := &CloudEventsValidator{}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks required attributes, the spec version, optional
// attribute formats and extension names. A 0.1 spec version is
// normalized to 1.0 in place.
func (v *CloudEventsValidator) Validate(e *event.CloudEvent) error {
	if e == nil {
		return &errors.ValidationError{Field: "event", Reason: "event is nil"}
	}

	required := []struct {
		field string
		value string
	}{
		{"id", e.ID},
		{"source", e.Source},
		{"specversion", e.SpecVersion},
		{"type", e.Type},
	}
	for _, r := range required {
		if r.value == "" {
			return invalid(e, r.field, "required field is missing")
		}
	}

	if e.SpecVersion == "0.1" {
		e.SpecVersion = "1.0"
	}
	if e.SpecVersion != "1.0" {
		return invalid(e, "specversion", fmt.Sprintf("unsupported version: %s (supported: 1.0)", e.SpecVersion))
	}

	if _, err := url.Parse(e.Source); err != nil {
		return invalid(e, "source", "must be a URI-reference")
	}
	if e.DataContentType != nil {
		if _, _, err := mime.ParseMediaType(*e.DataContentType); err != nil {
			return invalid(e, "datacontenttype", fmt.Sprintf("invalid media type: %v", err))
		}
	}
	if e.DataSchema != nil {
		u, err := url.Parse(*e.DataSchema)
		if err != nil || !u.IsAbs() {
			return invalid(e, "dataschema", "must be an absolute URI")
		}
	}
	if e.Subject != nil && *e.Subject == "" {
		return invalid(e, "subject", "must not be empty when present")
	}
	if e.Time != nil && e.Time.IsZero() {
		return invalid(e, "time", "must not be the zero time")
	}

	for name := range e.Extensions {
		if !validExtensionName(name) {
			return invalid(e, name, "extension names must be 1-20 lowercase letters or digits")
		}
	}

	if v.maxDataSize > 0 && len(e.Data) > v.maxDataSize {
		return invalid(e, "data", fmt.Sprintf("data size %d exceeds limit %d", len(e.Data), v.maxDataSize))
	}
	return nil
}

func invalid(e *event.CloudEvent, field, reason string) error {
	return &errors.ValidationError{EventID: e.ID, Field: field, Reason: reason}
}

func validExtensionName(name string) bool {
	if name == "" || len(name) > maxExtensionNameLength {
		return false
	}
	for _, c := range name {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
