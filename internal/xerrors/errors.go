// Package xerrors provides the structured error type and sentinel values
// used at the boundaries of the acquisition core (startup, config
// validation, public API misuse). Hot paths such as the synchronizer
// consumer and the exporter worker never propagate these across a
// goroutine boundary; per the error handling contract they log and
// continue instead.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

var (
	// ErrAlreadyStarted is returned by a second start_session call.
	ErrAlreadyStarted = errors.New("already started")

	// ErrNotStarted is returned when an operation requires a running session.
	ErrNotStarted = errors.New("not started")

	// ErrSinkAlreadyRegistered names a duplicate sink registration. No
	// registration call in this module returns it: the synchronizer's
	// AddSinkQueue accepts duplicates.
	ErrSinkAlreadyRegistered = errors.New("sink already registered")

	// ErrInvalidFilterSpec marks a spec that failed validation; callers that
	// want fatal behavior can check for this, though the filter engine
	// itself never returns it - it degrades to an identity cascade instead.
	ErrInvalidFilterSpec = errors.New("invalid filter spec")

	// ErrEmptySchema is returned when an exporter is constructed with no
	// known channels.
	ErrEmptySchema = errors.New("exporter: no known channels in schema")

	// ErrMissingSource is returned when set_event/trigger_spike is called
	// with an empty source string.
	ErrMissingSource = errors.New("source must be non-empty")
)

// Error wraps an underlying error with contextual fields and the call site
// that created it. Modeled on the teacher's pkg/errors.Error.
type Error struct {
	original error
	message  string
	fields   map[string]interface{}
	file     string
	line     int
}

// New creates a structured error with the given message and optional fields.
func New(message string, fields map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{original: errors.New(message), message: message, fields: fields, file: file, line: line}
}

// Wrap attaches a message and fields to an existing error.
func Wrap(err error, message string, fields map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	_, file, line, _ := runtime.Caller(1)
	return &Error{original: err, message: message, fields: fields, file: file, line: line}
}

// WithField returns a copy of e with an additional context field.
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	fields := make(map[string]interface{}, len(e.fields)+1)
	for k, v := range e.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Error{original: e.original, message: e.message, fields: fields, file: e.file, line: e.line}
}

// Unwrap exposes the original error for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.original }

// Fields returns the structured context attached to the error.
func (e *Error) Fields() map[string]interface{} { return e.fields }

func (e *Error) Error() string {
	if len(e.fields) == 0 {
		return fmt.Sprintf("%s: %v (%s:%d)", e.message, e.original, e.file, e.line)
	}
	return fmt.Sprintf("%s: %v %v (%s:%d)", e.message, e.original, e.fields, e.file, e.line)
}
