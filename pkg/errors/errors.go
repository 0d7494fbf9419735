package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// Standard error types that can be used throughout the application
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternalError      = errors.New("internal error")
	ErrTimeout            = errors.New("operation timed out")
	ErrUnavailable        = errors.New("service unavailable")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrFailedPrecondition = errors.New("failed precondition")

	// Domain-specific error sentinel values
	ErrInvalidSIPMessage = errors.New("invalid SIP message")
	ErrInvalidSDP        = errors.New("invalid SDP body")
	ErrNoRoute           = errors.New("no route to destination")
	ErrNoRegistration    = errors.New("no registration binding")
	ErrNetworkFailure    = errors.New("network failure")
)

// Error represents a structured error with source location and additional context
type Error struct {
	// original is the underlying error
	original error

	// message is the error message
	message string

	// fields contains contextual information
	fields map[string]interface{}

	// file and line record where the error was created
	file string
	line int
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(1)

	var fieldMap map[string]interface{}
	if len(fields) > 0 && fields[0] != nil {
		fieldMap = fields[0]
	} else {
		fieldMap = make(map[string]interface{})
	}

	return &Error{
		original: errors.New(message),
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
	}
}

// Wrap wraps an existing error with a message, preserving the original for
// errors.Is/As checks
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}

	_, file, line, _ := runtime.Caller(1)

	var fieldMap map[string]interface{}
	if len(fields) > 0 && fields[0] != nil {
		fieldMap = fields[0]
	} else {
		fieldMap = make(map[string]interface{})
	}

	return &Error{
		original: err,
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
	}
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}

	_, file, line, _ := runtime.Caller(1)

	return &Error{
		original: err,
		message:  fmt.Sprintf(format, args...),
		fields:   make(map[string]interface{}),
		file:     file,
		line:     line,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.message == "" || e.message == e.original.Error() {
		return e.original.Error()
	}
	return fmt.Sprintf("%s: %s", e.message, e.original.Error())
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.original
}

// WithField adds a single contextual field to the error
func (e *Error) WithField(key string, value interface{}) *Error {
	e.fields[key] = value
	return e
}

// WithFields adds multiple contextual fields to the error
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	for k, v := range fields {
		e.fields[k] = v
	}
	return e
}

// Fields returns the contextual fields attached to the error
func (e *Error) Fields() map[string]interface{} {
	return e.fields
}

// Location returns the file and line where the error was created
func (e *Error) Location() string {
	return fmt.Sprintf("%s:%d", e.file, e.line)
}

// Is reports whether any error in the chain matches the target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in the chain matching the target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
