package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Standard error types that can be used throughout the application
var (
	// Standard error sentinel values
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInternalError     = errors.New("internal error")
	ErrTimeout           = errors.New("operation timed out")
	ErrUnavailable       = errors.New("service unavailable")
	ErrAlreadyExists     = errors.New("resource already exists")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrCanceled          = errors.New("operation canceled")

	// Domain-specific error sentinel values
	ErrCallNotFound           = errors.New("call session not found")
	ErrCallEnded              = errors.New("call session already ended")
	ErrSessionClosed          = errors.New("transcription session closed")
	ErrReconnectExhausted     = errors.New("transcription reconnect attempts exhausted")
	ErrInvalidCoachingResult  = errors.New("invalid coaching result")
	ErrNoOrgContext           = errors.New("no organization context for call")
	ErrAlertNotFound          = errors.New("attention alert not found")
	ErrInferenceFailed        = errors.New("coaching inference failed")
	ErrTranscriptionFailed    = errors.New("transcription failed")
	ErrPersistenceUnavailable = errors.New("persistence service unavailable")
)

// Error represents a structured error with caller information and context fields
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

	// Code is an optional error code for categorization
	Code string
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

// Wrap wraps an existing error with additional context
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

// WithField adds a single field to the error context
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}

	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+1),
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}

	for k, v := range e.fields {
		result.fields[k] = v
	}
	result.fields[key] = value

	return result
}

// WithFields adds multiple fields to the error context
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}

	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+len(fields)),
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}

	for k, v := range e.fields {
		result.fields[k] = v
	}
	for k, v := range fields {
		result.fields[k] = v
	}

	return result
}

// WithCode sets the error code
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}

	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   e.fields,
		file:     e.file,
		line:     e.line,
		Code:     code,
	}
	return result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(e.message)

	if e.original != nil && e.original.Error() != e.message {
		sb.WriteString(": ")
		sb.WriteString(e.original.Error())
	}

	if len(e.fields) > 0 {
		sb.WriteString(" [")
		first := true
		for k, v := range e.fields {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, v))
			first = false
		}
		sb.WriteString("]")
	}

	return sb.String()
}

// Unwrap returns the underlying error for use with errors.Is and errors.As
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Fields returns the contextual fields attached to the error
func (e *Error) Fields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// Location returns the file and line where the error was created
func (e *Error) Location() (string, int) {
	if e == nil {
		return "", 0
	}
	return e.file, e.line
}

// Is reports whether the target matches this error or its cause
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in the chain matching target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
