// Package errors provides the error type shared by every renderq component.
// Errors carry a Code used for admission and processing outcomes, the
// operation that failed, optional fields and a short stack trace.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// Code represents an error code for categorization.
type Code string

// Generic codes.
const (
	CodeInternal    Code = "INTERNAL_ERROR"
	CodeValidation  Code = "VALIDATION_ERROR"
	CodeNotFound    Code = "NOT_FOUND"
	CodeUnavailable Code = "UNAVAILABLE"
)

// Admission and processing codes.
const (
	CodeQueueFull         Code = "QUEUE_FULL"
	CodeUserLimitExceeded Code = "USER_LIMIT_EXCEEDED"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeTimeout           Code = "TIMEOUT"
	CodeRenderFailed      Code = "RENDER_FAILED"
	CodeResourceInUse     Code = "RESOURCE_IN_USE"
	CodeShuttingDown      Code = "SHUTTING_DOWN"
)

// Error is a custom error type with additional context.
type Error struct {
	// Code is the error code for categorization.
	Code Code
	// Message is the human-readable error message.
	Message string
	// Op is the operation that failed (e.g., "scheduler.submit").
	Op string
	// Err is the underlying error.
	Err error
	// Fields contains additional context fields.
	Fields map[string]any
	// Stack contains the stack trace at error creation.
	Stack []Frame
}

// Frame represents a single stack frame.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}

	if e.Code != "" {
		b.WriteString("[")
		b.WriteString(string(e.Code))
		b.WriteString("] ")
	}

	b.WriteString(e.Message)

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target carries the same code. Sentinels declared with
// New can therefore be matched with errors.Is after wrapping.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithField returns a copy of the error with the field added. Sentinels are
// shared, so they are never mutated in place.
func (e *Error) WithField(key string, value any) *Error {
	return e.WithFields(map[string]any{key: value})
}

// WithFields returns a copy of the error with the fields added.
func (e *Error) WithFields(fields map[string]any) *Error {
	cp := *e
	cp.Fields = make(map[string]any, len(e.Fields)+len(fields))
	for k, v := range e.Fields {
		cp.Fields[k] = v
	}
	for k, v := range fields {
		cp.Fields[k] = v
	}
	return &cp
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited, CodeUserLimitExceeded:
		return http.StatusTooManyRequests
	case CodeQueueFull, CodeShuttingDown, CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// StackTrace returns the stack trace as a formatted string.
func (e *Error) StackTrace() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var b strings.Builder
	for _, f := range e.Stack {
		fmt.Fprintf(&b, "  %s:%d %s\n", f.File, f.Line, f.Function)
	}
	return b.String()
}

// New creates a new error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, op string, message string) *Error {
	if err == nil {
		return nil
	}

	// If it's already our error type, preserve the code
	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Code:    e.Code,
			Message: message,
			Op:      op,
			Err:     err,
			Fields:  e.Fields,
			Stack:   captureStack(2),
		}
	}

	return &Error{
		Code:    CodeInternal,
		Message: message,
		Op:      op,
		Err:     err,
		Stack:   captureStack(2),
	}
}

// WrapWithCode wraps an error with a specific code.
func WrapWithCode(err error, code Code, op string, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    code,
		Message: message,
		Op:      op,
		Err:     err,
		Stack:   captureStack(2),
	}
}

// Internalf creates an internal error with formatted message.
func Internalf(format string, args ...any) *Error {
	return Newf(CodeInternal, format, args...)
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// ValidationField creates a validation error for a specific field.
func ValidationField(field string, message string) *Error {
	return New(CodeValidation, message).WithField("field", field)
}

// NotFound creates a not found error.
func NotFound(resource string, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id)).
		WithFields(map[string]any{"resource": resource, "id": id})
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// GetHTTPStatus extracts the HTTP status from an error.
func GetHTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// GetFields extracts fields from an error.
func GetFields(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) && e.Fields != nil {
		return e.Fields
	}
	return nil
}

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

// IsAdmission reports whether err is one of the admission rejections that
// are reported to the caller before a job exists.
func IsAdmission(err error) bool {
	switch GetCode(err) {
	case CodeQueueFull, CodeUserLimitExceeded, CodeRateLimited:
		return true
	default:
		return false
	}
}

// captureStack captures the current stack trace.
func captureStack(skip int) []Frame {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip+1, pcs[:])

	frames := make([]Frame, 0, n)
	callersFrames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := callersFrames.Next()

		if strings.Contains(frame.File, "runtime/") {
			if !more {
				break
			}
			continue
		}

		frames = append(frames, Frame{
			File:     frame.File,
			Line:     frame.Line,
			Function: frame.Function,
		})

		if !more || len(frames) >= 10 {
			break
		}
	}

	return frames
}

// As is a convenience wrapper for errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is a convenience wrapper for errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
