// Package domain defines core types, interfaces, and errors for the query
// execution pipeline.
package domain

import "fmt"

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// FetchError indicates a remote query round trip failed: a transport
// error, a non-success HTTP status, or a GraphQL errors array in an
// otherwise successful response.
type FetchError struct {
	Message    string
	StatusCode int // zero when the request never completed
}

func (e *FetchError) Error() string { return e.Message }

// ParseError indicates input that should have been well-formed was not:
// an unparseable response body, query document, or transformer source.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string { return e.Message }

// TransformError indicates user transformer code failed at runtime or
// produced a result shape the pipeline cannot use.
type TransformError struct {
	Message string
}

func (e *TransformError) Error() string { return e.Message }

// CacheError indicates a persistent cache read or write failed.
type CacheError struct {
	Message string
}

func (e *CacheError) Error() string { return e.Message }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrFetch creates a FetchError with a formatted message.
func ErrFetch(format string, args ...interface{}) *FetchError {
	return &FetchError{Message: fmt.Sprintf(format, args...)}
}

// ErrParse creates a ParseError with a formatted message.
func ErrParse(format string, args ...interface{}) *ParseError {
	return &ParseError{Message: fmt.Sprintf(format, args...)}
}

// ErrTransform creates a TransformError with a formatted message.
func ErrTransform(format string, args ...interface{}) *TransformError {
	return &TransformError{Message: fmt.Sprintf(format, args...)}
}

// ErrCache creates a CacheError with a formatted message.
func ErrCache(format string, args ...interface{}) *CacheError {
	return &CacheError{Message: fmt.Sprintf(format, args...)}
}
