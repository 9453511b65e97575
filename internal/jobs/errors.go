// Package jobs runs analysis jobs: it decodes frames from a source, runs
// detection and tracking, counts line crossings, persists events, and fans
// annotated frames out to stream subscribers.
package jobs

import (
	"errors"
	"fmt"
)

// Code classifies job and API failures for clients.
type Code string

const (
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeNotFound          Code = "NOT_FOUND"
	CodeAlreadyExists     Code = "ALREADY_EXISTS"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
	CodeSourceUnavailable Code = "SOURCE_UNAVAILABLE"
	CodeDetectorError     Code = "DETECTOR_ERROR"
	CodeStoreError        Code = "STORE_ERROR"
	CodeFatal             Code = "FATAL"
)

// Error carries a classification code alongside the message.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a classification to an underlying error.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the classification from err, defaulting to FATAL for
// unclassified errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeFatal
}
