// Package backend provides the HTTP client for the conversation backend API.
//
// This file defines the error taxonomy used to classify failures: validation
// errors never reach the network, network/timeout errors are retryable,
// server errors split into recoverable and unrecoverable, and session-invalid
// errors always force a full session reset.
package backend

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a backend failure.
type ErrorKind string

const (
	// KindValidation marks bad input caught before any network call.
	KindValidation ErrorKind = "validation"
	// KindNetwork marks a transport failure with no server response.
	KindNetwork ErrorKind = "network"
	// KindTimeout marks a caller-specified timeout being exceeded.
	KindTimeout ErrorKind = "timeout"
	// KindServer marks a 4xx/5xx response from the backend.
	KindServer ErrorKind = "server"
	// KindSessionInvalid marks the backend declaring the identifier unusable.
	KindSessionInvalid ErrorKind = "session_invalid"
)

// Error is a classified backend failure carrying the machine-readable kind,
// a human-readable message and the HTTP status when one was received.
type Error struct {
	Kind          ErrorKind
	Message       string
	StatusCode    int
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s error: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("backend %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified backend error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the classification of err, or an empty kind when err is not
// a backend error.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// IsRetryable reports whether err is a transient failure worth retrying.
// Only transport failures and timeouts qualify; server decisions are final.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// IsSessionInvalid reports whether err requires a full session reset.
func IsSessionInvalid(err error) bool {
	return KindOf(err) == KindSessionInvalid
}
