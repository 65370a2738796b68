// Package errors implements the error taxonomy from spec.md §7: every
// failure in the engine is classified so callers can decide whether to log
// and continue, answer the peer with a status code, or escalate to the
// embedding layer as fatal.
package errors

import (
	"fmt"
	"time"
)

// ErrorType classifies a failure per spec.md §7.
type ErrorType int

const (
	// TransientNetwork covers UDP send failures and peer HTTP timeouts.
	// Logged at info level; the next periodic tick retries implicitly.
	TransientNetwork ErrorType = iota
	// MalformedPayload covers invalid JSON or missing required fields.
	MalformedPayload
	// ProtocolViolation covers references to an unknown session or file.
	ProtocolViolation
	// ConsentDeclined covers a UserConsentProvider decline or timeout.
	ConsentDeclined
	// LocalIO covers download-dir creation failures, disk-full, short reads.
	LocalIO
	// Fatal covers failures that must abort startup entirely.
	Fatal
)

func (t ErrorType) String() string {
	switch t {
	case TransientNetwork:
		return "transient_network"
	case MalformedPayload:
		return "malformed_payload"
	case ProtocolViolation:
		return "protocol_violation"
	case ConsentDeclined:
		return "consent_declined"
	case LocalIO:
		return "local_io"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// AppError is the engine's error value: a classified, timestamped,
// source-tagged wrapper around an optional underlying cause.
type AppError struct {
	Type    ErrorType
	Source  string
	Message string
	Time    time.Time
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Source, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// New constructs an AppError of the given type, tagging it with the
// component that raised it.
func New(t ErrorType, source, message string, cause error) *AppError {
	return &AppError{
		Type:    t,
		Source:  source,
		Message: message,
		Time:    time.Now(),
		Err:     cause,
	}
}

// HTTPStatus maps an ErrorType to the HTTP status code spec.md §7
// prescribes for it. Fatal and TransientNetwork have no HTTP mapping
// (TransientNetwork never reaches an HTTP handler as the error itself;
// Fatal aborts startup before any server exists) — callers of those types
// should not call HTTPStatus.
func (t ErrorType) HTTPStatus() int {
	switch t {
	case MalformedPayload:
		return 400
	case ConsentDeclined:
		return 403
	case ProtocolViolation:
		return 404
	case LocalIO:
		return 500
	default:
		return 500
	}
}
