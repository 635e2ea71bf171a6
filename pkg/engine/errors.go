package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an engine failure for failover decisions.
type ErrorKind int

const (
	// KindNetwork covers transient transport failures including attempt
	// timeouts. Immediate failover to the next engine is appropriate.
	KindNetwork ErrorKind = iota + 1

	// KindAuth means the engine's credentials are invalid or expired.
	// Retrying against the same engine cannot help.
	KindAuth

	// KindRateLimited means the engine asked us to slow down. Retry the
	// same engine after a backoff before failing over.
	KindRateLimited

	// KindUnsupportedFormat means the chunk itself is malformed for this
	// class of engine. No failover helps; the chunk fails permanently.
	KindUnsupportedFormat
)

// String returns the wire-friendly name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate-limited"
	case KindUnsupportedFormat:
		return "unsupported-format"
	default:
		return "unknown"
	}
}

// Error is the classified failure type returned by engine implementations.
type Error struct {
	// Kind drives the orchestrator's failover decision.
	Kind ErrorKind

	// Engine is the ID of the engine that failed.
	Engine string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("engine %s: %s: %v", e.Engine, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as a classified engine failure.
func NewError(kind ErrorKind, engineID string, err error) *Error {
	return &Error{Kind: kind, Engine: engineID, Err: err}
}

// KindOf extracts the classification from err. Unclassified errors —
// including context deadline expiry from attempt timeouts and raw transport
// errors — count as network failures, the most forgiving treatment: fail
// over to the next engine and keep the chunk alive.
func KindOf(err error) ErrorKind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindNetwork
}
