package fiberdispatch

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the failures a Dispatcher can surface through
// GetLastError: what category of thing went wrong, not a concrete
// sentinel error. It does not attempt to catch or marshal failures from
// inside a job entry point.
type ErrorKind int

const (
	// KindStartup covers a worker that failed to spawn or failed to set
	// its core affinity.
	KindStartup ErrorKind = iota
	// KindPoolExhaustion covers a pool Get() returning nil with growth
	// disabled. Submit treats this as an assertion failure, not a
	// reportable error.
	KindPoolExhaustion
	// KindMisuse covers programmer errors: Submit before Init,
	// WaitForJob on an already-observed handle, Shutdown with in-flight
	// jobs. The Dispatcher does not record these through GetLastError:
	// Submit before Init panics, and Shutdown with in-flight jobs always
	// refuses and returns false.
	KindMisuse
)

func (k ErrorKind) String() string {
	switch k {
	case KindStartup:
		return "startup failure"
	case KindPoolExhaustion:
		return "pool exhaustion"
	case KindMisuse:
		return "misuse"
	default:
		return "unknown"
	}
}

// DispatcherError wraps an underlying error with the ErrorKind that
// classifies it, so callers can use errors.As to recover the kind instead
// of string-matching GetLastError's text.
type DispatcherError struct {
	Kind ErrorKind
	Err  error
}

func (e *DispatcherError) Error() string {
	return fmt.Sprintf("fiberdispatch: %s: %v", e.Kind, e.Err)
}

func (e *DispatcherError) Unwrap() error { return e.Err }

func newDispatcherError(kind ErrorKind, msg string) *DispatcherError {
	return &DispatcherError{Kind: kind, Err: errors.New(msg)}
}
