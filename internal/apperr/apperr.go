// Package apperr defines the error taxonomy shared across the core engine.
//
// Errors are structured values, never string matches: callers compare with
// errors.Is against the sentinel Kinds below, and the HTTP collaborator maps
// a Kind to a status code in one place.
package apperr

import "errors"

// Kind is a closed taxonomy of error categories the core engine can produce.
type Kind int

const (
	// KindInvalidInput covers address format, block range ordering, and
	// pagination bound violations. Always fails fast.
	KindInvalidInput Kind = iota
	// KindNotFound covers addresses with no known info and balances with
	// no persisted snapshot.
	KindNotFound
	// KindConflict covers uniqueness violations; treated as a success path
	// for inserts guarded by ON CONFLICT DO NOTHING, surfaced only where a
	// caller must distinguish "already exists" from "failed".
	KindConflict
	// KindUpstreamTimeout covers explorer query-timeouts and RPC deadlines.
	KindUpstreamTimeout
	// KindUpstreamTransient covers network errors, 5xx, and upstream rate
	// limiting.
	KindUpstreamTransient
	// KindUpstreamInvalid covers malformed upstream payloads.
	KindUpstreamInvalid
	// KindStorageError covers durable-store unavailability or a
	// constraint violation other than Conflict.
	KindStorageError
	// KindCacheError covers KV unavailability. Never surfaced past
	// internal/kv — every caller sees a miss instead.
	KindCacheError
	// KindInternal covers programmer errors.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindUpstreamTransient:
		return "upstream_transient"
	case KindUpstreamInvalid:
		return "upstream_invalid"
	case KindStorageError:
		return "storage_error"
	case KindCacheError:
		return "cache_error"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and the operation where it
// occurred, so a single errors.As site can recover both.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op with the given kind, optionally wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to KindInternal when err does
// not carry a structured Kind (e.g. an unexpected panic-recovery path).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
