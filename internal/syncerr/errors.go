// Package syncerr defines the tagged error kinds shared by all sync
// components. Callers match errors with errors.As against *Error, or use the
// KindOf/CodeOf helpers. The resilience layer consults Retryable to decide
// whether an operation may be attempted again.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind is the coarse error category.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindAuth
	KindIntegrity
	KindStorage
	KindConflict
	KindOperation
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindIntegrity:
		return "integrity"
	case KindStorage:
		return "storage"
	case KindConflict:
		return "conflict"
	case KindOperation:
		return "operation"
	default:
		return "unknown"
	}
}

// Code refines a Kind. The set is closed; new codes require updating the
// retryability table below.
type Code string

const (
	// Network codes.
	CodeNoConnectivity    Code = "no_connectivity"
	CodeTimeout           Code = "timeout"
	CodeServerError       Code = "server_error"
	CodeRateLimited       Code = "rate_limited"
	CodeDNSFailure        Code = "dns_failure"
	CodeConnectionRefused Code = "connection_refused"

	// Auth codes.
	CodeTokenExpired       Code = "token_expired"
	CodeInvalidCredentials Code = "invalid_credentials"
	CodeAccountDisabled    Code = "account_disabled"
	CodePermissionDenied   Code = "permission_denied"

	// Integrity codes.
	CodeChecksumMismatch Code = "checksum_mismatch"
	CodeCorruptedData    Code = "corrupted_data"
	CodeVersionMismatch  Code = "version_mismatch"
	CodeEncryptionFailed Code = "encryption_failed"
	CodeDecryptionFailed Code = "decryption_failed"

	// Storage codes.
	CodeInsufficientSpace Code = "insufficient_space"
	CodeNotFound          Code = "not_found"
	CodeAccessDenied      Code = "access_denied"
	CodeQuotaExceeded     Code = "quota_exceeded"

	// Conflict codes.
	CodeUnresolvable      Code = "unresolvable"
	CodeMultipleConflicts Code = "multiple_conflicts"
	CodeInvalidResolution Code = "invalid_resolution"

	// Operation codes.
	CodeAlreadyInProgress Code = "already_in_progress"
	CodeInvalidState      Code = "invalid_state"
	CodeCancelled         Code = "cancelled"
)

// Error is the tagged error propagated across the sync engine boundary.
type Error struct {
	Kind Kind
	Code Code
	Op   string // logical operation, e.g. "keys.rotate", "remote.upload"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s/%s: %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s/%s", e.Op, e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two *Error values on Kind and Code, ignoring Op
// and the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// New builds a tagged error without a cause.
func New(kind Kind, code Code, op string) *Error {
	return &Error{Kind: kind, Code: code, Op: op}
}

// Wrap builds a tagged error around an underlying cause.
func Wrap(kind Kind, code Code, op string, err error) *Error {
	return &Error{Kind: kind, Code: code, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the Code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether the resilience layer may retry after err.
// Transient network failures are retryable, as is a storage not-found (the
// remote listing can lag a just-finished upload). Auth, integrity, conflict
// and operation errors are terminal for the attempt.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindNetwork:
		return true
	case KindStorage:
		return e.Code == CodeNotFound
	default:
		return false
	}
}

// RequiresReauth reports whether err should surface to the caller as a
// re-authentication request instead of being retried.
func RequiresReauth(err error) bool {
	return KindOf(err) == KindAuth
}
