// Package gateway holds the small set of types shared across component
// boundaries: the error taxonomy, the canonical event shapes delivered to
// webhook subscribers, and the process instance identity.
//
// Components translate library-specific failures into a gateway.Error before
// returning them across a package boundary, so callers (and ultimately the
// HTTP layer) only ever deal with this taxonomy.
package gateway

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the machine-readable error category exposed to API callers.
type Kind string

const (
	// KindDuplicateBlocked — the same (account, peer, content) tuple was sent
	// within the duplicate window. The transport never saw the second frame.
	KindDuplicateBlocked Kind = "duplicate_blocked"

	// KindHourlyCap — the rolling-hour send budget for the account is spent.
	KindHourlyCap Kind = "hourly_cap"

	// KindDailyCap — the day bucket for the account is full; resets at local
	// midnight.
	KindDailyCap Kind = "daily_cap"

	// KindNeedsQR — no usable auth state exists; the account must be paired
	// by scanning a fresh QR code.
	KindNeedsQR Kind = "needs_qr"

	// KindLockedByOther — another live process holds the account's ownership
	// lock. The lock may be stolen only once it goes stale.
	KindLockedByOther Kind = "locked_by_other_instance"

	// KindShutdown — the operation was abandoned because the process is
	// shutting down.
	KindShutdown Kind = "shutdown"

	// KindNotConnected — the account has no open protocol socket.
	KindNotConnected Kind = "not_connected"

	// KindNotFound — the referenced resource does not exist.
	KindNotFound Kind = "not_found"

	// KindStoreUnavailable — the durable store could not be reached after the
	// internal retry budget was spent. Maps to HTTP 503.
	KindStoreUnavailable Kind = "store_unavailable"

	// KindInvalidInput — the caller's request was malformed or failed business
	// validation. Maps to HTTP 4xx.
	KindInvalidInput Kind = "invalid_input"

	// KindInternal — an unexpected failure that is not the caller's fault.
	KindInternal Kind = "internal_error"
)

// Error is the gateway-wide error type. RetryAfter is populated for cap
// rejections so API responses can carry a retry hint in seconds.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// NewError builds a gateway error with the given kind and message.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError builds a gateway error wrapping an underlying cause.
func WrapError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, or KindInternal when err is not a
// gateway error. A nil err returns the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// RetryAfterOf returns the retry hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.RetryAfter
	}
	return 0
}
