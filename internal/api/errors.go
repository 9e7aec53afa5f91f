// Package api holds cross-cutting types shared by the framework's internal
// packages: the error taxonomy used throughout bundle, registry, and DCR
// operations.
package api

import (
	"errors"
	"fmt"
)

// Kind classifies an Error by the condition that raised it, matching the
// seven recovery strategies the framework distinguishes between.
type Kind string

const (
	// KindInvalidArgument covers malformed filters, duplicate location+id
	// pairs, and references to unknown components. Caller-side; no state
	// change occurs.
	KindInvalidArgument Kind = "INVALID_ARGUMENT"

	// KindManifestParse covers a manifest that is not a mapping, or one
	// missing a required header. Install fails atomically.
	KindManifestParse Kind = "MANIFEST_PARSE"

	// KindLibraryLoad covers the platform loader failing to load or resolve
	// a bundle's activator symbol. The bundle still transitions to
	// installed; the install operation itself still succeeds.
	KindLibraryLoad Kind = "LIBRARY_LOAD"

	// KindBundleActivation covers a user activator's Start returning an
	// error. The bundle reverts to resolved; the original error is wrapped
	// as Cause.
	KindBundleActivation Kind = "BUNDLE_ACTIVATION"

	// KindComponentActivation covers a user component constructor or
	// Activate panicking or returning an error. The configuration moves to
	// FAILED_ACTIVATION; the error is logged and never propagated to
	// service consumers, who simply see no service.
	KindComponentActivation Kind = "COMPONENT_ACTIVATION"

	// KindCircularReference covers a DCR cycle detected during activation.
	// All cycle members move to UNSATISFIED_REFERENCE.
	KindCircularReference Kind = "CIRCULAR_REFERENCE"

	// KindIllegalState covers an operation attempted on an uninstalled
	// bundle or a closed framework. Caller-side.
	KindIllegalState Kind = "ILLEGAL_STATE"
)

// Error is the single error type used across the framework. Every raised
// error carries a Kind so callers can branch on recovery strategy with
// errors.Is against the Err* sentinels below, rather than on string content.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes Cause to errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a sentinel for the same Kind, letting
// errors.Is(err, ErrKindCircularReference) work regardless of Message/Cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	if other.Message != "" || other.Cause != nil {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinels for errors.Is comparisons, one per Kind. Each carries no Message
// or Cause, matching the Is implementation above: errors.Is(err,
// ErrKindInvalidArgument) is true for any *Error with Kind ==
// KindInvalidArgument, regardless of detail.
var (
	ErrKindInvalidArgument     = &Error{Kind: KindInvalidArgument}
	ErrKindManifestParse       = &Error{Kind: KindManifestParse}
	ErrKindLibraryLoad         = &Error{Kind: KindLibraryLoad}
	ErrKindBundleActivation    = &Error{Kind: KindBundleActivation}
	ErrKindComponentActivation = &Error{Kind: KindComponentActivation}
	ErrKindCircularReference   = &Error{Kind: KindCircularReference}
	ErrKindIllegalState        = &Error{Kind: KindIllegalState}
)

// KindOf returns the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func KindOf(err error) (kind Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
