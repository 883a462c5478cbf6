// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memerr defines the typed error kinds shared across the memory
// layer (§7 of the design). Errors that callers branch on carry one of
// these kinds, so callers can use errors.Is / KindOf instead of parsing
// messages; an error that was never tagged reports KindUnknown.
package memerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the exhaustive error categories the core can
// surface.
type Kind int

const (
	// KindUnknown is the zero value; KindOf returns it for errors that were
	// never wrapped by this package.
	KindUnknown Kind = iota

	// KindDimensionMismatch: vector dimension differs from the user's
	// committed dimension. Fatal for that write; caller must reconcile.
	KindDimensionMismatch

	// KindNotFound: blob id, user, or on-chain id absent. Recoverable —
	// caller may re-prepare.
	KindNotFound

	// KindUnauthorised: ownership mismatch on register or on-chain fetch.
	// Fatal.
	KindUnauthorised

	// KindNetwork: remote blob store I/O failed. Writes fall back to
	// local; reads surface the failure.
	KindNetwork

	// KindTransient: retryable errors from the blob store or scheduler.
	// Caller may retry with backoff.
	KindTransient

	// KindCorrupt: blob deserialisation failed. The affected user's cache
	// is invalidated; a fresh prepare is required.
	KindCorrupt

	// KindConflict: flush attempted while another flush holds the user
	// lock. Caller waits.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindDimensionMismatch:
		return "DimensionMismatch"
	case KindNotFound:
		return "NotFound"
	case KindUnauthorised:
		return "Unauthorised"
	case KindNetwork:
		return "Network"
	case KindTransient:
		return "Transient"
	case KindCorrupt:
		return "Corrupt"
	case KindConflict:
		return "Conflict"
	default:
		return "Unknown"
	}
}

// Error is a typed, wrappable error carrying a Kind alongside the usual
// message/cause chain.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, memerr.New(KindNotFound, "")) match any *Error of
// the same Kind, regardless of message or cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New creates a Kind-tagged error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a Kind-tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a Kind, preserving it as the cause so
// errors.Unwrap / errors.Is continue to work against the original error.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind of err if it (or something it wraps) is a
// *Error. Returns KindUnknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether KindOf(err) equals kind. Only the first *Error in
// err's chain is consulted, so unlike errors.Is(err, New(kind, "")) it
// does not match a kind that appears only deeper in the chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
