// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

// Package errs defines the error taxonomy shared by every passim component.
//
// Components never return bare errors on the hot path: HttpFront maps a Kind
// to an HTTP status code, ControlPlane maps it to a D-Bus error name, and
// background sweepers log it and continue. See spec.md §7.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error without tying it to a transport-specific status
// code or error name; the mapping to HTTP/D-Bus lives in the component that
// terminates the error, not here.
type Kind string

const (
	InvalidArgs      Kind = "InvalidArgs"
	NotFound         Kind = "NotFound"
	AlreadyExists    Kind = "AlreadyExists"
	PermissionDenied Kind = "PermissionDenied"
	TooLarge         Kind = "TooLarge"
	CorruptData      Kind = "CorruptData"
	NotReady         Kind = "NotReady"
	Transport        Kind = "Transport"
	Io               Kind = "Io"
)

// Error is the concrete error type returned by every passim component.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind with no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around an existing error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, otherwise
// returns Io — the catch-all for unclassified syscall/library failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Io
}
