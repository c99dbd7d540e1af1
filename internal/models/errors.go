// Package models defines the shared error taxonomy for Convomux.
//
// Every raw transport or storage failure is classified into one of these
// kinds before it crosses a component boundary. Retry logic in the queue,
// dispatcher, and outbox consults only the kind, never the concrete error.
package models

import (
	"errors"
	"fmt"
)

// ErrorKind partitions failures by how callers must react to them.
type ErrorKind string

const (
	// KindTransient marks failures worth retrying with backoff (network
	// errors, 5xx responses, rate limiting).
	KindTransient ErrorKind = "transient"
	// KindPermanent marks failures that will not succeed on retry
	// (validation, auth, other 4xx).
	KindPermanent ErrorKind = "permanent"
	// KindNotFound marks lookups of unknown or expired identifiers.
	KindNotFound ErrorKind = "not_found"
	// KindConflict marks duplicate submissions and invalid state
	// transitions, such as cancelling an already dispatched message.
	KindConflict ErrorKind = "conflict"
	// KindQuota marks offline storage over-limit conditions.
	KindQuota ErrorKind = "quota"
)

// ClassifiedError wraps an underlying error with its taxonomy kind.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure. Returns nil for nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure. Returns nil for nil err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: KindPermanent, Err: err}
}

// NotFound wraps err as an unknown-identifier failure.
func NotFound(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: KindNotFound, Err: err}
}

// Conflict wraps err as a duplicate or invalid-transition failure.
func Conflict(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: KindConflict, Err: err}
}

// Quota wraps err as a storage over-limit failure.
func Quota(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: KindQuota, Err: err}
}

// Transientf formats and wraps a retryable failure.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Permanentf formats and wraps a non-retryable failure.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// NotFoundf formats and wraps an unknown-identifier failure.
func NotFoundf(format string, args ...any) error {
	return NotFound(fmt.Errorf(format, args...))
}

// Conflictf formats and wraps a duplicate or invalid-transition failure.
func Conflictf(format string, args ...any) error {
	return Conflict(fmt.Errorf(format, args...))
}

// Quotaf formats and wraps a storage over-limit failure.
func Quotaf(format string, args ...any) error {
	return Quota(fmt.Errorf(format, args...))
}

// KindOf reports the taxonomy kind of err. Unclassified errors report
// KindPermanent: failing fast is the safe default for errors nothing has
// vouched for as retryable.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindPermanent
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsNotFound reports whether err is classified as an unknown identifier.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsConflict reports whether err is classified as a conflict.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsQuota reports whether err is classified as a quota failure.
func IsQuota(err error) bool {
	return KindOf(err) == KindQuota
}
