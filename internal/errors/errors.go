// Package errors provides the semantic error taxonomy shared by every
// subsystem on the node. Callers branch on the Kind, not on error strings.
package errors

import (
	"errors"
	"fmt"
)

// Kind is a semantic error code.
type Kind string

const (
	KindValidation        Kind = "VALIDATION_ERROR"
	KindAuth              Kind = "AUTH_ERROR"
	KindQueueFull         Kind = "QUEUE_FULL"
	KindTimeout           Kind = "TIMEOUT"
	KindCancelled         Kind = "CANCELLED"
	KindEmbedding         Kind = "EMBEDDING_ERROR"
	KindRetrieval         Kind = "RETRIEVAL_ERROR"
	KindGeneration        Kind = "GENERATION_ERROR"
	KindChecksumMismatch  Kind = "CHECKSUM_MISMATCH"
	KindVersionConflict   Kind = "VERSION_CONFLICT"
	KindStorage           Kind = "STORAGE_ERROR"
	KindTransientUpstream Kind = "TRANSIENT_UPSTREAM"
	KindPermanentUpstream Kind = "PERMANENT_UPSTREAM"
	KindUnavailable       Kind = "UNAVAILABLE"
	KindInternal          Kind = "INTERNAL"
)

// TutorError carries a kind, a human-readable message, and an optional cause.
type TutorError struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *TutorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *TutorError) Unwrap() error {
	return e.Cause
}

// New creates an error of the given kind.
func New(kind Kind, message string) *TutorError {
	return &TutorError{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *TutorError {
	return &TutorError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error. A nil cause
// yields an untyped nil so call sites can wrap and return unconditionally.
func Wrap(kind Kind, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &TutorError{Kind: kind, Message: message, Cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &TutorError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind from an error chain, returning KindInternal for
// errors that carry none.
func KindOf(err error) Kind {
	var te *TutorError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// Is reports whether the error chain contains a TutorError of the kind.
func Is(err error, kind Kind) bool {
	var te *TutorError
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// Retryable reports whether the error should be retried by upstream callers:
// only transient upstream failures and timeouts qualify.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientUpstream, KindTimeout:
		return true
	default:
		return false
	}
}
