package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for retry decisions and for what callers see.
type ErrorKind string

const (
	// KindRetryable marks transient provider, network or store failures.
	KindRetryable ErrorKind = "retryable"
	// KindFatal marks failures that will not succeed on retry.
	KindFatal ErrorKind = "fatal"
	// KindResourceExhausted marks rejected work due to a saturated pipeline.
	KindResourceExhausted ErrorKind = "resource_exhausted"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrQueueFull           = errors.New("ingestion queue is full")
	ErrQueueClosed         = errors.New("ingestion queue is closed")
	ErrDimensionMismatch   = errors.New("embedding dimension mismatch")
	ErrInvalidQuery        = errors.New("invalid search query")
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrFileTooLarge        = errors.New("file too large")
	ErrCorruptedFile       = errors.New("file is corrupted or unreadable")
	ErrInvalidTransition   = errors.New("invalid status transition")
)

// Error carries a taxonomy kind alongside the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a transient failure of op.
func Retryable(op string, err error) error {
	return &Error{Kind: KindRetryable, Op: op, Err: err}
}

// Fatal wraps err as a permanent failure of op.
func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// ResourceExhausted wraps err as a backpressure rejection of op.
func ResourceExhausted(op string, err error) error {
	return &Error{Kind: KindResourceExhausted, Op: op, Err: err}
}

// KindOf returns the taxonomy kind of err, or "" when err is unclassified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is classified as transient.
func IsRetryable(err error) bool {
	return KindOf(err) == KindRetryable
}

// IsFatal reports whether err is classified as permanent.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}

// IsResourceExhausted reports whether err is a backpressure rejection.
func IsResourceExhausted(err error) bool {
	return KindOf(err) == KindResourceExhausted
}
