// Package failure defines the error taxonomy of the ingestion pipeline.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	// TransientFetch is a retryable network or upstream failure.
	TransientFetch Kind = "transient_fetch"
	// PermanentFetch is a fetch failure that retrying will not fix.
	PermanentFetch Kind = "permanent_fetch"
	// Parse is a page or record that could not be extracted.
	Parse Kind = "parse"
	// StoreUnavailable is any failure of the deduplication store.
	StoreUnavailable Kind = "store_unavailable"
	// Delivery is a notification sink failure.
	Delivery Kind = "delivery"
)

// Error is a classified pipeline failure.
type Error struct {
	Kind      Kind
	Op        string
	Err       error
	Permanent bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Op)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the operation may succeed on another attempt.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case TransientFetch:
		return true
	case Delivery:
		return !e.Permanent
	default:
		return false
	}
}

// New creates a classified failure.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Permanent: kind == PermanentFetch}
}

// NewTransientFetch creates a retryable fetch failure.
func NewTransientFetch(op string, err error) *Error {
	return New(TransientFetch, op, err)
}

// NewPermanentFetch creates a non-retryable fetch failure.
func NewPermanentFetch(op string, err error) *Error {
	return New(PermanentFetch, op, err)
}

// NewParse creates an extraction failure.
func NewParse(op string, err error) *Error {
	return New(Parse, op, err)
}

// NewStoreUnavailable creates a store failure.
func NewStoreUnavailable(op string, err error) *Error {
	return New(StoreUnavailable, op, err)
}

// NewDelivery creates a retryable delivery failure.
func NewDelivery(op string, err error) *Error {
	return New(Delivery, op, err)
}

// NewPermanentDelivery creates a delivery failure the sink rejected outright.
func NewPermanentDelivery(op string, err error) *Error {
	e := New(Delivery, op, err)
	e.Permanent = true
	return e
}

// Is reports whether err carries a failure of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// IsRetryable reports whether err is a classified, retryable failure.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}
	return false
}
