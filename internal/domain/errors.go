package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable marks a single source failure. It never escapes a
	// PriceSource; it only ends up as the Err text of a failed sample.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrInsufficientSources means fewer than quorum sources returned a price.
	ErrInsufficientSources = errors.New("INSUFFICIENT_SOURCES")
	// ErrInvalidPrice means aggregation produced a non-positive or non-finite price.
	ErrInvalidPrice = errors.New("INVALID_PRICE")
	// ErrAdmissionRejected is wrapped by every RejectionError.
	ErrAdmissionRejected = errors.New("admission rejected")
	// ErrInvalidTransition is returned for lifecycle precondition violations.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotFound is returned by storage lookups.
	ErrNotFound = errors.New("not found")
)

// RejectReason says why a stake operation was refused.
type RejectReason string

const (
	ReasonPoolNotOpen   RejectReason = "POOL_NOT_OPEN"
	ReasonBelowMinimum  RejectReason = "BELOW_MIN_STAKE"
	ReasonAboveMaximum  RejectReason = "ABOVE_MAX_STAKE"
	ReasonInvalidSide   RejectReason = "INVALID_SIDE"
	ReasonInvalidAmount RejectReason = "INVALID_AMOUNT"
	ReasonNotOwner      RejectReason = "NOT_OWNER"
	ReasonNotActive     RejectReason = "STAKE_NOT_ACTIVE"
)

// RejectionError is returned synchronously when a stake is not admitted or
// cannot be cancelled. It matches ErrAdmissionRejected with errors.Is.
type RejectionError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("stake rejected: %s", e.Reason)
	}
	return fmt.Sprintf("stake rejected: %s: %s", e.Reason, e.Detail)
}

func (e *RejectionError) Unwrap() error { return ErrAdmissionRejected }

// Reject builds a RejectionError.
func Reject(reason RejectReason, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
