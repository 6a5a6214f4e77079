package shakefsm

import (
	"errors"
	"fmt"
	"time"
)

// Code is a stable, enumerable failure tag. Callers switch on codes, never on
// message text.
type Code string

const (
	AmountZero          Code = "AMOUNT_ZERO"
	DeadlineZero        Code = "DEADLINE_ZERO"
	NotPending          Code = "NOT_PENDING"
	NotActive           Code = "NOT_ACTIVE"
	NotDelivered        Code = "NOT_DELIVERED"
	NotDisputed         Code = "NOT_DISPUTED"
	AlreadyAccepted     Code = "ALREADY_ACCEPTED"
	NotWorker           Code = "NOT_WORKER"
	NotRequester        Code = "NOT_REQUESTER"
	NotTreasury         Code = "NOT_TREASURY"
	NotParentWorker     Code = "NOT_PARENT_WORKER"
	ParentNotActive     Code = "PARENT_NOT_ACTIVE"
	ExceedsParentBudget Code = "EXCEEDS_PARENT_BUDGET"
	CannotRefund        Code = "CANNOT_REFUND"
	DeadlinePassed      Code = "DEADLINE_PASSED"
	DeadlineNotPassed   Code = "DEADLINE_NOT_PASSED"
	DisputeWindowActive Code = "DISPUTE_WINDOW_ACTIVE"
	DisputeWindowClosed Code = "DISPUTE_WINDOW_CLOSED"
	ChildrenNotSettled  Code = "CHILDREN_NOT_SETTLED"
	SubtreeNotClean     Code = "SUBTREE_NOT_CLEAN"
	LedgerPullFailed    Code = "LEDGER_PULL_FAILED"
	LedgerPushFailed    Code = "LEDGER_PUSH_FAILED"
	NotFound            Code = "NOT_FOUND"
	InvalidTransition   Code = "INVALID_TRANSITION"
)

// Error carries a code plus, for timing violations, the clock reading and the
// boundary that was missed.
type Error struct {
	Code     Code
	Now      time.Time
	Boundary time.Time
	Err      error
}

func (e *Error) Error() string {
	if !e.Now.IsZero() || !e.Boundary.IsZero() {
		return fmt.Sprintf("%s (now=%s boundary=%s)", e.Code, e.Now.Format(time.RFC3339), e.Boundary.Format(time.RFC3339))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

func E(code Code) *Error { return &Error{Code: code} }

// Timing builds a timing-violation error with the observed clock and boundary.
func Timing(code Code, now, boundary time.Time) *Error {
	return &Error{Code: code, Now: now, Boundary: boundary}
}

// Wrap attaches a cause, e.g. the underlying ledger failure.
func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the code from err, or "" when err is not an engine error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
