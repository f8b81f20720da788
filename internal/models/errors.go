package models

import "errors"

// Domain error taxonomy. Store and service layers wrap these with
// fmt.Errorf("...: %w", err); callers branch with errors.Is.
var (
	// ErrInvalidIntent is returned when a buyer intent's quantity or time
	// window constraints are malformed.
	ErrInvalidIntent = errors.New("invalid buyer intent")

	// ErrIllegalTransition is returned when an action arrives that is not
	// valid for the transaction's current state. The transaction is left
	// unchanged; the violation is reported, never silently corrected.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrInsufficientQuantity is returned when an offer lacks headroom for
	// a requested reservation.
	ErrInsufficientQuantity = errors.New("insufficient offer quantity")

	// ErrNotReserved is returned when finalize is invoked on a block that
	// is not currently reserved by the expected transaction, typically a
	// lost race with expiry or a duplicate confirm.
	ErrNotReserved = errors.New("block not reserved by transaction")

	// ErrExpired is returned when an operation targets a transaction whose
	// TTL has elapsed.
	ErrExpired = errors.New("transaction expired")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
)
