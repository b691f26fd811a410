package billing

import "errors"

var (
	// ErrNotFound indicates the bill or claim does not exist.
	ErrNotFound = errors.New("billing: not found")
	// ErrValidation indicates malformed input to a constructor or attach operation.
	ErrValidation = errors.New("billing: validation failed")
	// ErrInvalidState indicates the operation does not apply to the bill's current state.
	ErrInvalidState = errors.New("billing: invalid state for operation")
	// ErrInvalidTransition indicates the requested claim transition is not allowed.
	ErrInvalidTransition = errors.New("billing: invalid claim transition")
	// ErrClaimExists indicates a claim is already attached to the bill.
	ErrClaimExists = errors.New("billing: claim already exists")
	// ErrNoClaim indicates the bill has no claim to operate on.
	ErrNoClaim = errors.New("billing: no claim attached")
)
