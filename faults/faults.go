// Package faults defines the error taxonomy shared by all marketplace
// components. Every error here is terminal for the operation that raised
// it: none are transient, retries are never meaningful.
package faults

import "errors"

var (
	// ErrUnauthorized is returned when a caller lacks rights for a mutating
	// or result-retrieval operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyRevoked is returned on a double-revocation attempt.
	ErrAlreadyRevoked = errors.New("record already revoked")

	// ErrInvalidParameter is returned when a predicate parameter falls
	// outside the representable plaintext domain. Raised before any
	// homomorphic work begins.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInsufficientPayment is returned when the attached payment is below
	// the configured query fee.
	ErrInsufficientPayment = errors.New("insufficient payment")

	// ErrCapacityExceeded is returned when the active record count exceeds
	// the configured scan cap.
	ErrCapacityExceeded = errors.New("active set exceeds scan capacity")

	// ErrInsufficientFunds is returned on a withdrawal above the available
	// balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrBadProof is returned when an encrypted input's proof of correct
	// encryption does not verify.
	ErrBadProof = errors.New("input proof verification failed")

	// ErrNotFound is returned when a record or query result id is unknown.
	ErrNotFound = errors.New("not found")
)
