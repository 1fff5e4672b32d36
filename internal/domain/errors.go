package domain

import "fmt"

// Error types for consistent error handling across the billing service.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrExternalService indicates a failure in an external service call.
// Callers treat it as transient.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrTimeout indicates an operation exceeded its deadline.
type ErrTimeout struct {
	Operation string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("operation timed out: %s", e.Operation)
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input or malformed payload).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrRaceLost indicates a conditional bill write was rejected because the
// bill changed since it was read.
type ErrRaceLost struct {
	ExternalRef string
}

func (e *ErrRaceLost) Error() string {
	return fmt.Sprintf("bill %s was modified concurrently", e.ExternalRef)
}

// ErrNoPendingPayment indicates no user holds a pending payment for the ref.
type ErrNoPendingPayment struct {
	ExternalRef string
}

func (e *ErrNoPendingPayment) Error() string {
	return fmt.Sprintf("no pending payment for %s", e.ExternalRef)
}

// ErrActivationFailure indicates a confirmed payment whose subscription
// update could not be persisted. It is retryable without charging again.
type ErrActivationFailure struct {
	ExternalRef string
	Err         error
}

func (e *ErrActivationFailure) Error() string {
	return fmt.Sprintf("activation failed for %s: %v", e.ExternalRef, e.Err)
}

func (e *ErrActivationFailure) Unwrap() error {
	return e.Err
}

// ErrDuplicate indicates a duplicate operation (idempotency check).
type ErrDuplicate struct {
	Key string
}

func (e *ErrDuplicate) Error() string {
	return fmt.Sprintf("duplicate operation: %s", e.Key)
}

// ErrForbidden indicates the caller lacks permission for the operation.
type ErrForbidden struct {
	Action string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Action)
}

// ErrUnauthorized indicates invalid credentials or token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// ErrPaymentRejected indicates the provider refused to start a payment.
type ErrPaymentRejected struct {
	ExternalRef string
	Message     string
}

func (e *ErrPaymentRejected) Error() string {
	return fmt.Sprintf("payment %s rejected by provider: %s", e.ExternalRef, e.Message)
}
