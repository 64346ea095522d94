package types

import (
	"errors"
	"fmt"
)

var (
	// ErrIdempotencyConflict signals that a create request matched an
	// existing idempotency key and the existing resource was returned.
	// Informational, not a failure.
	ErrIdempotencyConflict = errors.New("idempotency key already used")

	// ErrOrderNotFound is returned when an order lookup matches nothing.
	ErrOrderNotFound = errors.New("order not found")

	// ErrTransitionInProgress is returned when a lifecycle transition is
	// requested while another one is still running.
	ErrTransitionInProgress = errors.New("lifecycle transition already in progress")

	// ErrTradingStopped is returned when the system is in STOPPED mode and
	// an operation requires an active session.
	ErrTradingStopped = errors.New("trading is stopped, operator intervention required")
)

// RiskViolation is returned when the risk gate rejects an order before
// submission. Limit names the failing check.
type RiskViolation struct {
	Limit  string
	Reason string
}

func (e *RiskViolation) Error() string {
	return fmt.Sprintf("risk violation (%s): %s", e.Limit, e.Reason)
}

// OrderStatusError is returned when a requested transition is invalid for
// the order's current status, e.g. canceling a filled order.
type OrderStatusError struct {
	OrderID   string
	Status    string
	Requested string
}

func (e *OrderStatusError) Error() string {
	return fmt.Sprintf("order %s is %s, cannot %s", e.OrderID, e.Status, e.Requested)
}

// FillConservationError is returned when an incoming fill would push an
// order's filled quantity past its requested quantity. The fill is not
// applied.
type FillConservationError struct {
	OrderID   string
	Quantity  float64
	Filled    float64
	Requested float64
}

func (e *FillConservationError) Error() string {
	return fmt.Sprintf("fill of %.4f on order %s would exceed requested quantity (%.4f filled of %.4f)",
		e.Quantity, e.OrderID, e.Filled, e.Requested)
}

// VenueError wraps a failed venue call. Retryable distinguishes timeouts and
// transient transport failures from definitive rejections.
type VenueError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *VenueError) Error() string {
	kind := "rejected"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("venue call %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

// RecoveryError is returned when state recovery cannot complete. It must not
// be absorbed locally: the lifecycle controller moves to STOPPED on it.
type RecoveryError struct {
	Step string
	Err  error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("state recovery failed at %s: %v", e.Step, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }
