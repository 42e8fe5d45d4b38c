// Package errors provides the error taxonomy of the order management core.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Validation codes. A ValidationError unwraps to exactly one of these.
var (
	ErrInvalidOrder            = errors.New("invalid order")
	ErrMissingPriceParameter   = errors.New("missing price parameter")
	ErrInsufficientBuyingPower = errors.New("insufficient buying power")
	ErrInsufficientPosition    = errors.New("insufficient position")
	ErrUnsupportedAssetType    = errors.New("unsupported asset type")
)

// Standard sentinel errors
var (
	ErrInvalidOrderState = errors.New("invalid order state")
	ErrReconciliation    = errors.New("reconciliation failed")
	ErrOrderNotFound     = errors.New("order not found")
	ErrPositionNotFound  = errors.New("position not found")
	ErrPortfolioNotFound = errors.New("portfolio not found")
	ErrPortfolioExists   = errors.New("portfolio already exists")
	ErrPriceUnavailable  = errors.New("indicative price unavailable")
	ErrVenueUnavailable  = errors.New("venue unavailable")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrTooManyConcurrent = errors.New("too many concurrent requests")
	ErrConfigInvalid     = errors.New("invalid configuration")
)

// ValidationError is returned when an order request is rejected before any
// state is created.
type ValidationError struct {
	Code    error
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %v: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("validation error: %v: %s (%v): %s", e.Code, e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Code
}

// NewValidationError creates a new ValidationError.
func NewValidationError(code error, field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Code:    code,
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// VenueError represents a failed call to an execution venue.
type VenueError struct {
	Venue string
	Op    string
	// Code is the venue's own error code, when it sent one.
	Code      string
	Message   string
	Transient bool
	Err       error
}

func (e *VenueError) Error() string {
	msg := fmt.Sprintf("venue error [%s] %s", e.Venue, e.Op)
	if e.Code != "" {
		msg += fmt.Sprintf(" (%s)", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VenueError) Unwrap() error {
	return e.Err
}

// NewVenueError creates a VenueError, classifying err as transient when it is
// a timeout, a network failure or an open circuit.
func NewVenueError(venue, op string, err error) *VenueError {
	return &VenueError{
		Venue:     venue,
		Op:        op,
		Transient: isTransientCause(err),
		Err:       err,
	}
}

// NewVenueRejection creates a non-transient VenueError for a venue that
// refused the request.
func NewVenueRejection(venue, op, code, message string) *VenueError {
	return &VenueError{
		Venue:   venue,
		Op:      op,
		Code:    code,
		Message: message,
	}
}

// OrderStateError is returned when an order cannot make a transition from its
// current status.
type OrderStateError struct {
	OrderID string
	Status  string
	Action  string
}

func (e *OrderStateError) Error() string {
	return fmt.Sprintf("invalid order state: cannot %s order %s in status %s", e.Action, e.OrderID, e.Status)
}

func (e *OrderStateError) Unwrap() error {
	return ErrInvalidOrderState
}

// NewOrderStateError creates a new OrderStateError.
func NewOrderStateError(orderID, status, action string) *OrderStateError {
	return &OrderStateError{
		OrderID: orderID,
		Status:  status,
		Action:  action,
	}
}

// ReconciliationError blocks a fill from being applied.
type ReconciliationError struct {
	OrderID string
	Reason  string
	Err     error
}

func (e *ReconciliationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reconciliation error [%s]: %s: %v", e.OrderID, e.Reason, e.Err)
	}
	return fmt.Sprintf("reconciliation error [%s]: %s", e.OrderID, e.Reason)
}

func (e *ReconciliationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrReconciliation, e.Err}
	}
	return []error{ErrReconciliation}
}

// NewReconciliationError creates a new ReconciliationError.
func NewReconciliationError(orderID, reason string, err error) *ReconciliationError {
	return &ReconciliationError{
		OrderID: orderID,
		Reason:  reason,
		Err:     err,
	}
}

// IsTransient reports whether err is worth retrying.
// Venue rejections and validation failures never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Transient
	}
	return isTransientCause(err)
}

func isTransientCause(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrTooManyConcurrent) ||
		errors.Is(err, ErrVenueUnavailable) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
