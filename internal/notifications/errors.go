package notifications

import (
	"errors"
	"fmt"
)

// Error codes reported to collaborators and websocket clients.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidTarget    = "INVALID_TARGET"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
)

var (
	// ErrNotFound indicates a notification that does not exist or does not list the principal.
	ErrNotFound = errors.New("notifications: not found")
	// ErrInvalidTarget indicates a target that resolves to no recipients.
	ErrInvalidTarget = errors.New("notifications: target resolves to no recipients")
	// ErrInvalidInput indicates malformed creation or query input.
	ErrInvalidInput = errors.New("notifications: invalid input")
	// ErrStoreUnavailable indicates the durable store could not complete the operation.
	ErrStoreUnavailable = errors.New("notifications: store unavailable")
)

const (
	opStoreNew     = "notifications.store.new"
	opCreate       = "notifications.create"
	opMarkRead     = "notifications.mark_read"
	opDismiss      = "notifications.dismiss"
	opUnreadCount  = "notifications.unread_count"
	opListFor      = "notifications.list_for"
	opGet          = "notifications.get"
	opSweepExpired = "notifications.sweep_expired"
)

// ServiceError carries a stable code alongside the failing operation.
type ServiceError struct {
	operation string
	code      string
	err       error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.operation, e.code)
	}
	return fmt.Sprintf("%s: %s: %v", e.operation, e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

// Operation returns the dotted name of the failing operation.
func (e *ServiceError) Operation() string {
	return e.operation
}

func newServiceError(operation, code string, cause error) error {
	return &ServiceError{operation: operation, code: code, err: cause}
}

func storeFailure(operation string, cause error) error {
	return newServiceError(operation, CodeStoreUnavailable, fmt.Errorf("%w: %v", ErrStoreUnavailable, cause))
}

// CodeOf extracts the stable code from err, or returns "" for foreign errors.
func CodeOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
