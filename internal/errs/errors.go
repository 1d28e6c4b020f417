// Package errs provides the unified error type used across the provider.
//
// Every subsystem (filestore backends, registry, dispatch, lifecycle) wraps
// its native errors into *errs.Error before returning them to callers.
// Callers use the Is* predicates to handle errors without importing
// SDK-specific packages.
//
// Usage:
//
//	// In a backend, wrap native errors:
//	return errs.Wrap(errs.ErrKindNotFound, "failed to delete bucket", apiErr)
//
//	// In the host binding, check the error kind:
//	if errs.IsUnlinkedTenant(err) {
//	    http.Error(w, err.Error(), http.StatusForbidden)
//	}
package errs

import (
	"errors"
	"fmt"
)

// ErrKind categorises an error without exposing backend-specific codes.
// Both storage backends (AWS S3, MinIO) map their native errors to one of
// the storage kinds, giving callers a single consistent API.
type ErrKind int

const (
	ErrKindUnknown          ErrKind = iota
	ErrKindNotFound                 // no bucket, no object
	ErrKindConnectionFailed         // cannot reach the backend
	ErrKindTimeout                  // context deadline / cancellation
	ErrKindOperationFailed          // backend rejected or failed the request
	ErrKindInvalidInput             // bad arguments from the caller
	ErrKindPermissionDenied         // access denied / auth failure
	ErrKindConfigInvalid            // malformed link configuration
	ErrKindUnlinkedTenant           // no client registered for the caller
	ErrKindUnhandledMethod          // dispatch could not resolve the method
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindNotFound:
		return "not_found"
	case ErrKindConnectionFailed:
		return "connection_failed"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindOperationFailed:
		return "operation_failed"
	case ErrKindInvalidInput:
		return "invalid_input"
	case ErrKindPermissionDenied:
		return "permission_denied"
	case ErrKindConfigInvalid:
		return "config_invalid"
	case ErrKindUnlinkedTenant:
		return "unlinked_tenant"
	case ErrKindUnhandledMethod:
		return "unhandled_method"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by all provider subsystems.
// Backends produce it; callers inspect it via the Is* predicates below.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error // original SDK-level error, preserved for logging
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf is New with a formatted message.
func Newf(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error with the given kind, message, and an underlying cause.
func Wrap(kind ErrKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Config reports a malformed or incomplete link configuration.
func Config(msg string, cause error) *Error {
	return &Error{Kind: ErrKindConfigInvalid, Message: msg, Cause: cause}
}

// UnlinkedTenant reports that no backend client is registered for tenant.
func UnlinkedTenant(tenant string) *Error {
	if tenant == "" {
		return New(ErrKindUnlinkedTenant, "no tenant identity on call")
	}
	return Newf(ErrKindUnlinkedTenant, "tenant %q is not linked", tenant)
}

// UnhandledMethod reports a method name dispatch could not resolve.
func UnhandledMethod(method string) *Error {
	return Newf(ErrKindUnhandledMethod, "method not handled: %s", method)
}

// --- Predicates ---

// IsNotFound reports whether err represents a missing bucket or object.
func IsNotFound(err error) bool {
	return KindOf(err) == ErrKindNotFound
}

// IsTimeout reports whether err was caused by a deadline or context cancellation.
func IsTimeout(err error) bool {
	return KindOf(err) == ErrKindTimeout
}

// IsConnectionFailed reports whether err is a connectivity failure.
func IsConnectionFailed(err error) bool {
	return KindOf(err) == ErrKindConnectionFailed
}

// IsOperationFailed reports whether err is a generic backend operation failure.
func IsOperationFailed(err error) bool {
	return KindOf(err) == ErrKindOperationFailed
}

// IsInvalidInput reports whether err was caused by bad input from the caller.
func IsInvalidInput(err error) bool {
	return KindOf(err) == ErrKindInvalidInput
}

// IsPermissionDenied reports whether err is an access control failure.
func IsPermissionDenied(err error) bool {
	return KindOf(err) == ErrKindPermissionDenied
}

// IsConfigInvalid reports whether err is a link configuration error.
func IsConfigInvalid(err error) bool {
	return KindOf(err) == ErrKindConfigInvalid
}

// IsUnlinkedTenant reports whether err was raised for a caller with no client.
func IsUnlinkedTenant(err error) bool {
	return KindOf(err) == ErrKindUnlinkedTenant
}

// IsUnhandledMethod reports whether err is a dispatch miss.
func IsUnhandledMethod(err error) bool {
	return KindOf(err) == ErrKindUnhandledMethod
}

// IsBackend reports whether err originated from the remote storage service.
func IsBackend(err error) bool {
	switch KindOf(err) {
	case ErrKindNotFound, ErrKindConnectionFailed, ErrKindTimeout,
		ErrKindOperationFailed, ErrKindPermissionDenied:
		return true
	}
	return false
}

// KindOf extracts the ErrKind from any error in the chain.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindUnknown
}
