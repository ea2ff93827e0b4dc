// Package errors carries the service's error taxonomy. Every error that crosses
// a package boundary is an *Error with a stable Code so transports can map it
// to a status without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Code identifies an error class.
type Code string

const (
	ErrCodeValidation            Code = "VALIDATION_ERROR"
	ErrCodeAlreadyFinalized      Code = "ALREADY_FINALIZED"
	ErrCodeNotFound              Code = "NOT_FOUND"
	ErrCodeIntegrity             Code = "INTEGRITY_ERROR"
	ErrCodePathSecurity          Code = "PATH_SECURITY"
	ErrCodeModificationForbidden Code = "MODIFICATION_FORBIDDEN"
	ErrCodeStorage               Code = "STORAGE_ERROR"
	ErrCodeAllocation            Code = "ALLOCATION_ERROR"
	ErrCodeRender                Code = "RENDER_ERROR"
	ErrCodeConflict              Code = "CONFLICT"
	ErrCodeInvalidInput          Code = "INVALID_INPUT"
	ErrCodeUnauthorized          Code = "UNAUTHORIZED"
	ErrCodeInternal              Code = "INTERNAL"
)

// Error is the concrete error type used across the service.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so sentinel-style comparisons work:
// errors.Is(err, &Error{Code: ErrCodeNotFound}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with the given code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithDetail returns e after setting a structured detail.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NotFound reports a missing resource.
func NotFound(kind, id string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", kind, id)).
		WithDetail("resource", kind).
		WithDetail("id", id)
}

// InvalidInput reports a malformed request field.
func InvalidInput(field, message string) *Error {
	return New(ErrCodeInvalidInput, fmt.Sprintf("invalid %s: %s", field, message)).
		WithDetail("field", field)
}

// Validation reports every violated rule at once.
func Validation(violations []string) *Error {
	return New(ErrCodeValidation, "invoice is not ready to be finalized: "+strings.Join(violations, "; ")).
		WithDetail("violations", violations)
}

// AlreadyFinalized rejects a repeated finalization and carries the original timestamp.
func AlreadyFinalized(invoiceID string, finalizedAt time.Time) *Error {
	return New(ErrCodeAlreadyFinalized, fmt.Sprintf("invoice %s was already finalized", invoiceID)).
		WithDetail("finalizedAt", finalizedAt.UTC().Format(time.RFC3339))
}

// Integrity reports a hash mismatch on an archived document.
func Integrity(path, expected, actual string) *Error {
	return New(ErrCodeIntegrity, "archived document hash does not match the recorded hash").
		WithDetail("path", path).
		WithDetail("storedHash", expected).
		WithDetail("currentHash", actual)
}

// PathSecurity reports a storage path that resolves outside the storage root.
func PathSecurity(path string) *Error {
	return New(ErrCodePathSecurity, "path resolves outside the storage root").
		WithDetail("path", path)
}

// ModificationForbidden rejects a change to a finalized invoice.
func ModificationForbidden(reason string, allowed []string) *Error {
	return New(ErrCodeModificationForbidden, reason).
		WithDetail("allowed", allowed)
}

// Stale rejects a write based on a version of the resource that has since
// changed. The caller should reload and retry.
func Stale(kind, id string) *Error {
	return New(ErrCodeConflict, fmt.Sprintf("%s %s was modified concurrently, reload and retry", kind, id)).
		WithDetail("resource", kind).
		WithDetail("id", id)
}

// Storage wraps an I/O failure of the document store.
func Storage(op string, err error) *Error {
	return Wrap(err, ErrCodeStorage, "storage "+op+" failed")
}

// Allocation wraps a failed counter update.
func Allocation(issuerID string, err error) *Error {
	return Wrap(err, ErrCodeAllocation, "failed to allocate invoice number").
		WithDetail("issuerId", issuerID)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// CodeOf extracts the code of err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps a code to the status returned by the HTTP API.
func HTTPStatus(code Code) int {
	switch code {
	case ErrCodeValidation, ErrCodeAlreadyFinalized, ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodePathSecurity, ErrCodeModificationForbidden:
		return http.StatusForbidden
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// ClientFacing reports whether the error's message and details may be shown to
// the caller. Storage, render, allocation and internal failures are reported
// generically.
func ClientFacing(code Code) bool {
	switch code {
	case ErrCodeStorage, ErrCodeRender, ErrCodeAllocation, ErrCodeInternal:
		return false
	}
	return true
}
