// Package errs defines the typed failure taxonomy shared by every layer of
// the prescription ledger: validation, not-found, conflict, invalid-state and
// unauthorized errors, each carrying a machine-readable code.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for boundary mapping and caller retry decisions.
type Kind string

const (
	KindValidation   Kind = "ValidationError"
	KindNotFound     Kind = "NotFoundError"
	KindConflict     Kind = "ConflictError"
	KindInvalidState Kind = "InvalidStateError"
	KindUnauthorized Kind = "UnauthorizedError"
)

// Machine-readable sub-codes carried by InvalidStateError and ConflictError.
const (
	CodeInvalidStatus         = "INVALID_STATUS"
	CodeExpired               = "PRESCRIPTION_EXPIRED"
	CodeCancelled             = "PRESCRIPTION_CANCELLED"
	CodeNoRefillsRemaining    = "NO_REFILLS_REMAINING"
	CodeAlreadyCancelled      = "ALREADY_CANCELLED"
	CodeDuplicatePrescription = "DUPLICATE_PRESCRIPTION"
	CodeVersionConflict       = "VERSION_CONFLICT"
	CodeMissingField          = "MISSING_FIELD"
	CodeInvalidField          = "INVALID_FIELD"
	CodeNotFound              = "NOT_FOUND"
	CodeUnauthorized          = "UNAUTHORIZED"
)

// Error is the single error type produced by the engine and its helpers.
// Field is set for validation failures to name the offending input.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Field   string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s: %s", e.Kind, e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

// Validation reports malformed or missing input, naming the field.
func Validation(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalidField, Field: field, Message: fmt.Sprintf(format, args...)}
}

// MissingField reports a required field that was not supplied.
func MissingField(field string) *Error {
	return &Error{Kind: KindValidation, Code: CodeMissingField, Field: field, Message: "required field is missing"}
}

// NotFound reports an absent asset or one whose type tag does not match.
func NotFound(assetType, id string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: fmt.Sprintf("%s %s does not exist", assetType, id)}
}

// Conflict reports a duplicate key on create or a lost optimistic write.
func Conflict(code, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidState reports an illegal lifecycle transition with its sub-code.
func InvalidState(code, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized reports a caller lacking permission for an operation.
func Unauthorized(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, Code: CodeUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, or "" for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the machine code of err, or "" for untyped errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
