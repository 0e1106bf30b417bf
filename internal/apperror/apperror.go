// Package apperror defines the single typed error returned by the transaction
// engine and its explicit mapping to HTTP status codes.
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// Kind classifies a failure.
type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindNotFound          Kind = "NOT_FOUND"
	KindConflict          Kind = "CONFLICT"
	KindCapacityExceeded  Kind = "CAPACITY_EXCEEDED"
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindPolicyViolation   Kind = "POLICY_VIOLATION"
	KindGateway           Kind = "GATEWAY"
	KindPersistence       Kind = "PERSISTENCE"
	KindInternal          Kind = "INTERNAL"
)

var statusByKind = map[Kind]int{
	KindValidation:        http.StatusBadRequest,
	KindInsufficientFunds: http.StatusBadRequest,
	KindPolicyViolation:   http.StatusForbidden,
	KindNotFound:          http.StatusNotFound,
	KindConflict:          http.StatusConflict,
	KindCapacityExceeded:  http.StatusConflict,
	KindGateway:           http.StatusBadGateway,
	KindPersistence:       http.StatusInternalServerError,
	KindInternal:          http.StatusInternalServerError,
}

// Error is the engine's error type. Message is safe to show to callers;
// the wrapped error is for logs only.
type Error struct {
	kind    Kind
	message string
	err     error
}

// New returns an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Wrap returns an Error of the given kind that wraps err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{kind: kind, message: message, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.message, e.err.Error())
	}
	return e.message
}

func (e *Error) Kind() Kind      { return e.kind }
func (e *Error) Message() string { return e.message }
func (e *Error) Unwrap() error   { return e.err }

// Shorthand constructors.

func Validation(msg string) *Error { return New(KindValidation, msg) }
func NotFound(msg string) *Error   { return New(KindNotFound, msg) }
func Conflict(msg string) *Error   { return New(KindConflict, msg) }
func CapacityExceeded(msg string) *Error {
	return New(KindCapacityExceeded, msg)
}
func InsufficientFunds(msg string) *Error {
	return New(KindInsufficientFunds, msg)
}
func PolicyViolation(msg string) *Error { return New(KindPolicyViolation, msg) }

func Gateway(msg string, err error) *Error     { return Wrap(KindGateway, msg, err) }
func Persistence(msg string, err error) *Error { return Wrap(KindPersistence, msg, err) }
func Internal(msg string, err error) *Error    { return Wrap(KindInternal, msg, err) }

// KindOf returns the kind of err, or KindInternal for errors that are not *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return KindInternal
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.kind == kind
}

// HTTPStatus maps err to a status code through the kind table.
func HTTPStatus(err error) int {
	if status, ok := statusByKind[KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// PublicMessage returns the caller-facing message for err. Errors that are
// not *Error never leak their text.
func PublicMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.message
	}
	return "internal server error"
}

// LogError writes err with its kind as structured fields. Server-side kinds
// log at error level, caller faults at warn.
func LogError(logger *zap.Logger, err error, msg string, fields ...zap.Field) {
	if err == nil {
		return
	}

	kind := KindOf(err)
	all := make([]zap.Field, 0, len(fields)+2)
	all = append(all, zap.Error(err), zap.String("error_kind", string(kind)))
	all = append(all, fields...)

	if HTTPStatus(err) >= http.StatusInternalServerError {
		logger.Error(msg, all...)
		return
	}
	logger.Warn(msg, all...)
}
