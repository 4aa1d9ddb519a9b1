// Package faults defines the error taxonomy shared by the transition engine,
// the note image store, and the HTTP adapter.
//
// Business-rule violations are returned as *Error values carrying a Code and
// optional structured details; callers branch on the code, never on message
// text. Unexpected failures are wrapped with Internal so their cause is kept
// for logging while the public message stays generic.
package faults

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code identifies a caller-visible failure class.
type Code string

const (
	CodeNotFound        Code = "NOT_FOUND"
	CodeInvalidStatus   Code = "INVALID_STATUS"
	CodeDuplicateActive Code = "DUPLICATE_ACTIVE"
	CodeNotIssued       Code = "NOT_ISSUED"
	CodeWrongState      Code = "WRONG_STATE"
	CodeMachineBusy     Code = "MACHINE_BUSY"
	CodeConflict        Code = "CONFLICT"
	CodeLimitExceeded   Code = "LIMIT_EXCEEDED"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodePayloadTooLarge Code = "PAYLOAD_TOO_LARGE"
	CodeBadFormat       Code = "BAD_FORMAT"
	CodeValidation      Code = "VALIDATION"
	CodeStorageFailure  Code = "STORAGE_FAILURE"
	CodeInternal        Code = "INTERNAL"
)

var httpStatus = map[Code]int{
	CodeNotFound:        http.StatusNotFound,
	CodeInvalidStatus:   http.StatusConflict,
	CodeDuplicateActive: http.StatusConflict,
	CodeNotIssued:       http.StatusConflict,
	CodeWrongState:      http.StatusConflict,
	CodeMachineBusy:     http.StatusConflict,
	CodeConflict:        http.StatusConflict,
	CodeLimitExceeded:   http.StatusBadRequest,
	CodeRateLimited:     http.StatusTooManyRequests,
	CodePayloadTooLarge: http.StatusRequestEntityTooLarge,
	CodeBadFormat:       http.StatusBadRequest,
	CodeValidation:      http.StatusBadRequest,
	CodeStorageFailure:  http.StatusInternalServerError,
	CodeInternal:        http.StatusInternalServerError,
}

// HTTPStatus returns the status code a transport should answer with.
func (c Code) HTTPStatus() int {
	if status, ok := httpStatus[c]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Hidden reports whether the code's message and cause must stay out of responses.
func (c Code) Hidden() bool {
	return c == CodeInternal || c == CodeStorageFailure
}

// Sentinels for errors.Is matching by code.
var (
	ErrNotFound        = &Error{Code: CodeNotFound}
	ErrConflict        = &Error{Code: CodeConflict}
	ErrValidation      = &Error{Code: CodeValidation}
	ErrStorageFailure  = &Error{Code: CodeStorageFailure}
	ErrInternal        = &Error{Code: CodeInternal}
	ErrRateLimited     = &Error{Code: CodeRateLimited}
	ErrLimitExceeded   = &Error{Code: CodeLimitExceeded}
	ErrBadFormat       = &Error{Code: CodeBadFormat}
	ErrPayloadTooLarge = &Error{Code: CodePayloadTooLarge}
)

// Error is a structured failure with a taxonomy code.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	parts := []string{string(e.Code)}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// PublicMessage returns the message safe to show a caller.
func (e *Error) PublicMessage() string {
	if e.Code.Hidden() {
		if e.Code == CodeStorageFailure {
			return "storage failure"
		}
		return "internal error"
	}
	if e.Message == "" {
		return strings.ToLower(strings.ReplaceAll(string(e.Code), "_", " "))
	}
	return e.Message
}

// New builds a business error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds a business error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of e carrying the structured snapshot.
func (e *Error) WithDetails(details map[string]any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// Wrap tags err with a code and an "operation: message" context.
func Wrap(code Code, operation, message string, err error) *Error {
	detail := buildDetail(operation, message)
	return &Error{Code: code, Message: detail, Err: err}
}

// Internal wraps an unexpected failure. The operation is kept for logs only.
func Internal(operation string, err error) *Error {
	return &Error{Code: CodeInternal, Message: buildDetail(operation, ""), Err: err}
}

// From converts any error into an *Error, treating unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Internal("", err)
}

// CodeOf returns the taxonomy code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return From(err).Code
}

func buildDetail(operation, message string) string {
	parts := make([]string, 0, 2)
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	return strings.Join(parts, ": ")
}
