// Package flareerr implements the error taxonomy used across every messaging
// service: a typed error carrying a stable code, an operator-facing message,
// structured detail fields, and a retryability hint so callers (queue
// consumers, gateway clients, hook dispatchers) can decide whether to retry,
// dead-letter, or fail the enclosing request without string-matching.
package flareerr

import (
	"errors"
	"fmt"
)

// Code is a stable, serializable error identifier. Values are part of the
// wire contract (propagated in ack/DLQ envelopes) and must not be renumbered.
type Code string

const (
	CodeInvalidArgument     Code = "invalid_argument"
	CodeNotFound            Code = "not_found"
	CodeAlreadyExists       Code = "already_exists"
	CodeResourceExhausted   Code = "resource_exhausted"
	CodeFailedPrecondition  Code = "failed_precondition"
	CodeUnavailable         Code = "unavailable"
	CodeDeadlineExceeded    Code = "deadline_exceeded"
	CodeInternal            Code = "internal"
	CodeHookRejected        Code = "hook_rejected"
	CodeStorageUnavailable  Code = "storage_unavailable"
	CodeGatewayUnreachable  Code = "gateway_unreachable"
)

// retryableByDefault gives every code's default retry posture; it can be
// overridden per-instance via WithRetryable.
var retryableByDefault = map[Code]bool{
	CodeInvalidArgument:    false,
	CodeNotFound:           false,
	CodeAlreadyExists:      false,
	CodeResourceExhausted:  true,
	CodeFailedPrecondition: false,
	CodeUnavailable:        true,
	CodeDeadlineExceeded:   true,
	CodeInternal:           false,
	CodeHookRejected:       false,
	CodeStorageUnavailable: true,
	CodeGatewayUnreachable: true,
}

// Error is the typed error carried across module boundaries.
type Error struct {
	Code      Code
	Message   string
	Details   map[string]string
	Retryable bool
	cause     error
}

func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: retryableByDefault[code],
	}
}

// Wrap preserves an underlying error as the cause while attaching a code.
func Wrap(code Code, cause error) *Error {
	e := New(code, cause.Error())
	e.cause = cause
	return e
}

func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string, 1)
	}
	e.Details[key] = value
	return e
}

func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s %v", e.Code, e.Message, e.Details)
}

func (e *Error) Unwrap() error { return e.cause }

// IsCode reports whether err is a *Error (or wraps one) carrying code.
func IsCode(err error, code Code) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// IsRetryable reports whether err is a *Error marked retryable.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
