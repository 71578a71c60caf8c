package swap

import (
	"errors"
	"fmt"

	"github.com/klingon-exchange/xswap/internal/retry"
)

// Code is the stable identifier of a rejected operation.
type Code string

const (
	CodeInvalidOrderConfig     Code = "INVALID_ORDER_CONFIG"
	CodeDuplicateOrder         Code = "DUPLICATE_ORDER"
	CodeUnauthorizedResolver   Code = "UNAUTHORIZED_RESOLVER"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeNotExpired             Code = "NOT_EXPIRED"
	CodeAlreadyExpired         Code = "ALREADY_EXPIRED"
	CodeSecretMismatch         Code = "SECRET_MISMATCH"
	CodeChainTransient         Code = "CHAIN_TRANSIENT"
	CodeChainFatal             Code = "CHAIN_FATAL"
	CodeCircuitOpen            Code = "CIRCUIT_OPEN"
	CodeChainRejected          Code = "CHAIN_REJECTED"
	CodeOrderNotFound          Code = "ORDER_NOT_FOUND"
)

// Error is returned by every Coordinator operation that is rejected.
type Error struct {
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the sentinels below work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrInvalidOrderConfig     = &Error{Code: CodeInvalidOrderConfig}
	ErrDuplicateOrder         = &Error{Code: CodeDuplicateOrder}
	ErrUnauthorizedResolver   = &Error{Code: CodeUnauthorizedResolver}
	ErrInvalidStateTransition = &Error{Code: CodeInvalidStateTransition}
	ErrNotExpired             = &Error{Code: CodeNotExpired}
	ErrAlreadyExpired         = &Error{Code: CodeAlreadyExpired}
	ErrSecretMismatch         = &Error{Code: CodeSecretMismatch}
	ErrChainTransient         = &Error{Code: CodeChainTransient}
	ErrChainFatal             = &Error{Code: CodeChainFatal}
	ErrCircuitOpen            = &Error{Code: CodeCircuitOpen}
	ErrChainRejected          = &Error{Code: CodeChainRejected}
	ErrOrderNotFound          = &Error{Code: CodeOrderNotFound}
)

func newError(code Code, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of err, or "" if it is not a swap error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// chainError maps the outcome of a retried chain call to a swap error.
func chainError(op, chain string, err error) *Error {
	reason := fmt.Sprintf("%s on %s failed", op, chain)
	switch {
	case errors.Is(err, retry.ErrCircuitOpen):
		return newError(CodeCircuitOpen, reason, err)
	case errors.Is(err, retry.ErrExhausted):
		return newError(CodeChainTransient, reason, err)
	}
	switch retry.Classify(err) {
	case retry.Fatal:
		return newError(CodeChainFatal, reason, err)
	case retry.NonRetryable:
		return newError(CodeChainRejected, reason, err)
	default:
		return newError(CodeChainTransient, reason, err)
	}
}
