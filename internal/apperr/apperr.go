// Package apperr defines the stable error codes surfaced by the REST API
// and their HTTP status mapping. Components deeper in the stack return
// *Error values; the API layer translates them into JSON error bodies.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeInvalidArgument            Code = "INVALID_ARGUMENT"
	CodeInvalidDecision            Code = "INVALID_DECISION"
	CodeInvalidDecisionForKind     Code = "INVALID_DECISION_FOR_KIND"
	CodeInvalidExecPolicyAmendment Code = "INVALID_EXEC_POLICY_AMENDMENT"
	CodeUnauthenticated            Code = "UNAUTHENTICATED"
	CodeNotFound                   Code = "NOT_FOUND"
	CodeThreadBusy                 Code = "THREAD_BUSY"
	CodeJobTerminal                Code = "JOB_TERMINAL"
	CodeCursorExpired              Code = "CURSOR_EXPIRED"
	CodeAgentUnavailable           Code = "AGENT_UNAVAILABLE"
	CodeAgentDisconnected          Code = "AGENT_DISCONNECTED"
	CodeRPCTimeout                 Code = "RPC_TIMEOUT"
	CodeStorageError               Code = "STORAGE_ERROR"
)

// httpStatus maps each code to the HTTP status the API returns for it.
var httpStatus = map[Code]int{
	CodeInvalidArgument:            http.StatusBadRequest,
	CodeInvalidDecision:            http.StatusBadRequest,
	CodeInvalidDecisionForKind:     http.StatusBadRequest,
	CodeInvalidExecPolicyAmendment: http.StatusBadRequest,
	CodeUnauthenticated:            http.StatusUnauthorized,
	CodeNotFound:                   http.StatusNotFound,
	CodeThreadBusy:                 http.StatusConflict,
	CodeJobTerminal:                http.StatusConflict,
	CodeCursorExpired:              http.StatusConflict,
	CodeAgentUnavailable:           http.StatusServiceUnavailable,
	CodeAgentDisconnected:          http.StatusServiceUnavailable,
	CodeRPCTimeout:                 http.StatusGatewayTimeout,
	CodeStorageError:               http.StatusInternalServerError,
}

// Error carries a stable code plus a human-readable message.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// New creates an Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error whose cause is preserved for errors.Is/As chains.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the HTTP status for the error's code
// (500 for unknown codes).
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// CodeOf extracts the stable code from an error chain. Returns
// CodeStorageError for non-apperr errors (the conservative 500 bucket).
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStorageError
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
