package wire

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the stable, client-visible failure identifier.
type ErrorCode string

const (
	// input
	CodeInvalidInput      ErrorCode = "InvalidInput"
	CodeUnsupportedDomain ErrorCode = "UnsupportedDomain"
	CodeInvalidNonce      ErrorCode = "InvalidNonce"
	CodeMissingSessionID  ErrorCode = "MissingSessionId"
	// auth
	CodeUnauthenticatedUser  ErrorCode = "UnauthenticatedUser"
	CodeInvalidAuthSignature ErrorCode = "InvalidAuthSignature"
	// policy
	CodeDisabledDomain ErrorCode = "DisabledDomain"
	CodeExceededQuota  ErrorCode = "ExceededQuota"
	// node transient, seen by the combiner only
	CodeTimeoutFromSigner        ErrorCode = "TimeoutFromSigner"
	CodeSignerRequestError       ErrorCode = "SignerRequestError"
	CodeCancelledRequestToSigner ErrorCode = "CancelledRequestToSigner"
	// aggregate
	CodeNotEnoughPartialSignatures  ErrorCode = "NotEnoughPartialSignatures"
	CodeInconsistentSignerResponses ErrorCode = "InconsistentSignerResponses"
	CodeVerifyPartialSignatureError ErrorCode = "VerifyPartialSignatureError"
	// storage
	CodeDatabaseGetFailure           ErrorCode = "DatabaseGetFailure"
	CodeDatabaseUpdateFailure        ErrorCode = "DatabaseUpdateFailure"
	CodeFailureToIncrementQueryCount ErrorCode = "FailureToIncrementQueryCount"
	// node
	CodeKeyFetchError               ErrorCode = "KeyFetchError"
	CodeSignatureComputationFailure ErrorCode = "SignatureComputationFailure"
	CodeAPIUnavailable              ErrorCode = "APIUnavailable"
	CodeUnknown                     ErrorCode = "UnknownError"
)

// Kind groups codes by how they propagate.
type Kind string

const (
	KindInput     Kind = "input"
	KindAuth      Kind = "auth"
	KindPolicy    Kind = "policy"
	KindTransient Kind = "node_transient"
	KindAggregate Kind = "aggregate"
	KindStorage   Kind = "storage"
	KindNode      Kind = "node"
)

func (c ErrorCode) Kind() Kind {
	switch c {
	case CodeInvalidInput, CodeUnsupportedDomain, CodeInvalidNonce, CodeMissingSessionID:
		return KindInput
	case CodeUnauthenticatedUser, CodeInvalidAuthSignature:
		return KindAuth
	case CodeDisabledDomain, CodeExceededQuota:
		return KindPolicy
	case CodeTimeoutFromSigner, CodeSignerRequestError, CodeCancelledRequestToSigner:
		return KindTransient
	case CodeNotEnoughPartialSignatures, CodeInconsistentSignerResponses, CodeVerifyPartialSignatureError:
		return KindAggregate
	case CodeDatabaseGetFailure, CodeDatabaseUpdateFailure, CodeFailureToIncrementQueryCount:
		return KindStorage
	default:
		return KindNode
	}
}

// Status maps a code to its HTTP status.
func (c ErrorCode) Status() int {
	switch c {
	case CodeInvalidInput, CodeUnsupportedDomain, CodeInvalidNonce, CodeMissingSessionID:
		return http.StatusBadRequest
	case CodeUnauthenticatedUser, CodeInvalidAuthSignature:
		return http.StatusUnauthorized
	case CodeDisabledDomain:
		return http.StatusForbidden
	case CodeExceededQuota:
		return http.StatusTooManyRequests
	case CodeTimeoutFromSigner:
		return http.StatusRequestTimeout
	case CodeAPIUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the same request may succeed if resent unchanged.
func (c ErrorCode) Retryable() bool {
	switch c.Kind() {
	case KindTransient:
		return true
	}
	return c == CodeSignatureComputationFailure
}

// Error carries a code through the call stack.
type Error struct {
	Code ErrorCode
	Err  error
	// NotBefore is set on CodeExceededQuota: earliest retry time in unix seconds.
	NotBefore float64
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var o *Error
	if errors.As(target, &o) {
		return o.Code == e.Code
	}
	return false
}

func NewError(code ErrorCode, err error) *Error { return &Error{Code: code, Err: err} }

func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// Sentinel values for errors.Is checks.
var (
	ErrInvalidNonce   = &Error{Code: CodeInvalidNonce}
	ErrDisabledDomain = &Error{Code: CodeDisabledDomain}
	ErrExceededQuota  = &Error{Code: CodeExceededQuota}
)

// CodeOf extracts the code of err, or CodeUnknown.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// StatusOf is CodeOf(err).Status(), 200 for nil.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return CodeOf(err).Status()
}

// Wrap attaches code to err unless err already carries one.
func Wrap(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Code: code, Err: err}
}
