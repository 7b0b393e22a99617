// Package apperr holds the error taxonomy shared by the wallet builders and
// the orchestrator. Builders return *Error values; callers classify them with
// Retryable and errors.Is against the Kind sentinels.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	InvalidCardState    Kind = "invalid_card_state"
	InvalidRequest      Kind = "invalid_request"
	CredentialsMissing  Kind = "credentials_missing"
	InvalidKeyFormat    Kind = "invalid_key_format"
	SigningFailed       Kind = "signing_failed"
	PackagingFailed     Kind = "packaging_failed"
	TokenExchangeFailed Kind = "token_exchange_failed"
	ObjectAPIError      Kind = "object_api_error"
	Timeout             Kind = "timeout"
	NotFound            Kind = "not_found"

	// Internal marks programming errors such as a recovered builder panic.
	Internal Kind = "internal"
)

// Error is a classified failure. StatusCode and Body are set for remote API errors.
type Error struct {
	Kind       Kind
	Op         string
	Err        error
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (http %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so errors.Is(err, apperr.E(apperr.Timeout))
// style checks work without comparing ops or causes.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil && t.StatusCode == 0
}

// ShouldRetry applies the retry taxonomy to a single error.
func (e *Error) ShouldRetry() bool {
	switch e.Kind {
	case SigningFailed, TokenExchangeFailed, Timeout:
		return true
	case ObjectAPIError:
		return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == 0
	}
	return false
}

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// API builds an ObjectAPIError carrying the provider's response.
func API(op string, status int, body string) *Error {
	return &Error{Kind: ObjectAPIError, Op: op, StatusCode: status, Body: body}
}

// E returns a bare Kind sentinel for errors.Is comparisons.
func E(kind Kind) *Error {
	return &Error{Kind: kind}
}

// KindOf reports the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether a caller may retry the operation that produced err.
// Unclassified errors are treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.ShouldRetry()
	}
	return true
}

// HTTPStatus maps err onto the status an HTTP caller should see.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case InvalidCardState:
		return http.StatusUnprocessableEntity
	case InvalidRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case CredentialsMissing, InvalidKeyFormat:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusGatewayTimeout
	case SigningFailed, TokenExchangeFailed, ObjectAPIError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
