package dualauth

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies every failure that can reach a caller of this package.
type ErrorKind string

// Error kinds. The string value is what clients see in the "error" field.
const (
	KindProviderUnavailable   ErrorKind = "provider_unavailable"
	KindProviderRejected      ErrorKind = "provider_rejected"
	KindAttemptNotFound       ErrorKind = "attempt_not_found"
	KindStateMismatch         ErrorKind = "state_mismatch"
	KindInvalidVerifier       ErrorKind = "invalid_verifier"
	KindIdentityConflict      ErrorKind = "identity_conflict"
	KindIdentityAlreadyLinked ErrorKind = "identity_already_linked"
	KindUserCancelled         ErrorKind = "user_cancelled"
	KindUnauthorized          ErrorKind = "unauthorized"
	KindBadRequest            ErrorKind = "bad_request"
	KindRateLimited           ErrorKind = "rate_limited"
	KindInternal              ErrorKind = "internal"
)

var kindStatus = map[ErrorKind]int{
	KindProviderUnavailable:   http.StatusBadGateway,
	KindProviderRejected:      http.StatusBadRequest,
	KindAttemptNotFound:       http.StatusBadRequest,
	KindStateMismatch:         http.StatusBadRequest,
	KindInvalidVerifier:       http.StatusBadRequest,
	KindIdentityConflict:      http.StatusConflict,
	KindIdentityAlreadyLinked: http.StatusConflict,
	KindUserCancelled:         http.StatusBadRequest,
	KindUnauthorized:          http.StatusUnauthorized,
	KindBadRequest:            http.StatusBadRequest,
	KindRateLimited:           http.StatusTooManyRequests,
	KindInternal:              http.StatusInternalServerError,
}

// messages shown to users. Raw provider output never ends up here.
var kindMessage = map[ErrorKind]string{
	KindProviderUnavailable:   "Twitter is not responding right now. Please try again in a moment.",
	KindProviderRejected:      "Twitter rejected the authorization. Please start again.",
	KindAttemptNotFound:       "This sign-in attempt has expired or was already used. Please start again.",
	KindStateMismatch:         "The sign-in response did not match the request. Please start again.",
	KindInvalidVerifier:       "The authorization could not be verified. Please start again.",
	KindIdentityConflict:      "Your account is already connected to a different Twitter account. Disconnect it first to connect another one.",
	KindIdentityAlreadyLinked: "This Twitter account is already connected to another user.",
	KindUserCancelled:         "Sign-in was cancelled.",
	KindUnauthorized:          "Not signed in.",
	KindBadRequest:            "Bad request.",
	KindRateLimited:           "Too many attempts. Try again later.",
	KindInternal:              "Internal server error",
}

// HTTPError is an error that should be communicated to the user through
// an http status code.
type HTTPError interface {
	Error() string
	StatusCode() int
}

// Error is the error type returned by every flow component.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = kindMessage[e.Kind]
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below can be used
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// StatusCode implements HTTPError.
func (e *Error) StatusCode() int {
	if code, ok := kindStatus[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// UserMessage is the text that is safe to show to the end user.
func (e *Error) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return kindMessage[e.Kind]
}

// Sentinels for errors.Is.
var (
	ErrProviderUnavailable   = &Error{Kind: KindProviderUnavailable}
	ErrProviderRejected      = &Error{Kind: KindProviderRejected}
	ErrAttemptNotFound       = &Error{Kind: KindAttemptNotFound}
	ErrStateMismatch         = &Error{Kind: KindStateMismatch}
	ErrInvalidVerifier       = &Error{Kind: KindInvalidVerifier}
	ErrIdentityConflict      = &Error{Kind: KindIdentityConflict}
	ErrIdentityAlreadyLinked = &Error{Kind: KindIdentityAlreadyLinked}
	ErrUserCancelled         = &Error{Kind: KindUserCancelled}
	ErrUnauthorized          = &Error{Kind: KindUnauthorized}
	ErrRateLimited           = &Error{Kind: KindRateLimited}
)

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func badRequest(format string, args ...interface{}) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

// AsError converts any error to an *Error. Errors that are not already
// classified become KindInternal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(KindInternal, err)
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	return AsError(err).Kind
}

// isSecurityRelevant reports kinds that may indicate CSRF or interception.
func isSecurityRelevant(kind ErrorKind) bool {
	return kind == KindStateMismatch || kind == KindInvalidVerifier
}
