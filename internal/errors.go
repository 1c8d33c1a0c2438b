package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class on the wire. The HTTP status mapping is
// fixed; handlers never pick status codes ad hoc.
type Code string

const (
	CodeBadRequest          Code = "BAD_REQUEST"
	CodeTokenInvalid        Code = "TOKEN_INVALID"
	CodeTokenExpired        Code = "TOKEN_EXPIRED"
	CodeAuthRequired        Code = "AUTH_REQUIRED"
	CodeAccountBanned       Code = "ACCOUNT_BANNED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeFeatureNotAvailable Code = "FEATURE_NOT_AVAILABLE"
	CodeNotFound            Code = "NOT_FOUND"
	CodeTokenLimitExceeded  Code = "TOKEN_LIMIT_EXCEEDED"
	CodeRateLimitExceeded   Code = "RATE_LIMIT_EXCEEDED"
	CodeAttachmentInvalid   Code = "ATTACHMENT_INVALID"
	CodeAttachmentLimit     Code = "ATTACHMENT_LIMIT"
	CodeModelUnavailable    Code = "MODEL_UNAVAILABLE"
	CodeUpstreamRejected    Code = "UPSTREAM_REJECTED"
	CodeUpstreamError       Code = "UPSTREAM_ERROR"
	CodeInternal            Code = "INTERNAL"
)

// HTTPStatus returns the HTTP status for the code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeTokenInvalid, CodeTokenExpired, CodeAuthRequired:
		return http.StatusUnauthorized
	case CodeAccountBanned, CodeForbidden, CodeFeatureNotAvailable, CodeAttachmentInvalid:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeTokenLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case CodeAttachmentLimit:
		return http.StatusBadRequest
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeUpstreamRejected, CodeModelUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the domain error type carried to the HTTP boundary. Suggestions
// are stable strings, never derived from upstream messages.
type Error struct {
	Code        Code
	Message     string
	Retryable   bool
	Suggestions []string
	wrapped     error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.wrapped }

// Is matches any *Error with the same code, so sentinel values below work
// with errors.Is even after wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Wrap returns a copy of e carrying cause for diagnostics. The wire-visible
// message is unchanged.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.wrapped = cause
	return &cp
}

// WithMessage returns a copy of e with a different user-visible message.
func (e *Error) WithMessage(msg string) *Error {
	cp := *e
	cp.Message = msg
	return &cp
}

// Sentinel errors for the gateway domain.
var (
	ErrBadRequest = &Error{Code: CodeBadRequest, Message: "invalid request"}

	ErrTokenInvalid = &Error{Code: CodeTokenInvalid, Message: "authentication token is invalid",
		Suggestions: []string{"Sign in again to refresh your session."}}
	ErrTokenExpired = &Error{Code: CodeTokenExpired, Message: "authentication token has expired",
		Suggestions: []string{"Sign in again to refresh your session."}}
	ErrAuthRequired = &Error{Code: CodeAuthRequired, Message: "authentication required",
		Suggestions: []string{"Sign in to use this endpoint."}}

	ErrAccountBanned = &Error{Code: CodeAccountBanned, Message: "account is banned from chat"}
	ErrForbidden     = &Error{Code: CodeForbidden, Message: "forbidden"}
	ErrFeatureNotAvailable = &Error{Code: CodeFeatureNotAvailable, Message: "feature not available on your plan",
		Suggestions: []string{"Upgrade your plan to use this feature."}}

	ErrNotFound = &Error{Code: CodeNotFound, Message: "not found"}

	ErrTokenLimitExceeded = &Error{Code: CodeTokenLimitExceeded, Message: "request exceeds the token limit",
		Suggestions: []string{"Shorten the conversation or start a new session."}}
	ErrRateLimited = &Error{Code: CodeRateLimitExceeded, Message: "rate limit exceeded", Retryable: true,
		Suggestions: []string{"Wait before retrying this request."}}

	ErrAttachmentInvalid = &Error{Code: CodeAttachmentInvalid, Message: "attachment is invalid or not owned by you"}
	ErrAttachmentLimit   = &Error{Code: CodeAttachmentLimit, Message: "too many attachments on one message"}

	ErrModelUnavailable = &Error{Code: CodeModelUnavailable, Message: "requested model is unavailable",
		Suggestions: []string{"Pick a model from GET /models."}}
	ErrUpstreamRejected = &Error{Code: CodeUpstreamRejected, Message: "upstream rejected the request"}
	ErrUpstream         = &Error{Code: CodeUpstreamError, Message: "upstream error", Retryable: true}
	ErrInternal         = &Error{Code: CodeInternal, Message: "internal server error"}
)

// CodeOf extracts the wire code from any error, defaulting to INTERNAL.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
