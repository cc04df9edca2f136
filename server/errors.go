package server

import (
	"errors"
	"fmt"
)

// OAuth 2.0 error codes from RFC 6749.
// Note: These are intentionally duplicated in the root package, which imports
// server and therefore cannot be imported from here.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeAccessDenied            = "access_denied"
)

// Error is a protocol error produced by one of the flows. Errors with
// Redirectable set may be delivered to the client's redirect_uri; the others
// must be shown to the user agent directly because the redirect target has
// not been verified.
type Error struct {
	Code         string
	Description  string
	Redirectable bool
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// Is matches on the error code, so errors.Is(err, ErrInvalidGrant) holds for
// any invalid_grant error regardless of its description.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is
var (
	ErrInvalidRequest          = &Error{Code: ErrorCodeInvalidRequest}
	ErrInvalidClient           = &Error{Code: ErrorCodeInvalidClient}
	ErrInvalidGrant            = &Error{Code: ErrorCodeInvalidGrant}
	ErrInvalidScope            = &Error{Code: ErrorCodeInvalidScope}
	ErrInvalidRedirectURI      = &Error{Code: ErrorCodeInvalidRedirectURI}
	ErrUnsupportedResponseType = &Error{Code: ErrorCodeUnsupportedResponseType}
	ErrUnsupportedGrantType    = &Error{Code: ErrorCodeUnsupportedGrantType}
	ErrAccessDenied            = &Error{Code: ErrorCodeAccessDenied}
)

// ErrDisabled is returned when the document's OAuth gate is off.
var ErrDisabled = errors.New("oauth is disabled")

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

func redirectError(code, format string, args ...any) *Error {
	e := newError(code, format, args...)
	e.Redirectable = true
	return e
}
