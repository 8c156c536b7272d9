package authserver

import (
	"fmt"
	"net/http"
)

// OAuth 2.1 error codes returned by the issuance endpoints.
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidClient           = "invalid_client"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorInvalidScope            = "invalid_scope"
	ErrorInvalidToken            = "invalid_token"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorRateLimited             = "rate_limited"
	ErrorServerError             = "server_error"
)

// Error is an OAuth protocol error with the HTTP status it maps to.
type Error struct {
	Status      int
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError builds a protocol error.
func NewError(status int, code, description string) *Error {
	return &Error{Status: status, Code: code, Description: description}
}

func invalidRequest(format string, args ...interface{}) *Error {
	return NewError(http.StatusBadRequest, ErrorInvalidRequest, fmt.Sprintf(format, args...))
}

func invalidClient(format string, args ...interface{}) *Error {
	return NewError(http.StatusUnauthorized, ErrorInvalidClient, fmt.Sprintf(format, args...))
}

func invalidGrant(format string, args ...interface{}) *Error {
	return NewError(http.StatusBadRequest, ErrorInvalidGrant, fmt.Sprintf(format, args...))
}

func invalidScope(format string, args ...interface{}) *Error {
	return NewError(http.StatusBadRequest, ErrorInvalidScope, fmt.Sprintf(format, args...))
}
