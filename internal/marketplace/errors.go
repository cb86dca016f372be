package marketplace

import (
	"errors"
	"fmt"
	"strings"

	perrors "github.com/muaviaUsmani/sellerpilot/internal/errors"
)

var (
	// ErrAuthFailed is returned when a call still fails authentication after one refresh
	ErrAuthFailed = errors.New("marketplace authentication failed")

	// ErrNotFound is returned when the marketplace reports the entity does not exist
	ErrNotFound = errors.New("marketplace entity not found")

	// ErrNotAuthorized is returned when no token pair is stored for the account
	ErrNotAuthorized = errors.New("account has no stored access token")
)

// authErrorCodes are the error values the API uses for bad or expired tokens.
// The misspelt variant is returned by some endpoints.
var authErrorCodes = map[string]bool{
	"error_auth":            true,
	"invalid_access_token":  true,
	"invalid_acceess_token": true,
	"error_token":           true,
}

// authMessageKeywords are checked when the error code itself is not conclusive.
// They name the token explicitly: "expired" alone also covers ended campaigns
// and past time slots.
var authMessageKeywords = []string{
	"access_token",
	"access token",
	"token expired",
	"token has expired",
	"token is expired",
}

// APIError is a non-empty error field in a response envelope
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

// Error implements the error interface
func (e *APIError) Error() string {
	msg := fmt.Sprintf("marketplace error %s: %s", e.Code, e.Message)
	if e.RequestID != "" {
		msg += " (request_id " + e.RequestID + ")"
	}
	return msg
}

// Kind classifies business rejections apart from auth failures
func (e *APIError) Kind() perrors.Kind {
	if e.isAuth() {
		return perrors.KindAuth
	}
	return perrors.KindRejected
}

// Is lets errors.Is(err, ErrNotFound) match not-found rejections
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.isNotFound()
}

func (e *APIError) isAuth() bool {
	if authErrorCodes[e.Code] {
		return true
	}
	msg := strings.ToLower(e.Message)
	for _, kw := range authMessageKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

func (e *APIError) isNotFound() bool {
	code := strings.ToLower(e.Code)
	msg := strings.ToLower(e.Message)
	return strings.Contains(code, "not_found") || strings.Contains(code, "not_exist") ||
		strings.Contains(msg, "not found") || strings.Contains(msg, "not exist")
}

// TransientError is a network failure, timeout or 5xx
type TransientError struct {
	Path   string
	Status int
	Err    error
}

// Error implements the error interface
func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("marketplace %s: HTTP %d: %v", e.Path, e.Status, e.Err)
	}
	return fmt.Sprintf("marketplace %s: %v", e.Path, e.Err)
}

// Unwrap returns the cause
func (e *TransientError) Unwrap() error {
	return e.Err
}

// Kind implements the classification used by the engine
func (e *TransientError) Kind() perrors.Kind {
	return perrors.KindTransient
}
