package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// OAuth error codes returned to clients.
const (
	CodeInvalidRequest         = "invalid_request"
	CodeInvalidGrant           = "invalid_grant"
	CodeInvalidClient          = "invalid_client"
	CodeUnauthorizedClient     = "unauthorized_client"
	CodeUnsupportedGrantType   = "unsupported_grant_type"
	CodeServerError            = "server_error"
	CodeTemporarilyUnavailable = "temporarily_unavailable"
)

// retryAfterSeconds is sent with every 503 response.
const retryAfterSeconds = "300"

// Store errors.
var (
	ErrNotFound     = errors.New("record not found")
	ErrUnknownTable = errors.New("unknown table")
	ErrUnknownIndex = errors.New("unknown index")
	ErrNotScannable = errors.New("table is not scannable")
)

// Upstream/transport errors.
var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrUpstream     = errors.New("upstream request failed")
	ErrUnreachable  = errors.New("upstream unreachable")
)

// OAuthError is a domain error that maps 1:1 onto an OAuth error
// response. Anything that is not an OAuthError is treated as a defect
// and surfaces as a bare server_error.
type OAuthError struct {
	Status      int
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}

	return e.Code + ": " + e.Description
}

// New returns an OAuthError with the given status, code and description.
func New(status int, code, description string) *OAuthError {
	return &OAuthError{Status: status, Code: code, Description: description}
}

func InvalidRequest(description string) *OAuthError {
	return New(http.StatusBadRequest, CodeInvalidRequest, description)
}

func InvalidGrant(description string) *OAuthError {
	return New(http.StatusBadRequest, CodeInvalidGrant, description)
}

func InvalidClient(description string) *OAuthError {
	return New(http.StatusUnauthorized, CodeInvalidClient, description)
}

func UnauthorizedClient(description string) *OAuthError {
	return New(http.StatusBadRequest, CodeUnauthorizedClient, description)
}

func ServerError(description string) *OAuthError {
	return New(http.StatusInternalServerError, CodeServerError, description)
}

// AsOAuth reports whether err wraps an OAuthError and returns it.
func AsOAuth(err error) (*OAuthError, bool) {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe, true
	}

	return nil, false
}

// Is and As forward to the standard library so callers can import a
// single errors package.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Write renders err as an OAuth error response. Domain errors keep their
// status, code and description; a 503 always carries Retry-After.
// Anything else becomes an opaque 500 server_error.
func Write(w http.ResponseWriter, err error) {
	oe, ok := AsOAuth(err)
	if !ok {
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": CodeServerError})
		return
	}

	status := oe.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	code := oe.Code
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)

		if code == "" {
			code = CodeTemporarilyUnavailable
		}
	}

	if code == "" {
		code = CodeServerError
	}

	body := map[string]string{"error": code}
	if oe.Description != "" {
		body["error_description"] = oe.Description
	}

	WriteJSON(w, status, body)
}
