package marketplace

import (
	"encoding/json"
	"fmt"
)

// Envelope is the JSON wrapper every partner API response uses
type Envelope struct {
	Error     string          `json:"error"`
	Message   string          `json:"message"`
	Warning   string          `json:"warning,omitempty"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`

	// status is the HTTP status the envelope arrived with
	status int
	raw    []byte
}

// Failed reports whether the error field is set
func (e *Envelope) Failed() bool {
	return e.Error != ""
}

// AuthFailed reports whether the response signals a bad or expired token.
// Both the error code and the message are checked.
func (e *Envelope) AuthFailed() bool {
	if e.Error == "" && e.Message == "" {
		return false
	}
	if e.Error == "" {
		// a 2xx with an empty error field has been applied; retrying it would
		// repeat the mutation, so a message alone counts only on non-2xx
		return e.status >= 400 && e.apiError().isAuth()
	}
	return e.apiError().isAuth()
}

// Err returns the envelope's error as an *APIError, or nil on success
func (e *Envelope) Err() error {
	if !e.Failed() {
		return nil
	}
	return e.apiError()
}

// Decode unmarshals the response payload into v
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Response) == 0 || string(e.Response) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Response, v); err != nil {
		return fmt.Errorf("failed to decode marketplace response: %w", err)
	}
	return nil
}

// decodeWhole unmarshals the entire body, for endpoints that do not nest under response
func decodeWhole(e *Envelope, v interface{}) error {
	if err := json.Unmarshal(e.raw, v); err != nil {
		return fmt.Errorf("failed to decode marketplace response: %w", err)
	}
	return nil
}

// Status returns the HTTP status code
func (e *Envelope) Status() int {
	return e.status
}

func (e *Envelope) apiError() *APIError {
	return &APIError{Status: e.status, Code: e.Error, Message: e.Message, RequestID: e.RequestID}
}
