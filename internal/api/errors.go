package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPayload marks a response missing identifiers or not decodable.
var ErrInvalidPayload = errors.New("invalid payload")

// Error is returned for every failed API operation.
type Error struct {
	// Op names the failed operation, e.g. "fetch history".
	Op string
	// Status is the HTTP status, or 0 when no response was received.
	Status int
	// Message is the server's message or the operation's fallback.
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s failed (HTTP %d): %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// serverMessage extracts the "message" or "error" field of an error body.
func serverMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(payload.Error)
}

func invalidPayload(op, fallback string, status int, format string, args ...any) *Error {
	return &Error{
		Op:      op,
		Status:  status,
		Message: fallback,
		Err:     fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...)),
	}
}
