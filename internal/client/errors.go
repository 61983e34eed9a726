package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// ErrMaxTurns is returned through the stream when the agentic loop hits its
// turn cap before the model stops requesting tools.
var ErrMaxTurns = errors.New("maximum turns reached")

// APIError is a model API failure with enough structure for callers to
// build a user-facing transcript entry.
type APIError struct {
	StatusCode int
	Code       string
	RequestID  string
	Message    string
	Cause      error
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString("anthropic")
	if e.Code != "" {
		b.WriteString(" [" + e.Code + "]")
	}
	b.WriteString(": ")
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString("request failed")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " (request %s)", e.RequestID)
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.Cause }

// UserMessage is the short form shown in transcripts.
func (e *APIError) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error()
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// wrapAPIError normalizes SDK failures into *APIError, pulling the message,
// error code and request id out of the raw error payload when present.
func wrapAPIError(err error) error {
	if err == nil {
		return nil
	}
	var existing *APIError
	if errors.As(err, &existing) {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return &APIError{Message: err.Error(), Cause: err}
	}

	wrapped := &APIError{
		StatusCode: apiErr.StatusCode,
		RequestID:  apiErr.RequestID,
		Cause:      err,
	}
	if raw := apiErr.RawJSON(); raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			wrapped.Message = payload.Error.Message
			wrapped.Code = payload.Error.Type
			if payload.RequestID != "" {
				wrapped.RequestID = payload.RequestID
			}
		}
	}
	if wrapped.Message == "" {
		wrapped.Message = apiErr.Error()
	}
	return wrapped
}

// isRetryableError reports whether a wrapped failure is transient. Rate
// limits, 5xx responses, timeouts and connection drops are retried;
// everything else fails the request immediately.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return true
		case apiErr.StatusCode >= 500 && apiErr.StatusCode <= 599:
			return true
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") {
		return true
	}
	if strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout") {
		return true
	}
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") {
		return true
	}
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") {
		return true
	}
	return false
}
