// Package protocol defines the JSON frames exchanged on the peer WebSocket:
// modern request/response/event envelopes and the legacy scanner frames that
// share the same socket.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Code is an application error code carried inside a response frame. The
// set is closed: clients switch on it.
type Code string

const (
	CodeInvalidFormat   Code = "InvalidFormat"
	CodeInvalidAction   Code = "InvalidAction"
	CodeValidationError Code = "ValidationError"
	CodeAuthRequired    Code = "AuthRequired"
	CodeConflict        Code = "Conflict"
)

// Error is the in-band error of a failed request. Retryable marks failures
// of the serving node, such as a locked store, that say nothing about the
// request itself.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Permanent reports whether resending the same request cannot succeed.
func (e *Error) Permanent() bool {
	return e.Code == CodeValidationError && !e.Retryable
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Retryable is Errorf for server-side failures.
func Retryable(code Code, format string, args ...any) *Error {
	e := Errorf(code, format, args...)
	e.Retryable = true
	return e
}

// Request is a client-originated modern frame.
type Request struct {
	ID        uint64          `json:"id"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Token     string          `json:"token,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Response answers the Request with the same ID.
type Response struct {
	ID      uint64          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Event is a server-originated broadcast.
type Event struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// OK builds a successful response carrying data.
func OK(id uint64, data any) (Response, error) {
	resp := Response{ID: id, Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Response{}, fmt.Errorf("encoding response data: %w", err)
		}
		resp.Data = raw
	}
	return resp, nil
}

// Fail builds a failed response.
func Fail(id uint64, err *Error) Response {
	return Response{ID: id, Success: false, Error: err}
}

// NewEvent encodes data into an event frame stamped with now (epoch millis).
func NewEvent(name string, data any, now time.Time) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encoding event %s: %w", name, err)
	}
	return Event{Event: name, Data: raw, Timestamp: now.UnixMilli()}, nil
}

// Kind is the shape of an inbound frame.
type Kind int

const (
	KindInvalid Kind = iota
	KindLegacy
	KindModern
	KindResponse
	KindEvent
)

// Classify inspects a raw frame. A frame with "type" and no "action" is a
// legacy scanner frame.
func Classify(frame []byte) Kind {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(frame, &probe); err != nil {
		return KindInvalid
	}
	_, hasAction := probe["action"]
	_, hasType := probe["type"]
	_, hasEvent := probe["event"]
	_, hasSuccess := probe["success"]
	switch {
	case hasAction:
		return KindModern
	case hasType:
		return KindLegacy
	case hasEvent:
		return KindEvent
	case hasSuccess:
		return KindResponse
	default:
		return KindInvalid
	}
}
