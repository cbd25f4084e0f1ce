package rpc

import (
	"encoding/json"
	"fmt"
)

// Kind is the role of a message on a pipe.
type Kind string

const (
	// KindCall invokes a method. Calls without an ID expect no reply.
	KindCall Kind = "call"
	// KindReply answers the call with the same ID.
	KindReply Kind = "reply"
	// KindClose tells the peer the pipe is gone.
	KindClose Kind = "close"
)

// Message is one frame on the wire. Every frame belongs to exactly one pipe.
type Message struct {
	Pipe    uint32          `json:"pipe"`
	Kind    Kind            `json:"kind"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a transport level failure carried by a reply. Failures of the
// called operation itself travel inside the payload.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

const (
	CodeInvalidRequest = "invalid_request"
	CodeUnknownMethod  = "unknown_method"
	CodeInternal       = "internal"
)

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a transport error with the given code.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// EncodeMessage converts a Message to bytes for transmission
func EncodeMessage(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}
	return data, nil
}

// DecodeMessage converts bytes back to a Message
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to deserialize message: %w", err)
	}
	if msg.Pipe == 0 {
		return Message{}, fmt.Errorf("message has no pipe id")
	}
	switch msg.Kind {
	case KindCall, KindReply, KindClose:
	default:
		return Message{}, fmt.Errorf("unknown message kind %q", msg.Kind)
	}
	return msg, nil
}

// NewCall builds a call message with params encoded as its payload.
func NewCall(id uint64, method string, params any) (Message, error) {
	msg := Message{Kind: KindCall, ID: id, Method: method}
	if params != nil {
		payload, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("failed to encode %s params: %w", method, err)
		}
		msg.Payload = payload
	}
	return msg, nil
}

// NewReply builds the reply to call with result encoded as its payload.
func NewReply(call Message, result any) (Message, error) {
	msg := Message{Kind: KindReply, ID: call.ID, Method: call.Method}
	if result != nil {
		payload, err := json.Marshal(result)
		if err != nil {
			return Message{}, fmt.Errorf("failed to encode %s result: %w", call.Method, err)
		}
		msg.Payload = payload
	}
	return msg, nil
}

// NewErrorReply answers call with a transport error.
func NewErrorReply(call Message, err *Error) Message {
	return Message{Kind: KindReply, ID: call.ID, Method: call.Method, Error: err}
}
