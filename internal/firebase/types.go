package firebase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType identifies the kind of change a listener is notified about.
type EventType int

const (
	EventChildAdded EventType = iota
	EventChildRemoved
	EventChildChanged
	EventChildMoved
	EventValue
)

// String returns the wire name of the event type
func (t EventType) String() string {
	switch t {
	case EventChildAdded:
		return "child_added"
	case EventChildRemoved:
		return "child_removed"
	case EventChildChanged:
		return "child_changed"
	case EventChildMoved:
		return "child_moved"
	case EventValue:
		return "value"
	default:
		return "unknown"
	}
}

// IsChild reports whether t is one of the child event types.
func (t EventType) IsChild() bool {
	return t >= EventChildAdded && t <= EventChildMoved
}

// ParseEventType converts a wire name back to an EventType.
func ParseEventType(s string) (EventType, error) {
	for t := EventChildAdded; t <= EventValue; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *EventType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseEventType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ChildEvents is the set of event types delivered to child listeners.
var ChildEvents = []EventType{EventChildAdded, EventChildChanged, EventChildMoved, EventChildRemoved}

// Snapshot is the value of a database location at one point in time.
type Snapshot struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	Priority *float64        `json:"priority,omitempty"`
}

// Exists reports whether the snapshot holds a non-null value.
func (s Snapshot) Exists() bool {
	v := strings.TrimSpace(string(s.Value))
	return v != "" && v != "null"
}

// Event is a single change notification.
type Event struct {
	Type     EventType `json:"type"`
	Snapshot Snapshot  `json:"snapshot"`
	// PrevKey is the key of the sibling ordered before the child, empty when first.
	PrevKey string `json:"prevKey,omitempty"`
}

// AuthData describes the signed in user of a client.
type AuthData struct {
	UID      string `json:"uid"`
	Provider string `json:"provider"`
	Token    string `json:"token,omitempty"`
	// Expires is the token expiry in unix seconds, zero when unknown.
	Expires int64 `json:"expires,omitempty"`
}

// Error codes reported by the native clients.
const (
	CodeNotInitialized     = "not_initialized"
	CodeInvalidArgument    = "invalid_argument"
	CodePermissionDenied   = "permission_denied"
	CodeUnauthenticated    = "unauthenticated"
	CodeNotFound           = "not_found"
	CodeAlreadyExists      = "already_exists"
	CodeInvalidCredentials = "invalid_credentials"
	CodeInvalidToken       = "invalid_token"
	CodeUnavailable        = "unavailable"
	CodeCancelled          = "cancelled"
	CodeUnknown            = "unknown"
)

// Error is a failure reported by a native client. It is carried to remote
// callers unchanged.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches errors with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Errorf builds an Error with the given code.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrNotInitialized = &Error{Code: CodeNotInitialized, Message: "reference has no database url"}
	ErrCancelled      = &Error{Code: CodeCancelled, Message: "operation cancelled"}
)

// AsError converts any error into an *Error, keeping native ones intact.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeCancelled, Message: err.Error()}
	}
	return &Error{Code: CodeUnknown, Message: err.Error()}
}
