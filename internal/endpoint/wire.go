package endpoint

import (
	"encoding/json"

	"firelink/internal/firebase"
)

// Endpoint methods as they appear on the wire.
const (
	MethodInitWithURL              = "InitWithURL"
	MethodAddValueEventListener    = "AddValueEventListener"
	MethodAddChildEventListener    = "AddChildEventListener"
	MethodObserveSingleEventOfType = "ObserveSingleEventOfType"
	MethodAuthWithCustomToken      = "AuthWithCustomToken"
	MethodAuthAnonymously          = "AuthAnonymously"
	MethodAuthWithOAuthToken       = "AuthWithOAuthToken"
	MethodAuthWithPassword         = "AuthWithPassword"
	MethodUnauth                   = "Unauth"
	MethodCreateUser               = "CreateUser"
	MethodChangeEmail              = "ChangeEmail"
	MethodChangePassword           = "ChangePassword"
	MethodRemoveUser               = "RemoveUser"
	MethodResetPassword            = "ResetPassword"
	MethodGetChild                 = "GetChild"
	MethodGetParent                = "GetParent"
	MethodGetRoot                  = "GetRoot"
	MethodRemoveValue              = "RemoveValue"
	MethodSetValue                 = "SetValue"
	MethodPush                     = "Push"
	MethodSetPriority              = "SetPriority"
)

// Listener notifications, sent by the endpoint on a listener's pipe.
const (
	MethodOnDataChange   = "OnDataChange"
	MethodOnChildAdded   = "OnChildAdded"
	MethodOnChildChanged = "OnChildChanged"
	MethodOnChildMoved   = "OnChildMoved"
	MethodOnChildRemoved = "OnChildRemoved"
	MethodOnCancelled    = "OnCancelled"
)

type InitParams struct {
	URL string `json:"url"`
}

// PipeParams names a pipe the caller opened for the endpoint to claim.
type PipeParams struct {
	Pipe uint32 `json:"pipe"`
}

type ChildParams struct {
	Path string `json:"path"`
	Pipe uint32 `json:"pipe"`
}

type ObserveParams struct {
	EventType firebase.EventType `json:"eventType"`
}

type TokenParams struct {
	Token string `json:"token"`
}

type OAuthParams struct {
	Provider    string `json:"provider"`
	Credentials string `json:"credentials"`
}

type CredentialsParams struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type ChangeEmailParams struct {
	OldEmail string `json:"oldEmail"`
	Password string `json:"password"`
	NewEmail string `json:"newEmail"`
}

type ChangePasswordParams struct {
	NewPassword string `json:"newPassword"`
	Email       string `json:"email"`
	OldPassword string `json:"oldPassword"`
}

type EmailParams struct {
	Email string `json:"email"`
}

type SetValueParams struct {
	Value       json.RawMessage `json:"value"`
	Priority    float64         `json:"priority"`
	HasPriority bool            `json:"hasPriority"`
}

type PriorityParams struct {
	Priority float64 `json:"priority"`
}

// ListenerEvent is the payload of every listener notification.
type ListenerEvent struct {
	Snapshot firebase.Snapshot `json:"snapshot"`
	PrevKey  string            `json:"prevKey,omitempty"`
	Err      *firebase.Error   `json:"error,omitempty"`
}
