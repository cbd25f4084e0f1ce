package endpoint

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"firelink/internal/firebase"
	"firelink/internal/rpc"
)

// Remote is the client side of an endpoint. Each method sends one call and
// waits for its reply. Native failures are returned as *firebase.Error,
// transport failures as *rpc.Error or a pipe error.
type Remote struct {
	caller *rpc.Caller
	router *rpc.Router
	log    zerolog.Logger
}

// NewRemote talks to the endpoint bound to the other end of pipe.
func NewRemote(pipe *rpc.Pipe, log zerolog.Logger) *Remote {
	return &Remote{
		caller: rpc.NewCaller(pipe),
		router: pipe.Router(),
		log:    log,
	}
}

// Dial returns a Remote for the endpoint on the bootstrap pipe of router.
func Dial(router *rpc.Router, log zerolog.Logger) (*Remote, error) {
	pipe, err := router.Bootstrap()
	if err != nil {
		return nil, err
	}
	return NewRemote(pipe, log), nil
}

// Close closes the pipe, which closes the endpoint on the other side.
func (r *Remote) Close() error {
	return r.caller.Close()
}

// Done is closed when the endpoint goes away.
func (r *Remote) Done() <-chan struct{} {
	return r.caller.Pipe().Done()
}

func (r *Remote) InitWithURL(ctx context.Context, url string) error {
	return r.caller.Call(ctx, MethodInitWithURL, InitParams{URL: url}, nil)
}

// AddValueEventListener registers l. The listener's Release is called when
// the endpoint closes.
func (r *Remote) AddValueEventListener(ctx context.Context, l ValueEventListener) error {
	return r.addListener(ctx, MethodAddValueEventListener, func(method string, ev ListenerEvent) {
		switch method {
		case MethodOnDataChange:
			l.OnDataChange(ev.Snapshot)
		case MethodOnCancelled:
			l.OnCancelled(ev.Err)
		}
	}, l.Release)
}

func (r *Remote) AddChildEventListener(ctx context.Context, l ChildEventListener) error {
	return r.addListener(ctx, MethodAddChildEventListener, func(method string, ev ListenerEvent) {
		switch method {
		case MethodOnChildAdded:
			l.OnChildAdded(ev.Snapshot, ev.PrevKey)
		case MethodOnChildChanged:
			l.OnChildChanged(ev.Snapshot, ev.PrevKey)
		case MethodOnChildMoved:
			l.OnChildMoved(ev.Snapshot, ev.PrevKey)
		case MethodOnChildRemoved:
			l.OnChildRemoved(ev.Snapshot)
		case MethodOnCancelled:
			l.OnCancelled(ev.Err)
		}
	}, l.Release)
}

func (r *Remote) addListener(ctx context.Context, method string, deliver func(string, ListenerEvent), release func()) error {
	pipe, err := r.router.Open()
	if err != nil {
		return err
	}
	go func() {
		defer release()
		for {
			msg, err := pipe.Receive(context.Background())
			if err != nil {
				return
			}
			var ev ListenerEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				r.log.Warn().Err(err).Str("method", msg.Method).Msg("malformed notification")
				continue
			}
			deliver(msg.Method, ev)
		}
	}()
	if err := r.caller.Call(ctx, method, PipeParams{Pipe: pipe.ID()}, nil); err != nil {
		_ = pipe.Close()
		return err
	}
	return nil
}

func (r *Remote) ObserveSingleEventOfType(ctx context.Context, t firebase.EventType) (firebase.Snapshot, error) {
	var res Result[firebase.Snapshot]
	if err := r.caller.Call(ctx, MethodObserveSingleEventOfType, ObserveParams{EventType: t}, &res); err != nil {
		return firebase.Snapshot{}, err
	}
	return res.Value, errOf(res.Err)
}

func (r *Remote) auth(ctx context.Context, method string, params any) (*firebase.AuthData, error) {
	var res Result[*firebase.AuthData]
	if err := r.caller.Call(ctx, method, params, &res); err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Value, nil
}

func (r *Remote) status(ctx context.Context, method string, params any) error {
	var res Status
	if err := r.caller.Call(ctx, method, params, &res); err != nil {
		return err
	}
	return errOf(res.Err)
}

func (r *Remote) AuthWithCustomToken(ctx context.Context, token string) (*firebase.AuthData, error) {
	return r.auth(ctx, MethodAuthWithCustomToken, TokenParams{Token: token})
}

func (r *Remote) AuthAnonymously(ctx context.Context) (*firebase.AuthData, error) {
	return r.auth(ctx, MethodAuthAnonymously, nil)
}

func (r *Remote) AuthWithOAuthToken(ctx context.Context, provider, credentials string) (*firebase.AuthData, error) {
	return r.auth(ctx, MethodAuthWithOAuthToken, OAuthParams{Provider: provider, Credentials: credentials})
}

func (r *Remote) AuthWithPassword(ctx context.Context, email, password string) (*firebase.AuthData, error) {
	return r.auth(ctx, MethodAuthWithPassword, CredentialsParams{Email: email, Password: password})
}

func (r *Remote) Unauth(ctx context.Context) error {
	return r.status(ctx, MethodUnauth, nil)
}

func (r *Remote) CreateUser(ctx context.Context, email, password string) (string, error) {
	var res Result[string]
	if err := r.caller.Call(ctx, MethodCreateUser, CredentialsParams{Email: email, Password: password}, &res); err != nil {
		return "", err
	}
	return res.Value, errOf(res.Err)
}

func (r *Remote) ChangeEmail(ctx context.Context, oldEmail, password, newEmail string) error {
	return r.status(ctx, MethodChangeEmail, ChangeEmailParams{OldEmail: oldEmail, Password: password, NewEmail: newEmail})
}

func (r *Remote) ChangePassword(ctx context.Context, newPassword, email, oldPassword string) error {
	return r.status(ctx, MethodChangePassword, ChangePasswordParams{NewPassword: newPassword, Email: email, OldPassword: oldPassword})
}

func (r *Remote) RemoveUser(ctx context.Context, email, password string) error {
	return r.status(ctx, MethodRemoveUser, CredentialsParams{Email: email, Password: password})
}

func (r *Remote) ResetPassword(ctx context.Context, email string) error {
	return r.status(ctx, MethodResetPassword, EmailParams{Email: email})
}

// navigate opens the pipe for the new endpoint and asks the server to bind
// it.
func (r *Remote) navigate(ctx context.Context, method string, params func(pipe uint32) any) (*Remote, error) {
	pipe, err := r.router.Open()
	if err != nil {
		return nil, err
	}
	if err := r.caller.Call(ctx, method, params(pipe.ID()), nil); err != nil {
		_ = pipe.Close()
		return nil, err
	}
	return NewRemote(pipe, r.log), nil
}

func (r *Remote) GetChild(ctx context.Context, path string) (*Remote, error) {
	return r.navigate(ctx, MethodGetChild, func(pipe uint32) any {
		return ChildParams{Path: path, Pipe: pipe}
	})
}

func (r *Remote) GetParent(ctx context.Context) (*Remote, error) {
	return r.navigate(ctx, MethodGetParent, func(pipe uint32) any {
		return PipeParams{Pipe: pipe}
	})
}

func (r *Remote) GetRoot(ctx context.Context) (*Remote, error) {
	return r.navigate(ctx, MethodGetRoot, func(pipe uint32) any {
		return PipeParams{Pipe: pipe}
	})
}

func (r *Remote) RemoveValue(ctx context.Context) error {
	return r.status(ctx, MethodRemoveValue, nil)
}

// SetValue writes value, which must be JSON. A nil priority leaves the
// priority unset.
func (r *Remote) SetValue(ctx context.Context, value json.RawMessage, priority *float64) error {
	params := SetValueParams{Value: value}
	if priority != nil {
		params.Priority = *priority
		params.HasPriority = true
	}
	return r.status(ctx, MethodSetValue, params)
}

// Push creates an endpoint for a new child with a generated key.
func (r *Remote) Push(ctx context.Context) (*Remote, string, error) {
	pipe, err := r.router.Open()
	if err != nil {
		return nil, "", err
	}
	var res Result[string]
	if err := r.caller.Call(ctx, MethodPush, PipeParams{Pipe: pipe.ID()}, &res); err != nil {
		_ = pipe.Close()
		return nil, "", err
	}
	if res.Err != nil {
		_ = pipe.Close()
		return nil, "", res.Err
	}
	return NewRemote(pipe, r.log), res.Value, nil
}

func (r *Remote) SetPriority(ctx context.Context, priority float64) error {
	return r.status(ctx, MethodSetPriority, PriorityParams{Priority: priority})
}
