package endpoint

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"firelink/internal/firebase"
	"firelink/internal/rpc"
)

// serve dispatches calls from the pipe one at a time, in arrival order,
// until the pipe or the endpoint closes.
func (e *Endpoint) serve() {
	defer e.Close()
	for {
		msg, err := e.pipe.Receive(e.ctx)
		if err != nil {
			if e.ctx.Err() == nil {
				e.log.Debug().Err(err).Msg("pipe closed by peer")
			}
			return
		}
		if msg.Kind != rpc.KindCall {
			e.log.Debug().Str("kind", string(msg.Kind)).Msg("ignoring non-call message")
			continue
		}
		e.dispatch(msg)
	}
}

type handlerFunc func(e *Endpoint, msg rpc.Message) error

// handlers is filled in init: its entries reach Bind, which reaches
// dispatch, which reads handlers.
var handlers map[string]handlerFunc

func init() {
	handlers = map[string]handlerFunc{
		MethodInitWithURL: func(e *Endpoint, msg rpc.Message) error {
			var p InitParams
			if err := decodeParams(msg, &p); err != nil {
				return err
			}
			if err := e.InitWithURL(p.URL); err != nil {
				return err
			}
			e.ack(msg)
			return nil
		},
		MethodAddValueEventListener: func(e *Endpoint, msg rpc.Message) error {
			l, err := e.acceptListener(msg)
			if err != nil {
				return err
			}
			if err := e.AddValueEventListener(l); err != nil {
				l.Release()
				return err
			}
			e.ack(msg)
			return nil
		},
		MethodAddChildEventListener: func(e *Endpoint, msg rpc.Message) error {
			l, err := e.acceptListener(msg)
			if err != nil {
				return err
			}
			if err := e.AddChildEventListener(l); err != nil {
				l.Release()
				return err
			}
			e.ack(msg)
			return nil
		},
		MethodObserveSingleEventOfType: func(e *Endpoint, msg rpc.Message) error {
			var p ObserveParams
			if err := decodeParams(msg, &p); err != nil {
				return err
			}
			return e.ObserveSingleEventOfType(p.EventType, replyTo[Result[firebase.Snapshot]](e, msg))
		},
		MethodAuthWithCustomToken: func(e *Endpoint, msg rpc.Message) error {
			var p TokenParams
			if err := decodeParams(msg, &p); err != nil {
				return err
			}
			return e.AuthWithCustomToken(p.Token, replyTo[Result[*firebase.AuthData]](e, msg))
		},
		MethodAuthAnonymously: func(e *Endpoint, msg rpc.Message) error {
			return e.AuthAnonymously(replyTo[Result[*firebase.AuthData]](e, msg))
		},
		MethodAuthWithOAuthToken: func(e *Endpoint, msg rpc.Message) error {
			var p OAuthParams
			if err := decodeParams(msg, &p); err != nil {
				return err
			}
			return e.AuthWithOAuthToken(p.Provider, p.Credentials, replyTo[Result[*firebase.AuthData]](e, msg))
		},
		MethodAuthWithPassword: func(e *Endpoint, msg rpc.Message) error {
			var p CredentialsParams
			if err := decodeParams(msg, &p); err != nil {
				return err
			}
			return e.AuthWithPassword(p.Email, p.Password, replyTo[Result[*firebase.AuthData]](e, msg))
		},
		MethodUnauth: func(e *Endpoint, msg rpc.Message) error {
			return e.Unauth(replyTo[Status](e, msg))
		},
		MethodCreateUser: func(e *Endpoint, msg rpc.Message) error {
			var p CredentialsParams
			if err := decodeParams(msg, &p); err != nil {
				return err
			}
			return e.CreateUser(p.Email, p.Password, replyTo[Result[string]](e, msg))
		},
		MethodChangeEmail: func(e *Endpoint, msg rpc.Message) error {
			var p ChangeEmailParams
			if err := decodeParams(msg, &p); err != nil {
				return err
			}
			return e.ChangeEmail(p.OldEmail, p.Password, p.NewEmail, replyTo[Status](e, msg))
		},
		MethodChangePassword: func(e *Endpoint, msg rpc.Message) error {
			var p ChangePasswordParams
			if err := decodeParams(msg, &p); err != nil {
				return err
			}
			return e.ChangePassword(p.NewPassword, p.Email, p.OldPassword, replyTo[Status](e, msg))
		},
		MethodRemoveUser: func(e *Endpoint, msg rpc.Message) error {
			var p CredentialsParams
			if err := decodeParams(msg, &p); err != nil {
				return err
			}
			return e.RemoveUser(p.Email, p.Password, replyTo[Status](e, msg))
		},
		MethodResetPassword: func(e *Endpoint, msg rpc.Message) error {
			var p EmailParams
			if err := decodeParams(msg, &p); err != nil {
				return err
			}
			return e.ResetPassword(p.Email, replyTo[Status](e, msg))
		},
		MethodGetChild: func(e *Endpoint, msg rpc.Message) error {
			var p ChildParams
			if err := decodeParams(msg, &p); err != nil {
				return err
			}
			req, err := e.acceptPipe(p.Pipe)
			if err != nil {
				return err
			}
			return e.navigate(msg, req, e.GetChild(p.Path, req))
		},
		MethodGetParent: func(e *Endpoint, msg rpc.Message) error {
			var p PipeParams
			if err := decodeParams(msg, &p); err != nil {
				return err
			}
			req, err := e.acceptPipe(p.Pipe)
			if err != nil {
				return err
			}
			return e.navigate(msg, req, e.GetParent(req))
		},
		MethodGetRoot: func(e *Endpoint, msg rpc.Message) error {
			var p PipeParams
			if err := decodeParams(msg, &p); err != nil {
				return err
			}
			req, err := e.acceptPipe(p.Pipe)
			if err != nil {
				return err
			}
			return e.navigate(msg, req, e.GetRoot(req))
		},
		MethodRemoveValue: func(e *Endpoint, msg rpc.Message) error {
			return e.RemoveValue(replyTo[Status](e, msg))
		},
		MethodSetValue: func(e *Endpoint, msg rpc.Message) error {
			var p SetValueParams
			if err := decodeParams(msg, &p); err != nil {
				return err
			}
			if len(p.Value) == 0 {
				return rpc.Errorf(rpc.CodeInvalidRequest, "%s: value is required", msg.Method)
			}
			return e.SetValue(p.Value, p.Priority, p.HasPriority, replyTo[Status](e, msg))
		},
		MethodPush: func(e *Endpoint, msg rpc.Message) error {
			var p PipeParams
			if err := decodeParams(msg, &p); err != nil {
				return err
			}
			req, err := e.acceptPipe(p.Pipe)
			if err != nil {
				return err
			}
			if err := e.Push(req, replyTo[Result[string]](e, msg)); err != nil {
				_ = req.Close()
				return err
			}
			return nil
		},
		MethodSetPriority: func(e *Endpoint, msg rpc.Message) error {
			var p PriorityParams
			if err := decodeParams(msg, &p); err != nil {
				return err
			}
			return e.SetPriority(p.Priority, replyTo[Status](e, msg))
		},
	}
}

func (e *Endpoint) dispatch(msg rpc.Message) {
	h, ok := handlers[msg.Method]
	if !ok {
		e.log.Warn().Str("method", msg.Method).Msg("unknown method")
		e.replyError(msg, rpc.Errorf(rpc.CodeUnknownMethod, "unknown method %q", msg.Method))
		return
	}
	err := h(e, msg)
	if err == nil {
		return
	}
	if errors.Is(err, ErrClosed) {
		return
	}
	var rerr *rpc.Error
	if !errors.As(err, &rerr) {
		rerr = rpc.Errorf(rpc.CodeInvalidRequest, "%v", err)
	}
	e.log.Warn().Str("method", msg.Method).Err(rerr).Msg("rejected call")
	e.replyError(msg, rerr)
}

func decodeParams(msg rpc.Message, v any) error {
	if len(msg.Payload) == 0 {
		return rpc.Errorf(rpc.CodeInvalidRequest, "%s: missing params", msg.Method)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return rpc.Errorf(rpc.CodeInvalidRequest, "%s: %v", msg.Method, err)
	}
	return nil
}

// replyTo returns a continuation that answers msg. Calls sent without an
// id get no reply.
func replyTo[T any](e *Endpoint, msg rpc.Message) *Continuation[T] {
	return NewContinuation(func(v T) {
		if msg.ID == 0 {
			return
		}
		reply, err := rpc.NewReply(msg, v)
		if err != nil {
			e.log.Error().Err(err).Str("method", msg.Method).Msg("cannot encode reply")
			e.replyError(msg, rpc.Errorf(rpc.CodeInternal, "%v", err))
			return
		}
		e.send(reply)
	})
}

// ack confirms a call that produces no result, so callers can wait for it
// to have been applied.
func (e *Endpoint) ack(msg rpc.Message) {
	if msg.ID == 0 {
		return
	}
	reply, _ := rpc.NewReply(msg, nil)
	e.send(reply)
}

func (e *Endpoint) replyError(msg rpc.Message, rerr *rpc.Error) {
	if msg.ID == 0 {
		return
	}
	e.send(rpc.NewErrorReply(msg, rerr))
}

func (e *Endpoint) send(msg rpc.Message) {
	if err := e.pipe.Send(context.Background(), msg); err != nil {
		e.log.Debug().Err(err).Str("method", msg.Method).Msg("reply dropped")
	}
}

func (e *Endpoint) navigate(msg rpc.Message, req *rpc.Pipe, err error) error {
	if err != nil {
		_ = req.Close()
		return err
	}
	e.ack(msg)
	return nil
}

func (e *Endpoint) acceptPipe(id uint32) (*rpc.Pipe, error) {
	p, err := e.pipe.Router().Accept(id)
	if err != nil {
		return nil, rpc.Errorf(rpc.CodeInvalidRequest, "cannot claim pipe %d: %v", id, err)
	}
	return p, nil
}

func (e *Endpoint) acceptListener(msg rpc.Message) (*remoteListener, error) {
	var p PipeParams
	if err := decodeParams(msg, &p); err != nil {
		return nil, err
	}
	pipe, err := e.acceptPipe(p.Pipe)
	if err != nil {
		return nil, err
	}
	return &remoteListener{pipe: pipe, log: e.log.With().Uint32("listener", pipe.ID()).Logger()}, nil
}

// remoteListener forwards notifications to a listener living on the other
// side of a pipe. Releasing it closes the pipe.
type remoteListener struct {
	pipe *rpc.Pipe
	log  zerolog.Logger
}

var (
	_ ValueEventListener = (*remoteListener)(nil)
	_ ChildEventListener = (*remoteListener)(nil)
)

func (l *remoteListener) notify(method string, ev ListenerEvent) {
	msg, err := rpc.NewCall(0, method, ev)
	if err != nil {
		l.log.Error().Err(err).Msg("cannot encode notification")
		return
	}
	if err := l.pipe.Send(context.Background(), msg); err != nil {
		l.log.Debug().Err(err).Str("method", method).Msg("notification dropped")
	}
}

func (l *remoteListener) OnDataChange(snap firebase.Snapshot) {
	l.notify(MethodOnDataChange, ListenerEvent{Snapshot: snap})
}

func (l *remoteListener) OnChildAdded(snap firebase.Snapshot, prevKey string) {
	l.notify(MethodOnChildAdded, ListenerEvent{Snapshot: snap, PrevKey: prevKey})
}

func (l *remoteListener) OnChildChanged(snap firebase.Snapshot, prevKey string) {
	l.notify(MethodOnChildChanged, ListenerEvent{Snapshot: snap, PrevKey: prevKey})
}

func (l *remoteListener) OnChildMoved(snap firebase.Snapshot, prevKey string) {
	l.notify(MethodOnChildMoved, ListenerEvent{Snapshot: snap, PrevKey: prevKey})
}

func (l *remoteListener) OnChildRemoved(snap firebase.Snapshot) {
	l.notify(MethodOnChildRemoved, ListenerEvent{Snapshot: snap})
}

func (l *remoteListener) OnCancelled(err *firebase.Error) {
	l.notify(MethodOnCancelled, ListenerEvent{Err: err})
}

func (l *remoteListener) Release() {
	if err := l.pipe.Close(); err != nil {
		l.log.Debug().Err(err).Msg("listener pipe close failed")
	}
}
