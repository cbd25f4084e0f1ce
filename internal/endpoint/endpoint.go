// Package endpoint binds a native Firebase reference to a message pipe.
//
// An Endpoint forwards every call it receives to the reference it wraps and
// returns the native result unchanged. It owns its pipe and the listener
// handles registered through it; it does not own the reference. The native
// client behind the reference must outlive every endpoint built on it.
//
// Navigation never mutates an endpoint: GetChild, GetParent, GetRoot and
// Push bind a new, independent endpoint to a pipe supplied by the caller.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"firelink/internal/firebase"
	"firelink/internal/rpc"
	"firelink/internal/telemetry"
)

// ErrClosed is returned by every operation on a closed endpoint.
var ErrClosed = errors.New("endpoint closed")

// State is the lifecycle state of an endpoint.
type State int

const (
	Bound State = iota
	Closed
)

func (s State) String() string {
	if s == Bound {
		return "bound"
	}
	return "closed"
}

// Service is the set of operations an endpoint exposes. Operations that
// take a continuation resolve it exactly once unless they return an error,
// in which case it is never resolved.
type Service interface {
	InitWithURL(url string) error
	AddValueEventListener(l ValueEventListener) error
	AddChildEventListener(l ChildEventListener) error
	ObserveSingleEventOfType(t firebase.EventType, k *SnapshotContinuation) error

	AuthWithCustomToken(token string, k *AuthContinuation) error
	AuthAnonymously(k *AuthContinuation) error
	AuthWithOAuthToken(provider, credentials string, k *AuthContinuation) error
	AuthWithPassword(email, password string, k *AuthContinuation) error
	Unauth(k *StatusContinuation) error
	CreateUser(email, password string, k *KeyContinuation) error
	ChangeEmail(oldEmail, password, newEmail string, k *StatusContinuation) error
	ChangePassword(newPassword, email, oldPassword string, k *StatusContinuation) error
	RemoveUser(email, password string, k *StatusContinuation) error
	ResetPassword(email string, k *StatusContinuation) error

	GetChild(path string, req *rpc.Pipe) error
	GetParent(req *rpc.Pipe) error
	GetRoot(req *rpc.Pipe) error

	RemoveValue(k *StatusContinuation) error
	SetValue(value json.RawMessage, priority float64, hasPriority bool, k *StatusContinuation) error
	Push(req *rpc.Pipe, k *KeyContinuation) error
	SetPriority(priority float64, k *StatusContinuation) error
}

// Option configures an Endpoint. Options are inherited by the endpoints it
// creates through navigation.
type Option func(*options)

type options struct {
	log     zerolog.Logger
	metrics telemetry.Collector
}

// WithLogger sets the endpoint logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithCollector sets the telemetry collector.
func WithCollector(c telemetry.Collector) Option {
	return func(o *options) {
		if c != nil {
			o.metrics = c
		}
	}
}

// Endpoint serves one reference over one pipe.
type Endpoint struct {
	ref  firebase.Reference
	pipe *rpc.Pipe
	opts []Option
	log  zerolog.Logger
	col  telemetry.Collector

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	values   []*handle
	children []*handle

	closeOnce sync.Once
	done      chan struct{}
}

var _ Service = (*Endpoint)(nil)

// Bind creates an endpoint serving ref on pipe and starts dispatching the
// calls that arrive on it. The endpoint closes when the pipe closes.
func Bind(ref firebase.Reference, pipe *rpc.Pipe, opts ...Option) *Endpoint {
	o := options{log: zerolog.Nop(), metrics: telemetry.Noop()}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		ref:    ref,
		pipe:   pipe,
		opts:   opts,
		log:    o.log.With().Uint32("pipe", pipe.ID()).Str("path", ref.Path()).Logger(),
		col:    o.metrics,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.col.EndpointBound()
	e.log.Debug().Msg("endpoint bound")
	go e.serve()
	return e
}

// Reference returns the wrapped reference.
func (e *Endpoint) Reference() firebase.Reference {
	return e.ref
}

func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed once the endpoint is closed.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Listeners reports how many value and child listeners are retained.
func (e *Endpoint) Listeners() (values, children int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.values), len(e.children)
}

// Close stops every subscription, releases every listener once and closes
// the pipe. It is safe to call more than once.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.state = Closed
		values, children := e.values, e.children
		e.values, e.children = nil, nil
		e.mu.Unlock()

		e.cancel()
		for _, h := range values {
			h.Release()
		}
		for _, h := range children {
			h.Release()
		}
		e.col.ListenersReleased(kindValue, len(values))
		e.col.ListenersReleased(kindChild, len(children))

		if cerr := e.pipe.Close(); cerr != nil && !errors.Is(cerr, rpc.ErrPipeClosed) {
			err = cerr
		}
		e.col.EndpointClosed()
		e.log.Debug().Int("values", len(values)).Int("children", len(children)).Msg("endpoint closed")
		close(e.done)
	})
	return err
}

func (e *Endpoint) check(method string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Closed {
		e.col.ObserveCall(method, telemetry.OutcomeRejected)
		return ErrClosed
	}
	return nil
}

func (e *Endpoint) observe(method string, err *firebase.Error) {
	if err != nil {
		e.col.ObserveCall(method, telemetry.OutcomeError)
		e.log.Debug().Str("method", method).Str("code", err.Code).Msg(err.Message)
		return
	}
	e.col.ObserveCall(method, telemetry.OutcomeOK)
}

// InitWithURL points the reference at url. Failures are not reported to the
// caller; they surface through the native client, e.g. as cancelled
// listeners.
func (e *Endpoint) InitWithURL(url string) error {
	if err := e.check(MethodInitWithURL); err != nil {
		return err
	}
	if err := e.ref.Init(e.ctx, url); err != nil {
		e.log.Warn().Err(err).Str("url", url).Msg("init failed")
		e.observe(MethodInitWithURL, firebase.AsError(err))
		return nil
	}
	e.observe(MethodInitWithURL, nil)
	return nil
}

func (e *Endpoint) AddValueEventListener(l ValueEventListener) error {
	return e.addListener(MethodAddValueEventListener, kindValue, newValueHandle(l), []firebase.EventType{firebase.EventValue})
}

func (e *Endpoint) AddChildEventListener(l ChildEventListener) error {
	return e.addListener(MethodAddChildEventListener, kindChild, newChildHandle(l), firebase.ChildEvents)
}

func (e *Endpoint) addListener(method, kind string, h *handle, types []firebase.EventType) error {
	e.mu.Lock()
	if e.state == Closed {
		e.mu.Unlock()
		e.col.ObserveCall(method, telemetry.OutcomeRejected)
		return ErrClosed
	}
	if kind == kindValue {
		e.values = append(e.values, h)
	} else {
		e.children = append(e.children, h)
	}
	e.mu.Unlock()
	e.col.ListenerAdded(kind)

	if err := e.ref.Listen(e.ctx, types, h); err != nil {
		fe := firebase.AsError(err)
		e.observe(method, fe)
		h.OnCancelled(fe)
		return nil
	}
	e.observe(method, nil)
	return nil
}

// ObserveSingleEventOfType waits for one event without blocking the calls
// that follow it.
func (e *Endpoint) ObserveSingleEventOfType(t firebase.EventType, k *SnapshotContinuation) error {
	if err := e.check(MethodObserveSingleEventOfType); err != nil {
		return err
	}
	go func() {
		snap, err := e.ref.Once(e.ctx, t)
		fe := firebase.AsError(err)
		e.observe(MethodObserveSingleEventOfType, fe)
		k.Resolve(Result[firebase.Snapshot]{Value: snap, Err: fe})
	}()
	return nil
}

func (e *Endpoint) resolveAuth(method string, k *AuthContinuation, auth *firebase.AuthData, err error) {
	fe := firebase.AsError(err)
	e.observe(method, fe)
	if fe != nil {
		auth = nil
	}
	k.Resolve(Result[*firebase.AuthData]{Value: auth, Err: fe})
}

func (e *Endpoint) resolveStatus(method string, k *StatusContinuation, err error) {
	fe := firebase.AsError(err)
	e.observe(method, fe)
	k.Resolve(Status{Err: fe})
}

func (e *Endpoint) AuthWithCustomToken(token string, k *AuthContinuation) error {
	if err := e.check(MethodAuthWithCustomToken); err != nil {
		return err
	}
	auth, err := e.ref.AuthWithCustomToken(e.ctx, token)
	e.resolveAuth(MethodAuthWithCustomToken, k, auth, err)
	return nil
}

func (e *Endpoint) AuthAnonymously(k *AuthContinuation) error {
	if err := e.check(MethodAuthAnonymously); err != nil {
		return err
	}
	auth, err := e.ref.AuthAnonymously(e.ctx)
	e.resolveAuth(MethodAuthAnonymously, k, auth, err)
	return nil
}

func (e *Endpoint) AuthWithOAuthToken(provider, credentials string, k *AuthContinuation) error {
	if err := e.check(MethodAuthWithOAuthToken); err != nil {
		return err
	}
	auth, err := e.ref.AuthWithOAuthToken(e.ctx, provider, credentials)
	e.resolveAuth(MethodAuthWithOAuthToken, k, auth, err)
	return nil
}

func (e *Endpoint) AuthWithPassword(email, password string, k *AuthContinuation) error {
	if err := e.check(MethodAuthWithPassword); err != nil {
		return err
	}
	auth, err := e.ref.AuthWithPassword(e.ctx, email, password)
	e.resolveAuth(MethodAuthWithPassword, k, auth, err)
	return nil
}

func (e *Endpoint) Unauth(k *StatusContinuation) error {
	if err := e.check(MethodUnauth); err != nil {
		return err
	}
	e.resolveStatus(MethodUnauth, k, e.ref.Unauth(e.ctx))
	return nil
}

func (e *Endpoint) CreateUser(email, password string, k *KeyContinuation) error {
	if err := e.check(MethodCreateUser); err != nil {
		return err
	}
	uid, err := e.ref.CreateUser(e.ctx, email, password)
	fe := firebase.AsError(err)
	e.observe(MethodCreateUser, fe)
	k.Resolve(Result[string]{Value: uid, Err: fe})
	return nil
}

func (e *Endpoint) ChangeEmail(oldEmail, password, newEmail string, k *StatusContinuation) error {
	if err := e.check(MethodChangeEmail); err != nil {
		return err
	}
	e.resolveStatus(MethodChangeEmail, k, e.ref.ChangeEmail(e.ctx, oldEmail, password, newEmail))
	return nil
}

func (e *Endpoint) ChangePassword(newPassword, email, oldPassword string, k *StatusContinuation) error {
	if err := e.check(MethodChangePassword); err != nil {
		return err
	}
	e.resolveStatus(MethodChangePassword, k, e.ref.ChangePassword(e.ctx, newPassword, email, oldPassword))
	return nil
}

func (e *Endpoint) RemoveUser(email, password string, k *StatusContinuation) error {
	if err := e.check(MethodRemoveUser); err != nil {
		return err
	}
	e.resolveStatus(MethodRemoveUser, k, e.ref.RemoveUser(e.ctx, email, password))
	return nil
}

func (e *Endpoint) ResetPassword(email string, k *StatusContinuation) error {
	if err := e.check(MethodResetPassword); err != nil {
		return err
	}
	e.resolveStatus(MethodResetPassword, k, e.ref.ResetPassword(e.ctx, email))
	return nil
}

// GetChild binds req to a new endpoint for the child at path.
func (e *Endpoint) GetChild(path string, req *rpc.Pipe) error {
	if err := e.check(MethodGetChild); err != nil {
		return err
	}
	e.spawn(MethodGetChild, e.ref.Child(path), req)
	return nil
}

// GetParent binds req to a new endpoint for the parent. The parent of the
// root is the root.
func (e *Endpoint) GetParent(req *rpc.Pipe) error {
	if err := e.check(MethodGetParent); err != nil {
		return err
	}
	e.spawn(MethodGetParent, e.ref.Parent(), req)
	return nil
}

func (e *Endpoint) GetRoot(req *rpc.Pipe) error {
	if err := e.check(MethodGetRoot); err != nil {
		return err
	}
	e.spawn(MethodGetRoot, e.ref.Root(), req)
	return nil
}

func (e *Endpoint) spawn(method string, ref firebase.Reference, req *rpc.Pipe) *Endpoint {
	e.observe(method, nil)
	return Bind(ref, req, e.opts...)
}

func (e *Endpoint) RemoveValue(k *StatusContinuation) error {
	if err := e.check(MethodRemoveValue); err != nil {
		return err
	}
	e.resolveStatus(MethodRemoveValue, k, e.ref.Remove(e.ctx))
	return nil
}

func (e *Endpoint) SetValue(value json.RawMessage, priority float64, hasPriority bool, k *StatusContinuation) error {
	if err := e.check(MethodSetValue); err != nil {
		return err
	}
	var p *float64
	if hasPriority {
		p = &priority
	}
	e.resolveStatus(MethodSetValue, k, e.ref.Set(e.ctx, value, p))
	return nil
}

// Push binds req to a new endpoint for a child with a generated key and
// resolves k with that key.
func (e *Endpoint) Push(req *rpc.Pipe, k *KeyContinuation) error {
	if err := e.check(MethodPush); err != nil {
		return err
	}
	child, err := e.ref.Push(e.ctx)
	if err != nil {
		fe := firebase.AsError(err)
		e.observe(MethodPush, fe)
		_ = req.Close()
		k.Resolve(Result[string]{Err: fe})
		return nil
	}
	e.spawn(MethodPush, child, req)
	k.Resolve(Result[string]{Value: child.Key()})
	return nil
}

func (e *Endpoint) SetPriority(priority float64, k *StatusContinuation) error {
	if err := e.check(MethodSetPriority); err != nil {
		return err
	}
	e.resolveStatus(MethodSetPriority, k, e.ref.SetPriority(e.ctx, priority))
	return nil
}
