// Package firebase defines the native Firebase client consumed by service
// endpoints, together with an implementation backed by the Firebase Admin SDK.
//
// A Reference points at one location of a Realtime Database. Navigation
// returns new references and never mutates the receiver; only Init re-points
// a reference. References created from the same client share its
// authentication state.
package firebase

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// Authenticator is the authentication surface of a native client.
type Authenticator interface {
	AuthWithCustomToken(ctx context.Context, token string) (*AuthData, error)
	AuthAnonymously(ctx context.Context) (*AuthData, error)
	AuthWithOAuthToken(ctx context.Context, provider, credentials string) (*AuthData, error)
	AuthWithPassword(ctx context.Context, email, password string) (*AuthData, error)
	Unauth(ctx context.Context) error
	CreateUser(ctx context.Context, email, password string) (uid string, err error)
	ChangeEmail(ctx context.Context, oldEmail, password, newEmail string) error
	ChangePassword(ctx context.Context, newPassword, email, oldPassword string) error
	RemoveUser(ctx context.Context, email, password string) error
	ResetPassword(ctx context.Context, email string) error
}

// Subscriber receives notifications from Reference.Listen.
type Subscriber interface {
	OnEvent(ev Event)
	// OnCancelled is called at most once when the subscription ends for a
	// reason other than its context being done. No events follow it.
	OnCancelled(err *Error)
}

// Reference is a handle to one database location.
type Reference interface {
	Authenticator

	Key() string
	Path() string

	// Init points the reference at url, which may carry a path.
	Init(ctx context.Context, url string) error

	Child(path string) Reference
	// Parent returns the parent location; the root is its own parent.
	Parent() Reference
	Root() Reference

	Set(ctx context.Context, value json.RawMessage, priority *float64) error
	SetPriority(ctx context.Context, priority float64) error
	Remove(ctx context.Context) error
	Push(ctx context.Context) (Reference, error)

	// Once waits for the first event of type t and returns its snapshot.
	Once(ctx context.Context, t EventType) (Snapshot, error)
	// Listen delivers events of the given types to sub until ctx is done.
	// A value subscription starts with the current value and a child
	// subscription with a child_added per existing child.
	Listen(ctx context.Context, types []EventType, sub Subscriber) error
}

// SubscriberFuncs adapts plain functions to a Subscriber.
type SubscriberFuncs struct {
	Event     func(Event)
	Cancelled func(*Error)
}

func (s SubscriberFuncs) OnEvent(ev Event) {
	if s.Event != nil {
		s.Event(ev)
	}
}

func (s SubscriberFuncs) OnCancelled(err *Error) {
	if s.Cancelled != nil {
		s.Cancelled(err)
	}
}

// OnceFromListen implements Reference.Once on top of Listen.
func OnceFromListen(ctx context.Context, ref Reference, t EventType) (Snapshot, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		snap Snapshot
		err  error
	}
	resultCh := make(chan result, 1)
	var once sync.Once
	deliver := func(r result) {
		once.Do(func() {
			resultCh <- r
		})
	}

	sub := SubscriberFuncs{
		Event: func(ev Event) {
			if ev.Type == t {
				deliver(result{snap: ev.Snapshot})
			}
		},
		Cancelled: func(err *Error) {
			deliver(result{err: err})
		},
	}
	if err := ref.Listen(ctx, []EventType{t}, sub); err != nil {
		return Snapshot{}, err
	}

	select {
	case r := <-resultCh:
		return r.snap, r.err
	case <-ctx.Done():
		return Snapshot{}, AsError(ctx.Err())
	}
}

const invalidKeyChars = ".#$[]"

// SplitPath splits a slash separated database path into its segments.
func SplitPath(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// JoinPath renders segments as an absolute database path.
func JoinPath(segs []string) string {
	return "/" + strings.Join(segs, "/")
}

// ValidatePath rejects segments containing characters the database forbids.
func ValidatePath(segs []string) error {
	for _, s := range segs {
		if strings.ContainsAny(s, invalidKeyChars) {
			return Errorf(CodeInvalidArgument, "invalid key %q: must not contain any of %q", s, invalidKeyChars)
		}
	}
	return nil
}
