package memdb

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"firelink/internal/firebase"
)

type recorder struct {
	events    chan firebase.Event
	cancelled chan *firebase.Error
}

func newRecorder() *recorder {
	return &recorder{
		events:    make(chan firebase.Event, 64),
		cancelled: make(chan *firebase.Error, 1),
	}
}

func (r *recorder) OnEvent(ev firebase.Event)       { r.events <- ev }
func (r *recorder) OnCancelled(err *firebase.Error) { r.cancelled <- err }

func (r *recorder) next(t *testing.T) firebase.Event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}
	return firebase.Event{}
}

func (r *recorder) quiet(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected event %s for %s", ev.Type, ev.Snapshot.Key)
	case <-time.After(50 * time.Millisecond):
	}
}

func newDB(t *testing.T, opts Options) *Ref {
	t.Helper()
	if opts.HashCost == 0 {
		opts.HashCost = bcrypt.MinCost
	}
	ref := New(opts).Root()
	require.NoError(t, ref.Init(context.Background(), "https://demo.firebaseio.com"))
	return ref
}

func set(t *testing.T, ref firebase.Reference, value string) {
	t.Helper()
	require.NoError(t, ref.Set(context.Background(), json.RawMessage(value), nil))
}

func TestInitParsesPath(t *testing.T) {
	db := New(Options{})
	ref := db.Root()
	require.NoError(t, ref.Init(context.Background(), "https://demo.firebaseio.com/users/ada"))
	require.Equal(t, "/users/ada", ref.Path())
	require.Equal(t, "ada", ref.Key())
	require.Equal(t, "https://demo.firebaseio.com", db.URL())

	err := ref.Init(context.Background(), "not a url")
	require.ErrorIs(t, err, &firebase.Error{Code: firebase.CodeInvalidArgument})
	require.Equal(t, "/users/ada", ref.Path())
}

func TestNavigation(t *testing.T) {
	root := New(Options{}).Root()
	child := root.Child("a/b")
	require.Equal(t, "/a/b", child.Path())
	require.Equal(t, "/a", child.Parent().Path())
	require.Equal(t, "/", child.Root().Path())
	require.Equal(t, "/", root.Parent().Path())
	require.Equal(t, "/", root.Path(), "navigation must not move the receiver")
}

func TestSetAndOnce(t *testing.T) {
	ctx := context.Background()
	root := newDB(t, Options{})
	set(t, root.Child("users/ada"), `{"name":"Ada","langs":["go","c"]}`)

	snap, err := root.Child("users/ada/name").Once(ctx, firebase.EventValue)
	require.NoError(t, err)
	require.JSONEq(t, `"Ada"`, string(snap.Value))

	snap, err = root.Child("users/ada/langs").Once(ctx, firebase.EventValue)
	require.NoError(t, err)
	require.JSONEq(t, `{"0":"go","1":"c"}`, string(snap.Value))

	require.NoError(t, root.Child("users/ada").Remove(ctx))
	snap, err = root.Child("users").Once(ctx, firebase.EventValue)
	require.NoError(t, err)
	require.False(t, snap.Exists())
}

func TestSetRejectsInvalidKeys(t *testing.T) {
	root := newDB(t, Options{})
	err := root.Child("a").Set(context.Background(), json.RawMessage(`{"b.c":1}`), nil)
	require.ErrorIs(t, err, &firebase.Error{Code: firebase.CodeInvalidArgument})

	err = root.Child("a$b").Set(context.Background(), json.RawMessage(`1`), nil)
	require.ErrorIs(t, err, &firebase.Error{Code: firebase.CodeInvalidArgument})

	err = root.Child("a").Set(context.Background(), json.RawMessage(`{`), nil)
	require.ErrorIs(t, err, &firebase.Error{Code: firebase.CodeInvalidArgument})
}

func TestPriorities(t *testing.T) {
	ctx := context.Background()
	root := newDB(t, Options{})
	p := 3.0
	require.NoError(t, root.Child("a").Set(ctx, json.RawMessage(`1`), &p))

	snap, err := root.Child("a").Once(ctx, firebase.EventValue)
	require.NoError(t, err)
	require.NotNil(t, snap.Priority)
	require.Equal(t, 3.0, *snap.Priority)

	require.NoError(t, root.Child("a").SetPriority(ctx, 1))
	snap, err = root.Child("a").Once(ctx, firebase.EventValue)
	require.NoError(t, err)
	require.Equal(t, 1.0, *snap.Priority)

	set(t, root.Child("b"), `{".value":"x",".priority":7}`)
	snap, err = root.Child("b").Once(ctx, firebase.EventValue)
	require.NoError(t, err)
	require.JSONEq(t, `"x"`, string(snap.Value))
	require.Equal(t, 7.0, *snap.Priority)

	require.NoError(t, root.Child("a").Remove(ctx))
	require.NoError(t, root.Child("a").SetPriority(ctx, 4))
	snap, err = root.Child("a").Once(ctx, firebase.EventValue)
	require.NoError(t, err)
	require.Nil(t, snap.Priority)
}

func TestPushGeneratesOrderedKeys(t *testing.T) {
	ctx := context.Background()
	root := newDB(t, Options{})
	list := root.Child("list")

	first, err := list.Push(ctx)
	require.NoError(t, err)
	second, err := list.Push(ctx)
	require.NoError(t, err)

	require.Len(t, first.Key(), 20)
	require.Less(t, first.Key(), second.Key())
	require.Equal(t, "/list/"+first.Key(), first.Path())

	snap, err := first.Once(ctx, firebase.EventValue)
	require.NoError(t, err)
	require.False(t, snap.Exists(), "push must not write")
}

func TestValueListener(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root := newDB(t, Options{})
	set(t, root.Child("counter"), `1`)

	rec := newRecorder()
	require.NoError(t, root.Child("counter").Listen(ctx, []firebase.EventType{firebase.EventValue}, rec))

	ev := rec.next(t)
	require.Equal(t, firebase.EventValue, ev.Type)
	require.JSONEq(t, `1`, string(ev.Snapshot.Value))

	set(t, root.Child("counter"), `2`)
	ev = rec.next(t)
	require.JSONEq(t, `2`, string(ev.Snapshot.Value))

	set(t, root.Child("other"), `true`)
	set(t, root.Child("counter"), `2`)
	rec.quiet(t)
}

func TestChildListener(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root := newDB(t, Options{})
	set(t, root.Child("list"), `{"a":1,"b":2}`)

	rec := newRecorder()
	require.NoError(t, root.Child("list").Listen(ctx, firebase.ChildEvents, rec))

	ev := rec.next(t)
	require.Equal(t, firebase.EventChildAdded, ev.Type)
	require.Equal(t, "a", ev.Snapshot.Key)
	require.Empty(t, ev.PrevKey)
	ev = rec.next(t)
	require.Equal(t, "b", ev.Snapshot.Key)
	require.Equal(t, "a", ev.PrevKey)

	set(t, root.Child("list/c"), `3`)
	ev = rec.next(t)
	require.Equal(t, firebase.EventChildAdded, ev.Type)
	require.Equal(t, "c", ev.Snapshot.Key)
	require.Equal(t, "b", ev.PrevKey)

	set(t, root.Child("list/a"), `10`)
	ev = rec.next(t)
	require.Equal(t, firebase.EventChildChanged, ev.Type)
	require.JSONEq(t, `10`, string(ev.Snapshot.Value))

	require.NoError(t, root.Child("list/b").Remove(ctx))
	ev = rec.next(t)
	require.Equal(t, firebase.EventChildRemoved, ev.Type)
	require.Equal(t, "b", ev.Snapshot.Key)

	require.NoError(t, root.Child("list/a").SetPriority(ctx, 5))
	ev = rec.next(t)
	require.Equal(t, firebase.EventChildChanged, ev.Type)
	ev = rec.next(t)
	require.Equal(t, firebase.EventChildMoved, ev.Type)
	require.Equal(t, "a", ev.Snapshot.Key)
	require.Equal(t, "c", ev.PrevKey)
}

func TestListenerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	db := New(Options{})
	root := db.Root()
	require.NoError(t, root.Init(context.Background(), "https://demo.firebaseio.com"))

	rec := newRecorder()
	require.NoError(t, root.Listen(ctx, []firebase.EventType{firebase.EventValue}, rec))
	rec.next(t)
	cancel()

	require.Eventually(t, func() bool { return db.Subscriptions() == 0 }, time.Second, 10*time.Millisecond)
	set(t, root, `1`)
	rec.quiet(t)
}

func TestOnceChildEvent(t *testing.T) {
	ctx := context.Background()
	root := newDB(t, Options{})

	done := make(chan firebase.Snapshot, 1)
	go func() {
		snap, err := root.Child("inbox").Once(ctx, firebase.EventChildAdded)
		if err == nil {
			done <- snap
		}
	}()

	require.Eventually(t, func() bool { return root.db.Subscriptions() == 1 }, time.Second, 10*time.Millisecond)
	set(t, root.Child("inbox/m1"), `"hi"`)

	select {
	case snap := <-done:
		require.Equal(t, "m1", snap.Key)
	case <-time.After(time.Second):
		t.Fatal("expected once to resolve")
	}
}

func TestRequireAuth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root := newDB(t, Options{RequireAuth: true})

	err := root.Child("a").Set(ctx, json.RawMessage(`1`), nil)
	require.ErrorIs(t, err, &firebase.Error{Code: firebase.CodePermissionDenied})

	_, err = root.AuthAnonymously(ctx)
	require.NoError(t, err)
	set(t, root.Child("a"), `1`)

	rec := newRecorder()
	require.NoError(t, root.Child("a").Listen(ctx, []firebase.EventType{firebase.EventValue}, rec))
	rec.next(t)

	require.NoError(t, root.Unauth(ctx))
	select {
	case err := <-rec.cancelled:
		require.Equal(t, firebase.CodePermissionDenied, err.Code)
	case <-time.After(time.Second):
		t.Fatal("expected the listener to be cancelled")
	}
}

func TestPasswordAccounts(t *testing.T) {
	ctx := context.Background()
	root := newDB(t, Options{})

	uid, err := root.CreateUser(ctx, "ada@example.com", "secret")
	require.NoError(t, err)
	require.NotEmpty(t, uid)

	_, err = root.CreateUser(ctx, "ADA@example.com", "other")
	require.ErrorIs(t, err, &firebase.Error{Code: firebase.CodeAlreadyExists})

	_, err = root.AuthWithPassword(ctx, "ada@example.com", "wrong")
	require.ErrorIs(t, err, &firebase.Error{Code: firebase.CodeInvalidCredentials})

	auth, err := root.AuthWithPassword(ctx, "ada@example.com", "secret")
	require.NoError(t, err)
	require.Equal(t, uid, auth.UID)
	require.Equal(t, "password", auth.Provider)

	require.NoError(t, root.ChangePassword(ctx, "better", "ada@example.com", "secret"))
	_, err = root.AuthWithPassword(ctx, "ada@example.com", "secret")
	require.Error(t, err)

	require.NoError(t, root.ChangeEmail(ctx, "ada@example.com", "better", "ada@lovelace.dev"))
	auth, err = root.AuthWithPassword(ctx, "ada@lovelace.dev", "better")
	require.NoError(t, err)
	require.Equal(t, uid, auth.UID)

	require.NoError(t, root.ResetPassword(ctx, "ada@lovelace.dev"))
	err = root.ResetPassword(ctx, "nobody@example.com")
	require.ErrorIs(t, err, &firebase.Error{Code: firebase.CodeNotFound})

	require.NoError(t, root.RemoveUser(ctx, "ada@lovelace.dev", "better"))
	_, err = root.AuthWithPassword(ctx, "ada@lovelace.dev", "better")
	require.ErrorIs(t, err, &firebase.Error{Code: firebase.CodeInvalidCredentials})

	_, err = root.CreateUser(ctx, "not-an-email", "x")
	require.ErrorIs(t, err, &firebase.Error{Code: firebase.CodeInvalidArgument})
}

func TestCustomTokens(t *testing.T) {
	ctx := context.Background()
	secret := []byte("0123456789abcdef")
	now := time.Unix(1_700_000_000, 0)
	db := New(Options{TokenSecret: secret, Now: func() time.Time { return now }})
	root := db.Root()

	token, err := db.CustomToken("user-1", map[string]any{"admin": true})
	require.NoError(t, err)

	auth, err := root.AuthWithCustomToken(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "user-1", auth.UID)
	require.Equal(t, "custom", auth.Provider)
	require.Equal(t, now.Add(time.Hour).Unix(), auth.Expires)
	require.Equal(t, "user-1", db.CurrentUser().UID)

	session, err := jwt.Parse(auth.Token, func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithTimeFunc(func() time.Time { return now }))
	require.NoError(t, err)
	sub, err := session.Claims.GetSubject()
	require.NoError(t, err)
	require.Equal(t, "user-1", sub)

	legacy, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"d": map[string]any{"uid": "user-2"}}).SignedString(secret)
	require.NoError(t, err)
	auth, err = root.AuthWithCustomToken(ctx, legacy)
	require.NoError(t, err)
	require.Equal(t, "user-2", auth.UID)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"uid": "x"}).SignedString([]byte("wrong"))
	require.NoError(t, err)
	_, err = root.AuthWithCustomToken(ctx, forged)
	require.ErrorIs(t, err, &firebase.Error{Code: firebase.CodeInvalidToken})

	_, err = New(Options{}).Root().AuthWithCustomToken(ctx, token)
	require.ErrorIs(t, err, &firebase.Error{Code: firebase.CodePermissionDenied})
}

func TestOAuthUIDIsStable(t *testing.T) {
	ctx := context.Background()
	root := newDB(t, Options{})

	a, err := root.AuthWithOAuthToken(ctx, "github", "tok")
	require.NoError(t, err)
	b, err := root.AuthWithOAuthToken(ctx, "github", "tok")
	require.NoError(t, err)
	require.Equal(t, a.UID, b.UID)
	require.Equal(t, "github", a.Provider)

	_, err = root.AuthWithOAuthToken(ctx, "", "tok")
	require.ErrorIs(t, err, &firebase.Error{Code: firebase.CodeInvalidArgument})
}

func TestImportIgnoresRequireAuth(t *testing.T) {
	ctx := context.Background()
	db := New(Options{RequireAuth: true, HashCost: bcrypt.MinCost})
	require.NoError(t, db.Import(json.RawMessage(`{"rooms":{"a":{".value":1,".priority":3},"b":2}}`)))
	require.Error(t, db.Import(json.RawMessage(`{"bad.key":1}`)))

	root := db.Root()
	_, err := root.AuthAnonymously(ctx)
	require.NoError(t, err)
	snap, err := root.Child("rooms/a").Once(ctx, firebase.EventValue)
	require.NoError(t, err)
	require.JSONEq(t, `1`, string(snap.Value))
	require.NotNil(t, snap.Priority)
	require.Equal(t, 3.0, *snap.Priority)
}
