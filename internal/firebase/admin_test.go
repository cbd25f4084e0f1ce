package firebase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

// fakeDatabase speaks the Realtime Database REST protocol used by the Admin
// SDK: JSON reads and writes under <path>.json with ETag preconditions.
type fakeDatabase struct {
	mu          sync.Mutex
	root        any
	deny        bool
	notModified int
}

// newFakeDatabase returns the database and an emulator style url for it.
func newFakeDatabase(t *testing.T) (*fakeDatabase, string) {
	t.Helper()
	f := &fakeDatabase{}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return f, "http://localhost:" + u.Port() + "?ns=test"
}

func (f *fakeDatabase) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deny {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":"Permission denied"}`)
		return
	}

	segs := SplitPath(strings.TrimSuffix(r.URL.Path, ".json"))
	current, _ := json.Marshal(f.get(segs))
	etag := etagOf(current)
	w.Header().Set("ETag", etag)

	switch r.Method {
	case http.MethodGet:
		if r.Header.Get("If-None-Match") == etag {
			f.notModified++
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write(current)
	case http.MethodPut:
		if m := r.Header.Get("If-Match"); m != "" && m != etag {
			w.WriteHeader(http.StatusPreconditionFailed)
			_, _ = w.Write(current)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"Invalid data; couldn't parse JSON object."}`)
			return
		}
		f.set(segs, v)
		if r.URL.Query().Get("print") == "silent" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("ETag", etagOf(body))
		_, _ = w.Write(body)
	case http.MethodDelete:
		f.set(segs, nil)
		_, _ = io.WriteString(w, "null")
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func etagOf(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (f *fakeDatabase) get(segs []string) any {
	cur := f.root
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[s]
	}
	return cur
}

func (f *fakeDatabase) set(segs []string, v any) {
	if len(segs) == 0 {
		f.root = v
		return
	}
	m, ok := f.root.(map[string]any)
	if !ok {
		m = map[string]any{}
		f.root = m
	}
	for _, s := range segs[:len(segs)-1] {
		next, ok := m[s].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[s] = next
		}
		m = next
	}
	last := segs[len(segs)-1]
	if v == nil {
		delete(m, last)
		return
	}
	m[last] = v
}

// stored returns the JSON kept at path.
func (f *fakeDatabase) stored(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, _ := json.Marshal(f.get(SplitPath(path)))
	return string(data)
}

func newAdminRef(t *testing.T, dbURL string) *AdminRef {
	t.Helper()
	ref, err := NewAdminClient(context.Background(), AdminOptions{
		DatabaseURL:  dbURL,
		AdminAccess:  true,
		PollInterval: 10 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	return ref
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"native error", &Error{Code: CodeNotFound, Message: "gone"}, CodeNotFound},
		{"cancelled", context.Canceled, CodeCancelled},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), CodeCancelled},
		{"wrong password", &googleapi.Error{Code: 400, Message: "INVALID_PASSWORD"}, CodeInvalidCredentials},
		{"email taken", &googleapi.Error{Code: 400, Message: "EMAIL_EXISTS : The email address is already in use"}, CodeAlreadyExists},
		{"bad custom token", &googleapi.Error{Code: 400, Message: "INVALID_CUSTOM_TOKEN"}, CodeInvalidToken},
		{"anonymous disabled", &googleapi.Error{Code: 400, Message: "OPERATION_NOT_ALLOWED"}, CodePermissionDenied},
		{"unclassified api error", &googleapi.Error{Code: 500, Message: "BACKEND_ERROR"}, CodeUnknown},
		{"plain error", errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translate(tt.err)
			var fe *Error
			require.ErrorAs(t, err, &fe)
			require.Equal(t, tt.code, fe.Code)
		})
	}
	require.NoError(t, translate(nil))
}

func TestIdentityCode(t *testing.T) {
	tests := map[string]string{
		"EMAIL_NOT_FOUND":                             CodeInvalidCredentials,
		"INVALID_LOGIN_CREDENTIALS":                   CodeInvalidCredentials,
		"USER_DISABLED":                               CodeInvalidCredentials,
		"CREDENTIAL_MISMATCH":                         CodeInvalidToken,
		"INVALID_IDP_RESPONSE : bad access token":     CodeInvalidToken,
		"ADMIN_ONLY_OPERATION":                        CodePermissionDenied,
		"WEAK_PASSWORD : Password should be at least": CodeInvalidArgument,
		"INVALID_EMAIL":                               CodeInvalidArgument,
		"QUOTA_EXCEEDED":                              CodeUnknown,
		"":                                            CodeUnknown,
	}
	for msg, code := range tests {
		require.Equal(t, code, identityCode(msg), msg)
	}
}

func TestAdminWatcherEmitsInitialAndDiffEvents(t *testing.T) {
	var got []string
	w := &adminWatcher{
		types: []EventType{EventChildAdded, EventChildChanged, EventChildRemoved, EventValue},
		sub: SubscriberFuncs{Event: func(ev Event) {
			got = append(got, ev.Type.String()+":"+ev.Snapshot.Key+":"+ev.PrevKey)
		}},
	}

	w.emit("rooms", json.RawMessage(`{"a":1,"b":2}`))
	require.Equal(t, []string{"child_added:a:", "child_added:b:a", "value:rooms:"}, got)

	got = nil
	w.emit("rooms", json.RawMessage(`{"a":1,"b":3,"c":4}`))
	require.Equal(t, []string{"child_added:c:b", "child_changed:b:a", "value:rooms:"}, got)

	got = nil
	w.emit("rooms", json.RawMessage(`{"b":3}`))
	require.Equal(t, []string{"child_removed:a:", "child_removed:c:", "value:rooms:"}, got)
}

func TestAdminWatcherFiltersEventTypes(t *testing.T) {
	var got []EventType
	w := &adminWatcher{
		types: []EventType{EventChildRemoved},
		sub:   SubscriberFuncs{Event: func(ev Event) { got = append(got, ev.Type) }},
	}
	w.emit("rooms", json.RawMessage(`{"a":1}`))
	require.Empty(t, got)
	w.emit("rooms", json.RawMessage(`null`))
	require.Equal(t, []EventType{EventChildRemoved}, got)
}

func TestAdminWatcherCancelsWithoutDatabase(t *testing.T) {
	cancelled := make(chan *Error, 1)
	w := &adminWatcher{
		ref:      &AdminRef{s: &adminSession{}},
		interval: time.Millisecond,
		sub:      SubscriberFuncs{Cancelled: func(err *Error) { cancelled <- err }},
		log:      zerolog.Nop(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.run(ctx)

	select {
	case err := <-cancelled:
		require.Equal(t, CodeNotInitialized, err.Code)
	case <-time.After(time.Second):
		t.Fatal("expected the subscription to be cancelled")
	}
}

func TestAdminInitRequiresURL(t *testing.T) {
	ref, err := NewAdminClient(context.Background(), AdminOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)
	err = ref.Set(context.Background(), json.RawMessage(`1`), nil)
	require.ErrorIs(t, err, ErrNotInitialized)

	err = ref.Init(context.Background(), "not a url")
	require.Equal(t, CodeInvalidArgument, AsError(err).Code)
}

func TestAdminReadsAndWrites(t *testing.T) {
	fake, dbURL := newFakeDatabase(t)
	root := newAdminRef(t, dbURL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := root.Child("rooms/a")
	require.NoError(t, a.Set(ctx, json.RawMessage(`{"n":1}`), nil))
	snap, err := a.Once(ctx, EventValue)
	require.NoError(t, err)
	require.Equal(t, "a", snap.Key)
	require.JSONEq(t, `{"n":1}`, string(snap.Value))

	priority := 3.0
	require.NoError(t, root.Child("rooms/b").Set(ctx, json.RawMessage(`5`), &priority))
	require.JSONEq(t, `{".value":5,".priority":3}`, fake.stored("rooms/b"))

	require.NoError(t, a.SetPriority(ctx, 7))
	require.JSONEq(t, `{"n":1,".priority":7}`, fake.stored("rooms/a"))

	require.NoError(t, a.Remove(ctx))
	require.Equal(t, "null", fake.stored("rooms/a"))

	snap, err = root.Child("missing").Once(ctx, EventValue)
	require.NoError(t, err)
	require.Equal(t, "null", string(snap.Value))
}

func TestAdminInitMovesReference(t *testing.T) {
	fake, dbURL := newFakeDatabase(t)
	fake.set([]string{"users", "42"}, map[string]any{"n": 1.0})
	ref, err := NewAdminClient(context.Background(), AdminOptions{Logger: zerolog.Nop(), AdminAccess: true})
	require.NoError(t, err)

	u, err := url.Parse(dbURL)
	require.NoError(t, err)
	u.Path = "/users/42"
	require.NoError(t, ref.Init(context.Background(), u.String()))
	require.Equal(t, "42", ref.Key())

	snap, err := ref.Once(context.Background(), EventValue)
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(snap.Value))
}

func TestAdminListenPollsForChanges(t *testing.T) {
	fake, dbURL := newFakeDatabase(t)
	fake.set([]string{"rooms", "a"}, 1.0)
	root := newAdminRef(t, dbURL)
	rooms := root.Child("rooms")

	events := make(chan Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rooms.Listen(ctx, []EventType{EventChildAdded, EventValue}, SubscriberFuncs{
		Event: func(ev Event) { events <- ev },
	}))

	next := func() Event {
		t.Helper()
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("expected an event")
			return Event{}
		}
	}

	ev := next()
	require.Equal(t, EventChildAdded, ev.Type)
	require.Equal(t, "a", ev.Snapshot.Key)
	ev = next()
	require.Equal(t, EventValue, ev.Type)
	require.JSONEq(t, `{"a":1}`, string(ev.Snapshot.Value))

	// unchanged locations are answered with 304 and produce no events
	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return fake.notModified >= 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, events)

	require.NoError(t, rooms.Child("b").Set(context.Background(), json.RawMessage(`2`), nil))
	ev = next()
	require.Equal(t, EventChildAdded, ev.Type)
	require.Equal(t, "b", ev.Snapshot.Key)
	require.Equal(t, "a", ev.PrevKey)
	ev = next()
	require.Equal(t, EventValue, ev.Type)
	require.JSONEq(t, `{"a":1,"b":2}`, string(ev.Snapshot.Value))
}

func TestAdminListenCancelledOnPermissionDenied(t *testing.T) {
	fake, dbURL := newFakeDatabase(t)
	root := newAdminRef(t, dbURL)
	fake.mu.Lock()
	fake.deny = true
	fake.mu.Unlock()

	cancelled := make(chan *Error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, root.Child("private").Listen(ctx, []EventType{EventValue}, SubscriberFuncs{
		Event:     func(Event) { t.Error("no events expected") },
		Cancelled: func(err *Error) { cancelled <- err },
	}))

	select {
	case err := <-cancelled:
		require.Equal(t, CodePermissionDenied, err.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the subscription to be cancelled")
	}

	_, err := root.Child("private").Once(context.Background(), EventValue)
	require.Equal(t, CodePermissionDenied, AsError(err).Code)
}

func TestDatabaseBase(t *testing.T) {
	tests := map[string]string{
		"https://demo.firebaseio.com/rooms/a": "https://demo.firebaseio.com",
		"https://demo.firebaseio.com?ns=demo": "https://demo.firebaseio.com?ns=demo",
		"http://localhost:9000/users?ns=demo": "localhost:9000?ns=demo",
		"http://localhost:9000":               "localhost:9000",
	}
	for raw, want := range tests {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, want, databaseBase(u), raw)
	}
}
