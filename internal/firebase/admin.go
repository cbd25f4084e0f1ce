package firebase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	gofirebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"firebase.google.com/go/v4/db"
	"github.com/rs/zerolog"
	"google.golang.org/api/identitytoolkit/v3"
	"google.golang.org/api/option"
)

// AdminOptions configures a client backed by the Firebase Admin SDK.
type AdminOptions struct {
	// DatabaseURL is optional; a reference can be pointed at a database
	// later with Init.
	DatabaseURL     string
	ProjectID       string
	CredentialsPath string
	// APIKey enables the sign-in operations, which go through the Identity
	// Toolkit API like a client SDK would.
	APIKey string
	// AdminAccess keeps administrative database access while nobody is
	// signed in. Otherwise requests run unauthenticated.
	AdminAccess  bool
	PollInterval time.Duration
	// ClientOptions are appended after the credentials option.
	ClientOptions []option.ClientOption
	Logger        zerolog.Logger
}

// adminSession is the state shared by all references of one admin client.
type adminSession struct {
	opts    AdminOptions
	log     zerolog.Logger
	pushIDs *PushIDGenerator

	mu       sync.RWMutex
	baseURL  string
	override *map[string]interface{}
	db       *db.Client
	auth     *auth.Client
	toolkit  *identitytoolkit.Service
}

// AdminRef is a Reference backed by the Firebase Admin SDK.
type AdminRef struct {
	s *adminSession

	mu   sync.RWMutex
	segs []string
}

// NewAdminClient creates a native client and returns a reference to the root
// of its database.
func NewAdminClient(ctx context.Context, opts AdminOptions) (*AdminRef, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	s := &adminSession{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "firebase-admin").Logger(),
		pushIDs: NewPushIDGenerator(),
	}
	s.override = s.signedOutOverride()

	ref := &AdminRef{s: s}
	if opts.DatabaseURL != "" {
		if err := ref.Init(ctx, opts.DatabaseURL); err != nil {
			return nil, err
		}
	}
	return ref, nil
}

func (s *adminSession) clientOptions() []option.ClientOption {
	var opts []option.ClientOption
	if s.opts.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(s.opts.CredentialsPath))
	}
	return append(opts, s.opts.ClientOptions...)
}

func (s *adminSession) signedOutOverride() *map[string]interface{} {
	if s.opts.AdminAccess {
		return nil
	}
	// a nil map is sent as a null override, i.e. unauthenticated
	var unauthenticated map[string]interface{}
	return &unauthenticated
}

// connect rebuilds the database client for the current url and override.
// Callers hold s.mu.
func (s *adminSession) connect(ctx context.Context) error {
	if s.baseURL == "" {
		return ErrNotInitialized
	}
	app, err := gofirebase.NewApp(ctx, &gofirebase.Config{
		DatabaseURL:  s.baseURL,
		ProjectID:    s.opts.ProjectID,
		AuthOverride: s.override,
	}, s.clientOptions()...)
	if err != nil {
		return fmt.Errorf("error initializing Firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return fmt.Errorf("error getting database client: %w", err)
	}
	s.db = client
	return nil
}

func (s *adminSession) database() (*db.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

func (s *adminSession) authClient(ctx context.Context) (*auth.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auth != nil {
		return s.auth, nil
	}
	app, err := gofirebase.NewApp(ctx, &gofirebase.Config{ProjectID: s.opts.ProjectID}, s.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting auth client: %w", err)
	}
	s.auth = client
	return client, nil
}

func (s *adminSession) identityToolkit(ctx context.Context) (*identitytoolkit.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.toolkit != nil {
		return s.toolkit, nil
	}
	if s.opts.APIKey == "" {
		return nil, Errorf(CodePermissionDenied, "sign-in requires a web API key")
	}
	svc, err := identitytoolkit.NewService(ctx, option.WithAPIKey(s.opts.APIKey))
	if err != nil {
		return nil, fmt.Errorf("error creating identity toolkit service: %w", err)
	}
	s.toolkit = svc
	return svc, nil
}

func (r *AdminRef) derive(segs []string) *AdminRef {
	return &AdminRef{s: r.s, segs: segs}
}

func (r *AdminRef) segments() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.segs...)
}

func (r *AdminRef) Key() string {
	segs := r.segments()
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

func (r *AdminRef) Path() string {
	return JoinPath(r.segments())
}

// Init points the client at the database named by rawURL and this reference
// at the path it carries. Every reference of the client then talks to the
// new database.
func (r *AdminRef) Init(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Errorf(CodeInvalidArgument, "malformed database url %q", rawURL)
	}
	segs := SplitPath(u.Path)
	if err := ValidatePath(segs); err != nil {
		return err
	}
	base := databaseBase(u)

	r.s.mu.Lock()
	if base != r.s.baseURL || r.s.db == nil {
		prev := r.s.baseURL
		r.s.baseURL = base
		if err := r.s.connect(ctx); err != nil {
			r.s.baseURL = prev
			r.s.mu.Unlock()
			return err
		}
		r.s.log.Info().Str("url", base).Msg("database client initialized")
	}
	r.s.mu.Unlock()

	r.mu.Lock()
	r.segs = segs
	r.mu.Unlock()
	return nil
}

// databaseBase strips the path from u. A plain http url names an emulator,
// which the SDK expects as host:port?ns=<namespace>.
func databaseBase(u *url.URL) string {
	if u.Scheme == "http" {
		if u.RawQuery == "" {
			return u.Host
		}
		return u.Host + "?" + u.RawQuery
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, RawQuery: u.RawQuery}).String()
}

func (r *AdminRef) Child(path string) Reference {
	return r.derive(append(r.segments(), SplitPath(path)...))
}

func (r *AdminRef) Parent() Reference {
	segs := r.segments()
	if len(segs) == 0 {
		return r.derive(nil)
	}
	return r.derive(segs[:len(segs)-1])
}

func (r *AdminRef) Root() Reference {
	return r.derive(nil)
}

func (r *AdminRef) dbRef() (*db.Ref, error) {
	segs := r.segments()
	if err := ValidatePath(segs); err != nil {
		return nil, err
	}
	client, err := r.s.database()
	if err != nil {
		return nil, err
	}
	return client.NewRef(JoinPath(segs)), nil
}

func (r *AdminRef) Set(ctx context.Context, value json.RawMessage, priority *float64) error {
	if !json.Valid(value) {
		return Errorf(CodeInvalidArgument, "value is not valid JSON")
	}
	ref, err := r.dbRef()
	if err != nil {
		return err
	}
	body := value
	if priority != nil {
		if body, err = WithPriority(value, *priority); err != nil {
			return Errorf(CodeInvalidArgument, "cannot attach priority: %v", err)
		}
	}
	return translate(ref.Set(ctx, body))
}

func (r *AdminRef) SetPriority(ctx context.Context, priority float64) error {
	ref, err := r.dbRef()
	if err != nil {
		return err
	}
	err = ref.Transaction(ctx, func(node db.TransactionNode) (interface{}, error) {
		var current json.RawMessage
		if err := node.Unmarshal(&current); err != nil {
			return nil, err
		}
		if len(current) == 0 {
			current = json.RawMessage("null")
		}
		return WithPriority(current, priority)
	})
	return translate(err)
}

func (r *AdminRef) Remove(ctx context.Context) error {
	ref, err := r.dbRef()
	if err != nil {
		return err
	}
	return translate(ref.Delete(ctx))
}

// Push returns a reference to a new child with a generated key. Nothing is
// written until a value is set on it.
func (r *AdminRef) Push(ctx context.Context) (Reference, error) {
	if _, err := r.s.database(); err != nil {
		return nil, err
	}
	return r.derive(append(r.segments(), r.s.pushIDs.Next())), nil
}

func (r *AdminRef) Once(ctx context.Context, t EventType) (Snapshot, error) {
	if t != EventValue {
		return OnceFromListen(ctx, r, t)
	}
	ref, err := r.dbRef()
	if err != nil {
		return Snapshot{}, err
	}
	var raw json.RawMessage
	if err := ref.Get(ctx, &raw); err != nil {
		return Snapshot{}, translate(err)
	}
	return Snapshot{Key: ref.Key, Value: normalizeValue(raw)}, nil
}

// Listen polls the location and turns observed changes into events. The
// Admin SDK has no streaming API, so changes are detected with ETags.
func (r *AdminRef) Listen(ctx context.Context, types []EventType, sub Subscriber) error {
	if _, err := r.dbRef(); err != nil {
		return err
	}
	w := &adminWatcher{
		ref:      r,
		segs:     r.segments(),
		types:    types,
		sub:      sub,
		interval: r.s.opts.PollInterval,
		log:      r.s.log.With().Str("path", r.Path()).Logger(),
	}
	go w.run(ctx)
	return nil
}

func normalizeValue(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
