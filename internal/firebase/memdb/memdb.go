// Package memdb is an in-memory native client. It keeps the database tree
// and user accounts in process and pushes events to listeners as soon as a
// write lands, which makes it suitable for local serving and tests.
package memdb

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"firelink/internal/firebase"
)

// Options configures a Database.
type Options struct {
	// TokenSecret signs and verifies HS256 custom tokens and session tokens.
	// Custom token sign-in is refused when it is empty.
	TokenSecret []byte
	// RequireAuth denies database access while nobody is signed in.
	RequireAuth bool
	TokenTTL    time.Duration
	// HashCost is the bcrypt cost for stored passwords.
	HashCost int
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Database is one in-memory client: a tree, its subscriptions and its
// account store. All references derived from it share the signed in user.
type Database struct {
	opts    Options
	log     zerolog.Logger
	pushIDs *firebase.PushIDGenerator

	mu      sync.Mutex
	data    *tree
	subs    map[int]*subscription
	nextSub int
	url     string
	users   map[string]*user
	current *firebase.AuthData
}

// New creates an empty database.
func New(opts Options) *Database {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	return &Database{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "memdb").Logger(),
		pushIDs: firebase.NewPushIDGenerator(),
		data:    newTree(),
		subs:    make(map[int]*subscription),
		users:   make(map[string]*user),
	}
}

// Root returns a reference to the root of the database.
func (d *Database) Root() *Ref {
	return &Ref{db: d}
}

// Ref is a firebase.Reference into a Database.
type Ref struct {
	db *Database

	mu   sync.RWMutex
	segs []string
}

var _ firebase.Reference = (*Ref)(nil)

func (r *Ref) derive(segs []string) *Ref {
	return &Ref{db: r.db, segs: segs}
}

func (r *Ref) segments() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.segs...)
}

func (r *Ref) Key() string {
	segs := r.segments()
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

func (r *Ref) Path() string {
	return firebase.JoinPath(r.segments())
}

// Init records the database url and moves the reference to the path it
// carries.
func (r *Ref) Init(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return firebase.Errorf(firebase.CodeInvalidArgument, "malformed database url %q", rawURL)
	}
	segs := firebase.SplitPath(u.Path)
	if err := firebase.ValidatePath(segs); err != nil {
		return err
	}

	r.db.mu.Lock()
	r.db.url = (&url.URL{Scheme: u.Scheme, Host: u.Host}).String()
	r.db.mu.Unlock()

	r.mu.Lock()
	r.segs = segs
	r.mu.Unlock()
	return nil
}

// URL returns the database url recorded by the last Init.
func (d *Database) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

func (r *Ref) Child(path string) firebase.Reference {
	return r.derive(append(r.segments(), firebase.SplitPath(path)...))
}

func (r *Ref) Parent() firebase.Reference {
	segs := r.segments()
	if len(segs) == 0 {
		return r.derive(nil)
	}
	return r.derive(segs[:len(segs)-1])
}

func (r *Ref) Root() firebase.Reference {
	return r.derive(nil)
}

// access checks the location and the auth rule. Callers hold db.mu.
func (r *Ref) access(segs []string) error {
	if err := firebase.ValidatePath(segs); err != nil {
		return err
	}
	if r.db.opts.RequireAuth && r.db.current == nil {
		return firebase.Errorf(firebase.CodePermissionDenied, "permission denied at %s", firebase.JoinPath(segs))
	}
	return nil
}

func (r *Ref) Set(ctx context.Context, value json.RawMessage, priority *float64) error {
	segs := r.segments()
	d := r.db
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := r.access(segs); err != nil {
		return err
	}
	return d.writeLocked(segs, value, priority)
}

// Import replaces the whole database with data, a JSON export that may carry
// .priority entries. It ignores RequireAuth.
func (d *Database) Import(data json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeLocked(nil, data, nil)
}

func (d *Database) writeLocked(segs []string, value json.RawMessage, priority *float64) error {
	priorities := make(map[string]float64)
	v, err := decode(value, segs, priorities)
	if err != nil {
		return err
	}
	d.data.clearPriorities(segs)
	d.data.set(segs, v)
	for p, f := range priorities {
		d.data.priorities[p] = f
	}
	if priority != nil && v != nil {
		d.data.priorities[firebase.JoinPath(segs)] = *priority
	}
	d.publishLocked()
	return nil
}

func (r *Ref) SetPriority(ctx context.Context, priority float64) error {
	segs := r.segments()
	d := r.db
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := r.access(segs); err != nil {
		return err
	}
	if d.data.get(segs) == nil {
		return nil
	}
	d.data.priorities[firebase.JoinPath(segs)] = priority
	d.publishLocked()
	return nil
}

func (r *Ref) Remove(ctx context.Context) error {
	return r.Set(ctx, json.RawMessage("null"), nil)
}

func (r *Ref) Push(ctx context.Context) (firebase.Reference, error) {
	segs := r.segments()
	r.db.mu.Lock()
	err := r.access(segs)
	r.db.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.derive(append(segs, r.db.pushIDs.Next())), nil
}

func (r *Ref) Once(ctx context.Context, t firebase.EventType) (firebase.Snapshot, error) {
	if t != firebase.EventValue {
		return firebase.OnceFromListen(ctx, r, t)
	}
	segs := r.segments()
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if err := r.access(segs); err != nil {
		return firebase.Snapshot{}, err
	}
	return r.db.data.snapshot(segs), nil
}

func (r *Ref) Listen(ctx context.Context, types []firebase.EventType, sub firebase.Subscriber) error {
	segs := r.segments()
	d := r.db
	d.mu.Lock()
	if err := r.access(segs); err != nil {
		d.mu.Unlock()
		return err
	}
	s := newSubscription(segs, types, sub)
	id := d.nextSub
	d.nextSub++
	d.subs[id] = s
	s.prime(d.data)
	d.mu.Unlock()

	go func() {
		s.run(ctx)
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}()
	return nil
}

// Subscriptions reports how many listeners are attached.
func (d *Database) Subscriptions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// publishLocked queues the events caused by the last write. Callers hold
// d.mu.
func (d *Database) publishLocked() {
	for _, s := range d.subs {
		s.update(d.data)
	}
}

// revokeLocked cancels subscriptions that the auth rule no longer allows.
func (d *Database) revokeLocked() {
	if !d.opts.RequireAuth || d.current != nil {
		return
	}
	for id, s := range d.subs {
		s.cancel(firebase.Errorf(firebase.CodePermissionDenied, "permission denied at %s", firebase.JoinPath(s.segs)))
		delete(d.subs, id)
	}
}
