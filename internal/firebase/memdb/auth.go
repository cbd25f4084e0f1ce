package memdb

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"firelink/internal/firebase"
)

type user struct {
	uid   string
	email string
	hash  []byte
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return "", firebase.Errorf(firebase.CodeInvalidArgument, "invalid email %q", email)
	}
	return email, nil
}

func (d *Database) hashCost() int {
	if d.opts.HashCost == 0 {
		return bcrypt.DefaultCost
	}
	return d.opts.HashCost
}

// CustomToken mints a token accepted by AuthWithCustomToken.
func (d *Database) CustomToken(uid string, claims map[string]any) (string, error) {
	if len(d.opts.TokenSecret) == 0 {
		return "", firebase.Errorf(firebase.CodePermissionDenied, "custom tokens are disabled")
	}
	mc := jwt.MapClaims{"uid": uid, "iat": d.opts.Now().Unix()}
	for k, v := range claims {
		mc[k] = v
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(d.opts.TokenSecret)
}

// CurrentUser returns the signed in user, if any.
func (d *Database) CurrentUser() *firebase.AuthData {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return nil
	}
	cp := *d.current
	return &cp
}

func (r *Ref) AuthWithCustomToken(ctx context.Context, token string) (*firebase.AuthData, error) {
	d := r.db
	if len(d.opts.TokenSecret) == 0 {
		return nil, firebase.Errorf(firebase.CodePermissionDenied, "custom tokens are disabled")
	}
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return d.opts.TokenSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(d.opts.Now))
	if err != nil {
		return nil, firebase.Errorf(firebase.CodeInvalidToken, "invalid custom token: %v", err)
	}
	claims, _ := parsed.Claims.(jwt.MapClaims)
	uid := tokenUID(claims)
	if uid == "" {
		return nil, firebase.Errorf(firebase.CodeInvalidToken, "custom token carries no uid")
	}
	return d.signIn(uid, "custom")
}

// tokenUID reads the uid from the "uid" claim, the "d.uid" claim used by
// legacy tokens, or the subject.
func tokenUID(claims jwt.MapClaims) string {
	if uid, ok := claims["uid"].(string); ok && uid != "" {
		return uid
	}
	if data, ok := claims["d"].(map[string]any); ok {
		if uid, ok := data["uid"].(string); ok && uid != "" {
			return uid
		}
	}
	sub, _ := claims.GetSubject()
	return sub
}

func (r *Ref) AuthAnonymously(ctx context.Context) (*firebase.AuthData, error) {
	return r.db.signIn(uuid.NewString(), "anonymous")
}

// AuthWithOAuthToken trusts the credentials and derives a stable uid from
// them.
func (r *Ref) AuthWithOAuthToken(ctx context.Context, provider, credentials string) (*firebase.AuthData, error) {
	if provider == "" || credentials == "" {
		return nil, firebase.Errorf(firebase.CodeInvalidArgument, "provider and credentials are required")
	}
	uid := uuid.NewSHA1(uuid.NameSpaceURL, []byte(provider+":"+credentials)).String()
	return r.db.signIn(uid, provider)
}

func (r *Ref) AuthWithPassword(ctx context.Context, email, password string) (*firebase.AuthData, error) {
	d := r.db
	d.mu.Lock()
	u, err := d.checkPasswordLocked(email, password)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return d.signIn(u.uid, "password")
}

func (r *Ref) Unauth(ctx context.Context) error {
	d := r.db
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil {
		d.log.Info().Str("uid", d.current.UID).Msg("signed out")
	}
	d.current = nil
	d.revokeLocked()
	return nil
}

func (r *Ref) CreateUser(ctx context.Context, email, password string) (string, error) {
	d := r.db
	email, err := normalizeEmail(email)
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", firebase.Errorf(firebase.CodeInvalidArgument, "password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.hashCost())
	if err != nil {
		return "", firebase.Errorf(firebase.CodeInvalidArgument, "cannot hash password: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[email]; ok {
		return "", firebase.Errorf(firebase.CodeAlreadyExists, "user %s already exists", email)
	}
	u := &user{uid: uuid.NewString(), email: email, hash: hash}
	d.users[email] = u
	d.log.Info().Str("uid", u.uid).Msg("user created")
	return u.uid, nil
}

func (r *Ref) ChangeEmail(ctx context.Context, oldEmail, password, newEmail string) error {
	d := r.db
	newEmail, err := normalizeEmail(newEmail)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	u, err := d.checkPasswordLocked(oldEmail, password)
	if err != nil {
		return err
	}
	if u.email == newEmail {
		return nil
	}
	if _, ok := d.users[newEmail]; ok {
		return firebase.Errorf(firebase.CodeAlreadyExists, "user %s already exists", newEmail)
	}
	delete(d.users, u.email)
	u.email = newEmail
	d.users[newEmail] = u
	return nil
}

func (r *Ref) ChangePassword(ctx context.Context, newPassword, email, oldPassword string) error {
	d := r.db
	if newPassword == "" {
		return firebase.Errorf(firebase.CodeInvalidArgument, "password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), d.hashCost())
	if err != nil {
		return firebase.Errorf(firebase.CodeInvalidArgument, "cannot hash password: %v", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	u, err := d.checkPasswordLocked(email, oldPassword)
	if err != nil {
		return err
	}
	u.hash = hash
	return nil
}

func (r *Ref) RemoveUser(ctx context.Context, email, password string) error {
	d := r.db
	d.mu.Lock()
	defer d.mu.Unlock()
	u, err := d.checkPasswordLocked(email, password)
	if err != nil {
		return err
	}
	delete(d.users, u.email)
	d.log.Info().Str("uid", u.uid).Msg("user removed")
	return nil
}

// ResetPassword has no mail transport; it only checks the account exists.
func (r *Ref) ResetPassword(ctx context.Context, email string) error {
	d := r.db
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[email]
	if !ok {
		return firebase.Errorf(firebase.CodeNotFound, "no user with email %s", email)
	}
	d.log.Info().Str("uid", u.uid).Msg("password reset requested")
	return nil
}

func (d *Database) checkPasswordLocked(email, password string) (*user, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	u, ok := d.users[email]
	if !ok {
		return nil, firebase.Errorf(firebase.CodeInvalidCredentials, "invalid email or password")
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, firebase.Errorf(firebase.CodeInvalidCredentials, "invalid email or password")
		}
		return nil, firebase.Errorf(firebase.CodeUnknown, "cannot verify password: %v", err)
	}
	return u, nil
}

func (d *Database) signIn(uid, provider string) (*firebase.AuthData, error) {
	now := d.opts.Now()
	expires := now.Add(d.opts.TokenTTL)
	token, err := d.sessionToken(uid, provider, now, expires)
	if err != nil {
		return nil, err
	}
	data := &firebase.AuthData{UID: uid, Provider: provider, Token: token, Expires: expires.Unix()}

	d.mu.Lock()
	d.current = data
	d.mu.Unlock()
	d.log.Info().Str("uid", uid).Str("provider", provider).Msg("signed in")
	cp := *data
	return &cp, nil
}

func (d *Database) sessionToken(uid, provider string, now, expires time.Time) (string, error) {
	if len(d.opts.TokenSecret) == 0 {
		return uuid.NewString(), nil
	}
	claims := jwt.MapClaims{
		"sub":      uid,
		"provider": provider,
		"iat":      now.Unix(),
		"exp":      expires.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.opts.TokenSecret)
	if err != nil {
		return "", firebase.Errorf(firebase.CodeUnknown, "cannot sign session token: %v", err)
	}
	return token, nil
}
