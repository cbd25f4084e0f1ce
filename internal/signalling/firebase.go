package signalling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"firelink/internal/config"
	"firelink/internal/firebase"
	"firelink/pkg/utils"
)

const sessionsPath = "sessions"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNoOffer         = errors.New("session has no offer")
	ErrAnswerTimeout   = errors.New("timeout waiting for answer")
)

// Session is the record stored under sessions/<code>. Only vanilla ICE is
// supported: offer and answer carry every candidate.
type Session struct {
	ID        string `json:"sessionId"`
	Offer     string `json:"offer"`
	Answer    string `json:"answer"`
	CreatedAt int64  `json:"createdAt"`
}

// SessionStore keeps signalling sessions in a Firebase database.
type SessionStore struct {
	ref firebase.Reference
	ttl time.Duration
	log zerolog.Logger
	now func() time.Time
}

// NewSessionStore stores sessions below root/sessions. A session without an
// answer after ttl is deleted.
func NewSessionStore(root firebase.Reference, ttl time.Duration, log zerolog.Logger) *SessionStore {
	return &SessionStore{
		ref: root.Child(sessionsPath),
		ttl: ttl,
		log: log,
		now: time.Now,
	}
}

// NewFirebaseSessionStore connects to the configured database with admin
// access.
func NewFirebaseSessionStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*SessionStore, error) {
	root, err := firebase.NewAdminClient(ctx, firebase.AdminOptions{
		DatabaseURL:     cfg.Firebase.DatabaseURL,
		ProjectID:       cfg.Firebase.ProjectID,
		CredentialsPath: cfg.Firebase.CredentialsPath,
		AdminAccess:     true,
		PollInterval:    cfg.Firebase.PollInterval,
		Logger:          log,
	})
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase client: %w", err)
	}
	return NewSessionStore(root, cfg.WebRTC.SessionTTL, log), nil
}

func (s *SessionStore) CreateSession(ctx context.Context, offer string) (string, error) {
	// the code is shown to the user and doubles as the session id
	code, err := utils.GenerateCode(utils.CodeLength)
	if err != nil {
		return "", fmt.Errorf("error generating session code: %w", err)
	}

	data, err := json.Marshal(Session{
		ID:        code,
		Offer:     offer,
		CreatedAt: s.now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	if err := s.ref.Child(code).Set(ctx, data, nil); err != nil {
		return "", fmt.Errorf("error creating session: %w", err)
	}

	s.log.Debug().Str("session", code).Msg("session created")
	return code, nil
}

func (s *SessionStore) get(ctx context.Context, code string) (Session, error) {
	if !utils.IsValidCode(code) {
		return Session{}, fmt.Errorf("%w: invalid code %q", ErrSessionNotFound, code)
	}
	snap, err := s.ref.Child(code).Once(ctx, firebase.EventValue)
	if err != nil {
		return Session{}, fmt.Errorf("error fetching session %s: %w", code, err)
	}
	if !snap.Exists() {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, code)
	}
	var session Session
	if err := json.Unmarshal(snap.Value, &session); err != nil {
		return Session{}, fmt.Errorf("malformed session %s: %w", code, err)
	}
	if session.ID == "" {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, code)
	}
	return session, nil
}

func (s *SessionStore) GetOffer(ctx context.Context, code string) (string, error) {
	session, err := s.get(ctx, code)
	if err != nil {
		return "", err
	}
	if session.Offer == "" {
		return "", fmt.Errorf("%w: %s", ErrNoOffer, code)
	}
	return session.Offer, nil
}

func (s *SessionStore) UpdateAnswer(ctx context.Context, code, answer string) error {
	if _, err := s.get(ctx, code); err != nil {
		return err
	}
	data, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	if err := s.ref.Child(code).Child("answer").Set(ctx, data, nil); err != nil {
		return fmt.Errorf("error updating answer for session %s: %w", code, err)
	}
	return nil
}

// WaitForAnswer blocks until the answer of session code is written. The
// session is deleted when no answer arrives within the store's TTL.
func (s *SessionStore) WaitForAnswer(ctx context.Context, code string) (string, error) {
	if _, err := s.get(ctx, code); err != nil {
		return "", err
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.ttl)
	defer cancel()

	type result struct {
		answer string
		err    error
	}
	results := make(chan result, 1)
	deliver := func(r result) {
		select {
		case results <- r:
		default:
		}
	}
	sub := firebase.SubscriberFuncs{
		Event: func(ev firebase.Event) {
			var answer string
			if !ev.Snapshot.Exists() || json.Unmarshal(ev.Snapshot.Value, &answer) != nil || answer == "" {
				return
			}
			deliver(result{answer: answer})
		},
		Cancelled: func(err *firebase.Error) {
			deliver(result{err: err})
		},
	}
	if err := s.ref.Child(code).Child("answer").Listen(waitCtx, []firebase.EventType{firebase.EventValue}, sub); err != nil {
		return "", fmt.Errorf("error watching session %s: %w", code, err)
	}

	s.log.Info().Str("session", code).Msg("waiting for peer to answer")
	select {
	case r := <-results:
		if r.err != nil {
			return "", fmt.Errorf("error watching session %s: %w", code, r.err)
		}
		return r.answer, nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err := s.DeleteSession(context.WithoutCancel(ctx), code); err != nil {
			return "", fmt.Errorf("error deleting session: %w", err)
		}
		return "", ErrAnswerTimeout
	}
}

// DeleteSession removes session code. Missing sessions are not an error.
func (s *SessionStore) DeleteSession(ctx context.Context, code string) error {
	if err := s.ref.Child(code).Remove(ctx); err != nil {
		return fmt.Errorf("error deleting session %s: %w", code, err)
	}
	return nil
}
