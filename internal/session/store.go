// Package session persists the authenticated identity and its bearer
// credential, and notifies subscribers when it changes.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shipth-is/shipgo/internal/domain"
	"github.com/shipth-is/shipgo/internal/kv"
	"github.com/shipth-is/shipgo/pkg/crypto"
	"github.com/shipth-is/shipgo/pkg/jwt"
)

const key = "user_data"

// EventKind describes a session transition.
type EventKind int

const (
	// Authenticated fires when a session appears where there was none.
	Authenticated EventKind = iota + 1
	// Updated fires when the identity of an existing session is refreshed.
	Updated
	// Ended fires on logout or when the backend rejects the credential.
	Ended
)

func (k EventKind) String() string {
	switch k {
	case Authenticated:
		return "authenticated"
	case Updated:
		return "updated"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers. Session is nil for Ended.
type Event struct {
	Kind    EventKind
	Session *domain.Session
}

// Store is the single source of truth for the device session.
type Store struct {
	kv     kv.Store
	sealer *crypto.Sealer
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	current *domain.Session

	subMu  sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// Option configures a Store.
type Option func(*Store)

// WithSealer encrypts the blob at rest.
func WithSealer(s *crypto.Sealer) Option {
	return func(st *Store) { st.sealer = s }
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(st *Store) { st.now = now }
}

func New(store kv.Store, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		kv:     store,
		logger: logger.With("component", "session"),
		now:    time.Now,
		subs:   make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the persisted session into memory. An expired credential or an
// unreadable blob is discarded and reported as no session.
func (s *Store) Load(ctx context.Context) (*domain.Session, error) {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		s.set(nil)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	sess, err := s.decode(raw)
	if err != nil {
		s.logger.Warn("discarding unreadable session", "error", err)
		_ = s.kv.Delete(ctx, key)
		s.set(nil)
		return nil, nil
	}
	if !sess.Valid() || jwt.Expired(sess.JWT, s.now()) {
		s.logger.Info("stored session expired")
		_ = s.kv.Delete(ctx, key)
		s.set(nil)
		return nil, nil
	}
	s.set(sess)
	s.publish(Event{Kind: Authenticated, Session: sess})
	return sess, nil
}

// Current returns a copy of the in-memory session or nil.
func (s *Store) Current() *domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	cp := *s.current
	return &cp
}

// Token returns the bearer credential, or "" when signed out.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.JWT
}

// Save replaces the session wholesale.
func (s *Store) Save(ctx context.Context, sess domain.Session) error {
	if !sess.Valid() {
		return errors.New("session: credential is required")
	}
	raw, err := s.encode(&sess)
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	kind := Updated
	if s.Current() == nil {
		kind = Authenticated
	}
	s.set(&sess)
	s.publish(Event{Kind: kind, Session: &sess})
	return nil
}

// Clear removes the session from disk and memory.
func (s *Store) Clear(ctx context.Context) error {
	had := s.Current() != nil
	s.set(nil)
	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	if had {
		s.publish(Event{Kind: Ended})
	}
	return nil
}

// HandleUnauthorized is the API client's 401 hook.
func (s *Store) HandleUnauthorized() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Clear(ctx); err != nil {
		s.logger.Warn("clear session after 401", "error", err)
	}
}

// Subscribe returns a channel of session events. A slow subscriber loses
// its oldest undelivered events rather than blocking the store; the latest
// event always arrives.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 8)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) set(sess *domain.Session) {
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// only publish sends, and it holds subMu, so one receive makes room
		select {
		case old := <-ch:
			s.logger.Warn("session subscriber lagging", "dropped", old.Kind.String(), "event", ev.Kind.String())
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Store) encode(sess *domain.Session) ([]byte, error) {
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if s.sealer == nil {
		return raw, nil
	}
	return s.sealer.Seal(raw)
}

func (s *Store) decode(raw []byte) (*domain.Session, error) {
	if s.sealer != nil {
		plain, err := s.sealer.Open(raw)
		if err != nil {
			return nil, err
		}
		raw = plain
	}
	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}
