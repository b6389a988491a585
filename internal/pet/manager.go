package pet

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/iri/internal/responder"
	"github.com/ashureev/iri/internal/sentiment"
)

// DefaultSessionTTL is how long a session may sit idle before the sweeper
// closes it.
const DefaultSessionTTL = 60 * time.Minute

const defaultSweepInterval = time.Minute

// Manager creates sessions lazily and tracks them by Key.
type Manager struct {
	classifier sentiment.Classifier
	responder  responder.Responder
	opts       Options

	mu       sync.Mutex
	sessions map[Key]*Session
	closed   bool
}

// NewManager returns a Manager whose sessions share the given collaborators.
func NewManager(classifier sentiment.Classifier, resp responder.Responder, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		classifier: classifier,
		responder:  resp,
		opts:       opts,
		sessions:   make(map[Key]*Session),
	}
}

// Get returns the session for key, starting one if needed.
func (m *Manager) Get(key Key) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.sessions[key]; ok {
		return s, nil
	}
	s := NewSession(key, m.classifier, m.responder, m.opts)
	m.sessions[key] = s
	m.opts.Logger.Info("Pet session started", "user_id", key.UserID, "session_id", key.SessionID)
	return s, nil
}

// Lookup returns the session for key without creating one.
func (m *Manager) Lookup(key Key) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Submit records text in the session for key. A session swept between
// lookup and submit is replaced once.
func (m *Manager) Submit(ctx context.Context, key Key, text string) (Utterance, Snapshot, error) {
	for attempt := 0; ; attempt++ {
		s, err := m.Get(key)
		if err != nil {
			return Utterance{}, Snapshot{}, err
		}
		utt, snap, err := s.Submit(ctx, text)
		if errors.Is(err, ErrClosed) && attempt == 0 {
			m.forget(key, s)
			continue
		}
		return utt, snap, err
	}
}

// Snapshot returns the state of the session for key, starting one if
// needed.
func (m *Manager) Snapshot(ctx context.Context, key Key) (Snapshot, error) {
	for attempt := 0; ; attempt++ {
		s, err := m.Get(key)
		if err != nil {
			return Snapshot{}, err
		}
		snap, err := s.Snapshot(ctx)
		if errors.Is(err, ErrClosed) && attempt == 0 {
			m.forget(key, s)
			continue
		}
		return snap, err
	}
}

// Reset ends the session for key and starts a fresh one. The replacement
// is registered before the old session closes, so subscribers that see
// their channel close can find it with Lookup.
func (m *Manager) Reset(ctx context.Context, key Key) (Snapshot, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	old, ok := m.sessions[key]
	fresh := NewSession(key, m.classifier, m.responder, m.opts)
	m.sessions[key] = fresh
	m.mu.Unlock()

	if ok {
		old.Close()
		m.opts.Logger.Info("Pet session reset", "user_id", key.UserID, "session_id", key.SessionID)
	}
	return m.Snapshot(ctx, key)
}

// CloseIdle closes every session idle for longer than ttl and returns how
// many were closed.
func (m *Manager) CloseIdle(ttl time.Duration) int {
	now := time.Now()
	if m.opts.Now != nil {
		now = m.opts.Now()
	}

	m.mu.Lock()
	var expired []*Session
	for key, s := range m.sessions {
		if now.Sub(s.LastActive()) > ttl {
			expired = append(expired, s)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.Close()
	}
	return len(expired)
}

// CloseUser closes every session belonging to userID.
func (m *Manager) CloseUser(userID string) int {
	m.mu.Lock()
	var matched []*Session
	for key, s := range m.sessions {
		if key.UserID == userID {
			matched = append(matched, s)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, s := range matched {
		s.Close()
	}
	return len(matched)
}

// Close closes every session. Later Get calls fail with ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for key, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(s)
	}
	wg.Wait()
}

func (m *Manager) forget(key Key, s *Session) {
	m.mu.Lock()
	if m.sessions[key] == s {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
}

// SweepHook runs after every sweep, on the sweeper goroutine.
type SweepHook func(ctx context.Context)

// StartSweeper runs a background goroutine that closes sessions idle for
// longer than ttl, checking every interval, until ctx is done.
func StartSweeper(ctx context.Context, m *Manager, ttl, interval time.Duration, onSweep SweepHook) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Pet session sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				if closed := m.CloseIdle(ttl); closed > 0 {
					slog.Info("Pet session sweeper closed idle sessions", "count", closed, "remaining", m.Len())
				}
				if onSweep != nil {
					onSweep(ctx)
				}
			case <-ctx.Done():
				slog.Info("Pet session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
