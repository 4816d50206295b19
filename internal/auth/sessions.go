package auth

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// DefaultSessionTimeout is the sliding-window session lifetime.
const DefaultSessionTimeout = time.Hour

type Session struct {
	Token        string
	Username     string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastAccessAt time.Time
}

// SessionStore is an in-memory token table with sliding expiration. Each
// successful validation extends the session by the full timeout.
type SessionStore struct {
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionStore(timeout time.Duration) *SessionStore {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	return &SessionStore{
		timeout:  timeout,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// SetClock overrides the store's clock for tests.
func (s *SessionStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Create issues a new cryptographically random token for the user and
// sweeps any expired sessions while it holds the lock.
func (s *SessionStore) Create(username string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sessions[token] = &Session{
		Token:        token,
		Username:     username,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.timeout),
		LastAccessAt: now,
	}
	s.sweepLocked(now)
	return token, nil
}

// Validate returns the session's username when the token is live, and
// slides the expiry forward. Expired tokens are deleted on sight.
func (s *SessionStore) Validate(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return "", false
	}
	now := s.now()
	if !now.Before(sess.ExpiresAt) {
		delete(s.sessions, token)
		return "", false
	}
	sess.LastAccessAt = now
	sess.ExpiresAt = now.Add(s.timeout)
	return sess.Username, true
}

// Destroy removes the token immediately. Returns whether it existed.
func (s *SessionStore) Destroy(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[token]; ok {
		delete(s.sessions, token)
		return true
	}
	return false
}

func (s *SessionStore) sweepLocked(now time.Time) {
	for token, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			delete(s.sessions, token)
		}
	}
}

// Len reports the number of live sessions (expired ones may linger until
// the next sweep).
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
