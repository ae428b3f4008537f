package server

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/deploymate/deploymate/internal/domain"
)

const sessionCookie = "deploymate_session"

type session struct {
	User    domain.User
	Token   string
	Expires time.Time
}

// SessionStore holds authenticated sessions in memory, keyed by a random
// cookie ID. A restart logs everyone out, which is acceptable for an
// internal dashboard.
type SessionStore struct {
	mu  sync.RWMutex
	m   map[string]session
	ttl time.Duration
}

func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionStore{m: make(map[string]session), ttl: ttl}
}

func (s *SessionStore) Create(user domain.User, token string) string {
	id := randomID()
	s.mu.Lock()
	s.m[id] = session{User: user, Token: token, Expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return id
}

func (s *SessionStore) Get(id string) (session, bool) {
	s.mu.RLock()
	sess, ok := s.m[id]
	s.mu.RUnlock()
	if !ok {
		return session{}, false
	}
	if time.Now().After(sess.Expires) {
		s.Delete(id)
		return session{}, false
	}
	return sess, true
}

func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

func randomID() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
