package redenergy

import (
	"sync"
	"time"
)

// token is the bearer state produced by a login or refresh.
type token struct {
	accessToken  string
	refreshToken string
	expiry       time.Time
}

// valid reports whether the access token can be used at now.
func (t token) valid(now time.Time) bool {
	return t.accessToken != "" && now.Before(t.expiry)
}

// session owns the token. set and clear are the only mutations.
type session struct {
	mu  sync.RWMutex
	tok token
}

func (s *session) set(t token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = t
}

func (s *session) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = token{}
}

func (s *session) snapshot() token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tok
}
