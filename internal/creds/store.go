package creds

import (
	"sync"
	"time"
)

// Credential keys mirror the cookie names used by the Speakez backend.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyCSRFToken    = "csrftoken"
	KeySessionID    = "sessionid"
)

type entry struct {
	value   string
	expires time.Time // zero means session-scoped, no expiry
}

// Store 保存带过期时间的凭证键值，供 transport 与 session 共用。
// All methods are safe for concurrent use.
type Store struct {
	mu sync.Mutex
	m  map[string]entry

	now func() time.Time
}

func NewStore() *Store {
	return &Store{m: make(map[string]entry), now: time.Now}
}

// Get returns the stored value. Expired entries read as absent.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok {
		return "", false
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.m, key)
		return "", false
	}
	return e.value, true
}

// Set stores value until expires. A zero expires keeps the value for the
// lifetime of the store (session-scoped, as for the CSRF token).
func (s *Store) Set(key, value string, expires time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = entry{value: value, expires: expires}
}

func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// ClearAuth 在一次加锁内移除全部四个凭证键。
// Logout and irrecoverable auth failures go through here, never through
// individual Remove calls.
func (s *Store) ClearAuth() {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, KeyAccessToken)
	delete(s.m, KeyRefreshToken)
	delete(s.m, KeyCSRFToken)
	delete(s.m, KeySessionID)
}
