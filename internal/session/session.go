package session

import (
	"context"
	"errors"
	"sync"

	"speakez/internal/transport"

	"github.com/rs/zerolog/log"
)

// State 是会话状态机的四个状态，error 与 loading 独立于状态保存。
type State int

const (
	LoggedOut State = iota
	LoggingIn
	LoggedIn
	LoggingOut
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged_out"
	case LoggingIn:
		return "logging_in"
	case LoggedIn:
		return "logged_in"
	case LoggingOut:
		return "logging_out"
	}
	return "unknown"
}

// UserProfile is the authenticated user as returned by /validate-session/.
type UserProfile struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

const genericLoginError = "an error occurred during login"

// Session 持有登录状态与当前用户，操作建立在 transport 之上。
// Navigation is an injected callback; the UI layer owns the routes.
type Session struct {
	tc       *transport.Client
	navigate func(route string)

	mu      sync.Mutex
	state   State
	user    *UserProfile
	errMsg  string
	loading bool
}

func New(tc *transport.Client, navigate func(route string)) *Session {
	if navigate == nil {
		navigate = func(string) {}
	}
	return &Session{tc: tc, navigate: navigate, state: LoggedOut}
}

// Login 登录并拉取用户信息；两步都成功才进入 LoggedIn。
// The loading flag is cleared on every exit path.
func (s *Session) Login(ctx context.Context, email, password string) error {
	s.mu.Lock()
	s.state = LoggingIn
	s.loading = true
	s.errMsg = ""
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
	}()

	err := s.tc.Post(ctx, "/login/", map[string]string{"email": email, "password": password}, nil)
	if err == nil {
		var user UserProfile
		if err = s.tc.Get(ctx, "/validate-session/", &user); err == nil {
			s.mu.Lock()
			s.state = LoggedIn
			s.user = &user
			s.mu.Unlock()
			s.navigate("/")
			return nil
		}
	}

	msg := genericLoginError
	var apiErr *transport.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		msg = apiErr.Message
	}
	s.mu.Lock()
	s.state = LoggedOut
	s.user = nil
	s.errMsg = msg
	s.mu.Unlock()
	log.Warn().Err(err).Str("email", email).Msg("login failed")
	return err
}

// Logout 调用服务端登出（transport 会清空凭证），本地状态无条件落回 LoggedOut。
func (s *Session) Logout(ctx context.Context) {
	s.mu.Lock()
	s.state = LoggingOut
	s.loading = true
	s.mu.Unlock()

	if err := s.tc.Post(ctx, "/logout/", nil, nil); err != nil {
		// Server-side logout failing never blocks the local transition.
		log.Warn().Err(err).Msg("logout request failed")
	}

	s.mu.Lock()
	s.state = LoggedOut
	s.user = nil
	s.errMsg = ""
	s.loading = false
	s.mu.Unlock()
	s.navigate("/login")
}

// ValidateSession 拉取当前用户。失败不向调用方抛错，只落回未登录态。
func (s *Session) ValidateSession(ctx context.Context) bool {
	var user UserProfile
	if err := s.tc.Get(ctx, "/validate-session/", &user); err != nil {
		log.Debug().Err(err).Msg("validate session failed")
		s.mu.Lock()
		s.state = LoggedOut
		s.user = nil
		s.mu.Unlock()
		return false
	}
	s.mu.Lock()
	s.state = LoggedIn
	s.user = &user
	s.mu.Unlock()
	return true
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsLoggedIn() bool {
	return s.State() == LoggedIn
}

func (s *Session) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// User returns a copy of the current user, or nil when logged out.
func (s *Session) User() *UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}
