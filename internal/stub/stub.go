// Package stub is an in-process stand-in for the Speakez backend: the REST
// auth surface, message history, and the channel websocket. cmd/stubserver
// runs it standalone; the client packages test against it. State is held in
// memory only.
package stub

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"speakez/internal/chat"
	"speakez/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

type user struct {
	id           int64
	email        string
	username     string
	passwordHash string
}

type refreshRecord struct {
	userID    int64
	expiresAt time.Time
}

// Server 以内存状态模拟 Speakez 后端，供本地开发与客户端测试使用。
type Server struct {
	cfg config.Config

	mu         sync.Mutex
	usersByID  map[int64]*user
	users      map[string]*user          // keyed by email
	refresh    map[string]refreshRecord  // opaque refresh token -> owner
	messages   map[string][]chat.Message // keyed by channel id
	servers    []chat.Server
	categories []chat.Category

	nextUserID int64
	nextMsgID  int64
	hub        *hub
}

func NewServer(cfg config.Config) *Server {
	return &Server{
		cfg:       cfg,
		usersByID: make(map[int64]*user),
		users:     make(map[string]*user),
		refresh:   make(map[string]refreshRecord),
		messages:  make(map[string][]chat.Message),
		hub:       newHub(),
	}
}

var (
	errEmailTaken         = errors.New("email taken")
	errInvalidCredentials = errors.New("invalid credentials")
	errInvalidRefresh     = errors.New("invalid refresh token")
)

func (s *Server) register(email, username, password string) (*user, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; ok {
		return nil, errEmailTaken
	}
	s.nextUserID++
	u := &user{id: s.nextUserID, email: email, username: username, passwordHash: string(hash)}
	s.users[email] = u
	s.usersByID[u.id] = u
	return u, nil
}

func (s *Server) login(email, password string) (*user, error) {
	s.mu.Lock()
	u, ok := s.users[email]
	s.mu.Unlock()
	if !ok {
		return nil, errInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.passwordHash), []byte(password)) != nil {
		return nil, errInvalidCredentials
	}
	return u, nil
}

type accessClaims struct {
	UserID int64 `json:"uid"`
	jwt.RegisteredClaims
}

func (s *Server) mintAccessToken(userID int64) (string, error) {
	now := time.Now()
	claims := accessClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.cfg.AccessTokenTTLMinutes) * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
}

func (s *Server) parseAccessToken(tokenStr string) (*accessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &accessClaims{}, func(*jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*accessClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func (s *Server) mintRefreshToken(userID int64) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)
	exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	s.mu.Lock()
	s.refresh[token] = refreshRecord{userID: userID, expiresAt: exp}
	s.mu.Unlock()
	return token, nil
}

// rotateRefreshToken 验证旧 refresh token 并签发新 token 对（旋转刷新）。
func (s *Server) rotateRefreshToken(old string) (userID int64, newToken string, err error) {
	s.mu.Lock()
	rec, ok := s.refresh[old]
	if ok {
		delete(s.refresh, old)
	}
	s.mu.Unlock()
	if !ok || time.Now().After(rec.expiresAt) {
		return 0, "", errInvalidRefresh
	}
	newToken, err = s.mintRefreshToken(rec.userID)
	if err != nil {
		return 0, "", err
	}
	return rec.userID, newToken, nil
}

func (s *Server) userByID(id int64) (*user, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usersByID[id]
	return u, ok
}

func (s *Server) storeMessage(channelID, sender, content string) chat.Message {
	msg := chat.Message{
		ID:        atomic.AddInt64(&s.nextMsgID, 1),
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	s.mu.Lock()
	s.messages[channelID] = append(s.messages[channelID], msg)
	s.mu.Unlock()
	return msg
}

func (s *Server) channelMessages(channelID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.messages[channelID]))
	copy(out, s.messages[channelID])
	return out
}

// SeedMessage pre-populates channel history, for dev runs and tests.
func (s *Server) SeedMessage(channelID, sender, content string) chat.Message {
	return s.storeMessage(channelID, sender, content)
}

// SeedServer adds a server (with its channels) to the catalog.
func (s *Server) SeedServer(srv chat.Server) {
	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.mu.Unlock()
}

func (s *Server) SeedCategory(cat chat.Category) {
	s.mu.Lock()
	s.categories = append(s.categories, cat)
	s.mu.Unlock()
}
