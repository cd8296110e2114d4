package stub

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"speakez/internal/chat"
	"speakez/internal/creds"
	"speakez/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Router 装配 Speakez REST 接口与频道 WebSocket 端点。
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(rateLimit(rate.Every(time.Second/50), 100))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/register/", s.handleRegister)
	r.POST("/login/", s.handleLogin)
	r.POST("/logout/", s.handleLogout)
	r.POST("/token-refresh/", s.handleTokenRefresh)

	authed := r.Group("", s.authMiddleware())
	authed.GET("/validate-session/", s.handleValidateSession)
	authed.GET("/messages/", s.handleListMessages)
	authed.GET("/server/select/", s.handleSelectServers)
	authed.GET("/server/category/", s.handleListCategories)

	r.GET("/:serverId/:channelId/", s.serveWS)
	return r
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := s.parseAccessToken(strings.TrimSpace(authz[len("Bearer "):]))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		u, ok := s.userByID(claims.UserID)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}
		c.Set("user", u)
		c.Next()
	}
}

func currentUser(c *gin.Context) *user {
	v, _ := c.Get("user")
	u, _ := v.(*user)
	return u
}

func (s *Server) handleRegister(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Username == "" {
		req.Username = req.Email
	}
	u, err := s.register(req.Email, req.Username, req.Password)
	if err != nil {
		if err == errEmailTaken {
			c.JSON(http.StatusConflict, gin.H{"error": "email taken"})
			return
		}
		log.Error().Err(err).Str("email", req.Email).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": u.id, "username": u.username})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	u, err := s.login(req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	at, err := s.mintAccessToken(u.id)
	if err != nil {
		log.Error().Err(err).Int64("user_id", u.id).Msg("mint access token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	rt, err := s.mintRefreshToken(u.id)
	if err != nil {
		log.Error().Err(err).Int64("user_id", u.id).Msg("mint refresh token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.Header("X-CSRFToken", newCSRFToken())
	c.SetCookie(creds.KeySessionID, uuid.NewString(), 0, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{
		"access_token":  at,
		"refresh_token": rt,
		"user":          gin.H{"id": u.id, "username": u.username, "email": u.email},
	})
}

func (s *Server) handleLogout(c *gin.Context) {
	if rt, err := c.Cookie(creds.KeyRefreshToken); err == nil && rt != "" {
		s.mu.Lock()
		delete(s.refresh, rt)
		s.mu.Unlock()
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) handleTokenRefresh(c *gin.Context) {
	rt, err := c.Cookie(creds.KeyRefreshToken)
	if err != nil || rt == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing refresh token"})
		return
	}
	userID, newRT, err := s.rotateRefreshToken(rt)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	at, err := s.mintAccessToken(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": at, "refresh_token": newRT})
}

func (s *Server) handleValidateSession(c *gin.Context) {
	u := currentUser(c)
	c.JSON(http.StatusOK, gin.H{"id": u.id, "username": u.username, "email": u.email})
}

func (s *Server) handleListMessages(c *gin.Context) {
	channelID := c.Query("channel_id")
	if channelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "channel_id query parameter is required."})
		return
	}
	c.JSON(http.StatusOK, s.channelMessages(channelID))
}

func (s *Server) handleSelectServers(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byID := c.Query("by_serverid"); byID != "" {
		id, err := strconv.ParseInt(byID, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid server id"})
			return
		}
		out := make([]chat.Server, 0, 1)
		for _, srv := range s.servers {
			if srv.ID == id {
				out = append(out, srv)
			}
		}
		c.JSON(http.StatusOK, out)
		return
	}
	category := c.Query("category")
	out := make([]chat.Server, 0, len(s.servers))
	for _, srv := range s.servers {
		if category == "" || srv.Category == category {
			out = append(out, srv)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleListCategories(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, s.categories)
}

func newCSRFToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
