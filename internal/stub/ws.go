package stub

import (
	"encoding/json"
	"net/http"
	"time"

	"speakez/internal/chat"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	hub      *channelHub
	conn     *websocket.Conn
	send     chan []byte
	username string
}

type inboundFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// serveWS 处理频道 WebSocket：先升级，再校验 ?token=，
// 无效 token 以 4001 关闭（沿用 Django 中间件的行为）。
func (s *Server) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	claims, err := s.parseAccessToken(c.Query("token"))
	var u *user
	if err == nil {
		var ok bool
		if u, ok = s.userByID(claims.UserID); !ok {
			err = errInvalidCredentials
		}
	}
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(chat.CloseAuthFailed, "authentication failed"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	channelID := c.Param("channelId")
	key := c.Param("serverId") + "/" + channelID
	ch := s.hub.get(key)
	cl := &client{hub: ch, conn: conn, send: make(chan []byte, 256), username: u.username}
	ch.register <- cl

	go cl.writePump()
	s.readPump(cl, channelID)
}

func (s *Server) readPump(cl *client, channelID string) {
	defer func() {
		cl.hub.unregister <- cl
		_ = cl.conn.Close()
	}()
	cl.conn.SetReadLimit(1 << 20)
	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil || in.Type != "message" || in.Message == "" {
			continue
		}
		msg := s.storeMessage(channelID, cl.username, in.Message)
		b, err := json.Marshal(msg)
		if err != nil {
			log.Error().Err(err).Msg("marshal outbound message")
			continue
		}
		cl.hub.broadcast <- b
	}
}

func (cl *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = cl.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
