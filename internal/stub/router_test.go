package stub

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"speakez/internal/chat"
	"speakez/internal/config"
	"speakez/internal/creds"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func testConfig() config.Config {
	return config.Config{
		Env:                   "dev",
		JWTSecret:             "test-secret",
		AccessTokenTTLMinutes: 15,
		RefreshTokenTTLDays:   7,
	}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := NewServer(testConfig())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

type loginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

func registerAndLogin(t *testing.T, ts *httptest.Server) (loginResponse, *http.Response) {
	t.Helper()
	resp := postJSON(t, ts.URL+"/register/", map[string]string{
		"email": "a@b.com", "username": "alice", "password": "x",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/login/", map[string]string{"email": "a@b.com", "password": "x"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return out, resp
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestLogin_IssuesFullCredentialSet(t *testing.T) {
	_, ts := newTestServer(t)
	out, resp := registerAndLogin(t, ts)

	if out.AccessToken == "" || out.RefreshToken == "" {
		t.Error("login response missing tokens")
	}
	if out.User.Username != "alice" {
		t.Errorf("user.username = %q, want alice", out.User.Username)
	}
	if resp.Header.Get("X-CSRFToken") == "" {
		t.Error("login response missing X-CSRFToken header")
	}
	var gotSession bool
	for _, ck := range resp.Cookies() {
		if ck.Name == creds.KeySessionID && ck.Value != "" {
			gotSession = true
		}
	}
	if !gotSession {
		t.Error("login response missing sessionid cookie")
	}
}

func TestValidateSession(t *testing.T) {
	_, ts := newTestServer(t)
	out, _ := registerAndLogin(t, ts)

	tests := []struct {
		name       string
		authz      string
		wantStatus int
	}{
		{"valid bearer", "Bearer " + out.AccessToken, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"garbage token", "Bearer garbage", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+"/validate-session/", nil)
			if tt.authz != "" {
				req.Header.Set("Authorization", tt.authz)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestTokenRefresh_Rotation(t *testing.T) {
	_, ts := newTestServer(t)
	out, _ := registerAndLogin(t, ts)

	refresh := func(token string) (*http.Response, loginResponse) {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/token-refresh/", nil)
		req.AddCookie(&http.Cookie{Name: creds.KeyRefreshToken, Value: token})
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("refresh request: %v", err)
		}
		defer resp.Body.Close()
		var body loginResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return resp, body
	}

	resp, body := refresh(out.RefreshToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200", resp.StatusCode)
	}
	if body.AccessToken == "" || body.RefreshToken == "" {
		t.Error("refresh response missing rotated tokens")
	}

	// The old refresh token is revoked by rotation.
	resp, _ = refresh(out.RefreshToken)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("reused refresh token status = %d, want 401", resp.StatusCode)
	}

	// The rotated token still works.
	resp, _ = refresh(body.RefreshToken)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("rotated refresh token status = %d, want 200", resp.StatusCode)
	}
}

func TestListMessages(t *testing.T) {
	srv, ts := newTestServer(t)
	out, _ := registerAndLogin(t, ts)
	srv.SeedMessage("5", "alice", "hello")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/messages/?channel_id=5", nil)
	req.Header.Set("Authorization", "Bearer "+out.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	var msgs []chat.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" || msgs[0].Sender != "alice" {
		t.Errorf("messages = %+v, want the seeded one", msgs)
	}

	// channel_id is required.
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/messages/", nil)
	req.Header.Set("Authorization", "Bearer "+out.AccessToken)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("missing channel_id status = %d, want 400", resp2.StatusCode)
	}
}

func TestSelectServers(t *testing.T) {
	srv, ts := newTestServer(t)
	out, _ := registerAndLogin(t, ts)
	srv.SeedServer(chat.Server{ID: 1, Name: "one", Category: "gaming"})
	srv.SeedServer(chat.Server{ID: 2, Name: "two", Category: "music"})

	get := func(path string) []chat.Server {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+path, nil)
		req.Header.Set("Authorization", "Bearer "+out.AccessToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		defer resp.Body.Close()
		var servers []chat.Server
		_ = json.NewDecoder(resp.Body).Decode(&servers)
		return servers
	}

	if servers := get("/server/select/"); len(servers) != 2 {
		t.Errorf("unfiltered servers = %d, want 2", len(servers))
	}
	if servers := get("/server/select/?category=music"); len(servers) != 1 || servers[0].ID != 2 {
		t.Errorf("category filter = %+v, want server 2", servers)
	}
	if servers := get("/server/select/?by_serverid=1"); len(servers) != 1 || servers[0].ID != 1 {
		t.Errorf("by_serverid filter = %+v, want server 1", servers)
	}
}

func wsDial(t *testing.T, ts *httptest.Server, path string) (*websocket.Conn, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	return conn, err
}

func TestWS_Broadcast(t *testing.T) {
	_, ts := newTestServer(t)
	out, _ := registerAndLogin(t, ts)

	conn, err := wsDial(t, ts, "/2/5/?token="+out.AccessToken)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "message", "message": "hi there"}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg chat.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if msg.Content != "hi there" || msg.Sender != "alice" || msg.ID == 0 {
		t.Errorf("broadcast = %+v, want id/sender/content populated", msg)
	}
}

func TestWS_InvalidTokenClosesWith4001(t *testing.T) {
	_, ts := newTestServer(t)

	conn, err := wsDial(t, ts, "/2/5/?token=garbage")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, chat.CloseAuthFailed) {
		t.Errorf("read error = %v, want close code %d", err, chat.CloseAuthFailed)
	}
}
