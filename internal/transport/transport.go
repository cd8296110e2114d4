package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"speakez/internal/creds"
	"speakez/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Documented credential lifetimes. The server is authoritative for the real
// expiry; these bound how long the client keeps a token around.
const (
	AccessTokenTTL  = 15 * time.Minute
	RefreshTokenTTL = 7 * 24 * time.Hour
)

const (
	refreshPath = "/token-refresh/"
	logoutPath  = "/logout/"
)

// APIError 表示服务端返回的非 2xx 响应。
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Message)
}

// Client 是带凭证的 HTTP 客户端：自动附加 Bearer/CSRF，
// 收到 401 时做一次 refresh 并重试原请求。
type Client struct {
	base  *url.URL
	hc    *http.Client
	creds *creds.Store
}

func New(baseURL string, store *creds.Store) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &Client{
		base:  u,
		hc:    &http.Client{Timeout: 30 * time.Second},
		creds: store,
	}, nil
}

func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out, false)
}

func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out, false)
}

// Do issues one request against the API base URL. body is JSON-encoded when
// non-nil; out is JSON-decoded from a 2xx response when non-nil.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	return c.do(ctx, method, path, body, out, false)
}

// tokenEnvelope picks token fields out of any response body that carries them.
type tokenEnvelope struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, retried bool) error {
	rel, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("parse path %q: %w", path, err)
	}
	target := c.base.ResolveReference(rel)

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.attachCredentials(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	c.harvestCredentials(resp, data)
	if strings.Contains(path, logoutPath) {
		// Logout clears the whole credential group no matter what the
		// response carried.
		c.creds.ClearAuth()
	}

	if resp.StatusCode == http.StatusUnauthorized && !retried {
		if err := c.refresh(ctx); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("token refresh failed")
			c.creds.ClearAuth()
			return apiError(resp.StatusCode, data)
		}
		// Retry exactly once with the refreshed bearer token.
		return c.do(ctx, method, path, body, out, true)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.creds.ClearAuth()
		}
		return apiError(resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

// refresh mints a new access token from the stored refresh cookie. Calls
// through do with retried=true so a failing refresh can never trigger a
// second refresh.
func (c *Client) refresh(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, refreshPath, nil, nil, true)
	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues("failure").Inc()
		return err
	}
	metrics.TokenRefreshTotal.WithLabelValues("success").Inc()
	return nil
}

// Refresh 供 token 监控器主动刷新 access token。
func (c *Client) Refresh(ctx context.Context) error {
	return c.refresh(ctx)
}

// attachCredentials adds bearer/CSRF headers and stored credential cookies,
// mirroring the browser withCredentials behaviour.
func (c *Client) attachCredentials(req *http.Request) {
	if at, ok := c.creds.Get(creds.KeyAccessToken); ok {
		req.Header.Set("Authorization", "Bearer "+at)
	}
	if csrf, ok := c.creds.Get(creds.KeyCSRFToken); ok {
		req.Header.Set("X-CSRFToken", csrf)
	}
	for _, key := range []string{creds.KeyAccessToken, creds.KeyRefreshToken, creds.KeyCSRFToken, creds.KeySessionID} {
		if v, ok := c.creds.Get(key); ok {
			req.AddCookie(&http.Cookie{Name: key, Value: v})
		}
	}
}

// harvestCredentials stores any token material the response carried.
// Last write wins; overlapping refreshes are tolerated by design of the store.
func (c *Client) harvestCredentials(resp *http.Response, data []byte) {
	if csrf := resp.Header.Get("X-CSRFToken"); csrf != "" {
		c.creds.Set(creds.KeyCSRFToken, csrf, time.Time{})
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == creds.KeySessionID {
			c.creds.Set(creds.KeySessionID, ck.Value, time.Time{})
		}
	}
	if len(data) == 0 {
		return
	}
	var env tokenEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	now := time.Now()
	if env.AccessToken != "" {
		c.creds.Set(creds.KeyAccessToken, env.AccessToken, now.Add(AccessTokenTTL))
	}
	if env.RefreshToken != "" {
		c.creds.Set(creds.KeyRefreshToken, env.RefreshToken, now.Add(RefreshTokenTTL))
	}
}

func apiError(status int, data []byte) error {
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	msg := "something went wrong"
	if err := json.Unmarshal(data, &body); err == nil {
		switch {
		case body.Error != "":
			msg = body.Error
		case body.Detail != "":
			msg = body.Detail
		}
	}
	return &APIError{Status: status, Message: msg}
}
