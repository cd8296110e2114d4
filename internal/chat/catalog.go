package chat

import (
	"context"
	"net/url"
	"strings"

	"speakez/internal/transport"
)

// Channel 是服务器下的一个子频道，消息都发生在频道里。
type Channel struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Topic string `json:"topic"`
}

type Server struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Icon        string    `json:"icon"`
	Banner      string    `json:"banner"`
	Channels    []Channel `json:"channel_server"`
}

type Category struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Catalog exposes the server/channel navigation data. Media paths in the
// responses are resolved against the configured media base URL.
type Catalog struct {
	tc    *transport.Client
	media string
}

func NewCatalog(tc *transport.Client, mediaURL string) *Catalog {
	return &Catalog{tc: tc, media: strings.TrimRight(mediaURL, "/")}
}

// Servers lists servers, optionally filtered by category name.
func (c *Catalog) Servers(ctx context.Context, category string) ([]Server, error) {
	path := "/server/select/"
	if category != "" {
		path += "?category=" + url.QueryEscape(category)
	}
	var servers []Server
	if err := c.tc.Get(ctx, path, &servers); err != nil {
		return nil, err
	}
	for i := range servers {
		c.resolveMedia(&servers[i])
	}
	return servers, nil
}

// ServerByID fetches a single server with its channels.
func (c *Catalog) ServerByID(ctx context.Context, serverID string) (*Server, error) {
	var servers []Server
	if err := c.tc.Get(ctx, "/server/select/?by_serverid="+url.QueryEscape(serverID), &servers); err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return nil, &transport.APIError{Status: 404, Message: "server not found"}
	}
	c.resolveMedia(&servers[0])
	return &servers[0], nil
}

func (c *Catalog) Categories(ctx context.Context) ([]Category, error) {
	var cats []Category
	if err := c.tc.Get(ctx, "/server/category/", &cats); err != nil {
		return nil, err
	}
	return cats, nil
}

func (c *Catalog) resolveMedia(s *Server) {
	s.Icon = c.mediaURL(s.Icon)
	s.Banner = c.mediaURL(s.Banner)
}

// mediaURL rewrites the backend's relative media paths to absolute URLs.
// Absolute URLs and empty fields pass through untouched.
func (c *Catalog) mediaURL(p string) string {
	if p == "" || c.media == "" || strings.Contains(p, "://") {
		return p
	}
	return c.media + "/" + strings.TrimLeft(p, "/")
}
