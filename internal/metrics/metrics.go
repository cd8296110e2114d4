package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TokenRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "speakez_token_refresh_total",
		Help: "Total number of access token refresh attempts by outcome",
	}, []string{"outcome"})
	WsReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "speakez_ws_reconnect_attempts_total",
		Help: "Total number of websocket reconnect attempts",
	})
	WsReconnectFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "speakez_ws_reconnect_failures_total",
		Help: "Total number of terminal websocket reconnect failures",
	})
	WsMessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "speakez_ws_messages_received_total",
		Help: "Total number of chat messages received over websocket",
	})
	WsMessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "speakez_ws_messages_sent_total",
		Help: "Total number of chat messages sent over websocket",
	})
	WsParseFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "speakez_ws_parse_failures_total",
		Help: "Total number of inbound websocket frames dropped as malformed",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		TokenRefreshTotal, WsReconnectAttempts, WsReconnectFailures,
		WsMessagesReceived, WsMessagesSent, WsParseFailures,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
