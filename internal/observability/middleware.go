package observability

import (
	"strconv"
	"time"

	"github.com/danmuck/gatestream/internal/logproxy"
	"github.com/gin-gonic/gin"
)

// RequestLogger writes one http_request record per request through log. A
// nil proxy writes to the global logger.
func RequestLogger(log *logproxy.Proxy) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := logproxy.Info
		switch {
		case status >= 500:
			level = logproxy.Error
		case status >= 400:
			level = logproxy.Warn
		}
		log.Log(level, "http_request", map[string]string{
			"method":    c.Request.Method,
			"path":      routePath(c),
			"status":    strconv.Itoa(status),
			"duration":  time.Since(start).String(),
			"client_ip": c.ClientIP(),
			"bytes":     strconv.Itoa(c.Writer.Size()),
		})
	}
}

// RequestMetricsMiddleware records every request under server.
func RequestMetricsMiddleware(server string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		RecordHTTPRequest(server, c.Request.Method, routePath(c), c.Writer.Status(), time.Since(start))
	}
}

// routePath prefers the route pattern so /status/:plugin is one series.
func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}
