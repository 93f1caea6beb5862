package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/gatestream/internal/logproxy"
	"github.com/danmuck/gatestream/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareLogsAndCounts(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	var buf bytes.Buffer
	sink := logproxy.NewSink(zerolog.New(&buf), logproxy.Trace, 8)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(sink.Proxy("admin", logproxy.Trace)))
	r.Use(RequestMetricsMiddleware("mw-test"))
	r.GET("/status/:plugin", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	for _, path := range []string{"/status/a", "/status/b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	sink.Close()

	out := buf.String()
	assert.Contains(t, out, `"message":"http_request"`)
	assert.Contains(t, out, `"path":"/status/:plugin"`)
	assert.Contains(t, out, `"status":"404"`)
	assert.Contains(t, out, `"level":"warn"`)
	assert.Equal(t, 2.0, testutil.ToFloat64(httpRequests.WithLabelValues("mw-test", "GET", "/status/:plugin", "404")))
}
