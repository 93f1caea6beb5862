package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/gatestream/internal/gatestream"
	"github.com/danmuck/gatestream/internal/plugin"
	"github.com/danmuck/gatestream/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer() *Server {
	return New(Config{ID: "admin-test", Addr: "127.0.0.1:0"}, StatusFunc(func() []plugin.Status {
		return []plugin.Status{
			{Name: "front", Role: "frontend", State: "initialized", Upstream: &gatestream.UpstreamStats{Sent: 4, Acked: 3, InFlight: 1}},
			{Name: "back", Role: "backend", State: "initialized", Incoming: &gatestream.DownstreamStats{Received: 4}},
		}
	}))
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	testlog.Start(t)
	rr := get(t, testServer(), "/healthz")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "admin-test", body["service"])
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusListsPlugins(t *testing.T) {
	testlog.Start(t)
	s := testServer()
	rr := get(t, s, "/status")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Plugins []plugin.Status `json:"plugins"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Plugins, 2)
	require.NotNil(t, body.Plugins[0].Upstream)
	assert.Equal(t, 1, body.Plugins[0].Upstream.InFlight)

	rr = get(t, s, "/status/back")
	require.Equal(t, http.StatusOK, rr.Code)
	var one plugin.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &one))
	assert.Equal(t, uint64(4), one.Incoming.Received)

	rr = get(t, s, "/status/missing")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMetricsExposeHTTPRequests(t *testing.T) {
	testlog.Start(t)
	s := testServer()
	get(t, s, "/healthz")
	rr := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `gatestream_http_requests_total{method="GET",node="admin-test",path="/healthz",status="200"}`)
}

func TestStartAndShutdown(t *testing.T) {
	testlog.Start(t)
	s := New(Config{ID: "admin-live", Addr: "127.0.0.1:0"}, nil)
	addr, err := s.Start()
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/status")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `"plugins":[]`), string(body))

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestStatusRequiresToken(t *testing.T) {
	testlog.Start(t)
	s := New(Config{ID: "admin-auth", Addr: "127.0.0.1:0", Token: "s3cret"}, nil)

	rr := get(t, s, "/status")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, http.StatusOK, get(t, s, "/healthz").Code)
}
