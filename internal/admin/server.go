// Package admin serves health, metrics and link status over HTTP.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/gatestream/internal/auth"
	"github.com/danmuck/gatestream/internal/logproxy"
	"github.com/danmuck/gatestream/internal/observability"
	"github.com/danmuck/gatestream/internal/plugin"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "0.1.0"

// StatusSource reports the plugins hosted by this process.
type StatusSource interface {
	Statuses() []plugin.Status
}

// StatusFunc adapts a function to StatusSource.
type StatusFunc func() []plugin.Status

func (f StatusFunc) Statuses() []plugin.Status {
	return f()
}

type Config struct {
	ID          string
	Addr        string
	CorsOrigins []string
	// Token, when set, is required as a bearer token on /status.
	Token string
	Log   *logproxy.Proxy
}

type Server struct {
	ID       string
	Addr     string
	Appeared time.Time

	router *gin.Engine
	log    *logproxy.Proxy
	token  string
	source StatusSource
	http   *http.Server
}

func New(cfg Config, source StatusSource) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(cfg.Log))
	r.Use(observability.RequestMetricsMiddleware(cfg.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:       cfg.ID,
		Addr:     cfg.Addr,
		Appeared: time.Now(),
		router:   r,
		log:      cfg.Log,
		token:    cfg.Token,
		source:   source,
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	status := s.router.Group("/status")
	if s.token != "" {
		status.Use(auth.Middleware(auth.StaticToken{Token: s.token}))
	}
	status.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"plugins": s.statuses()})
	})

	status.GET("/:plugin", func(c *gin.Context) {
		name := c.Param("plugin")
		for _, st := range s.statuses() {
			if st.Name == name {
				c.JSON(http.StatusOK, st)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "plugin not found"})
	})
}

func (s *Server) statuses() []plugin.Status {
	if s.source == nil {
		return []plugin.Status{}
	}
	return s.source.Statuses()
}

// Start listens on Addr and serves in the background. The bound address is
// returned so ":0" can be used.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return "", err
	}
	s.http = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("admin.Server.Start id=%s err=%v", s.ID, err)
		}
	}()
	s.log.Infof("admin.Server.Start id=%s addr=%s", s.ID, ln.Addr())
	return ln.Addr().String(), nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
