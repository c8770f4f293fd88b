// Package api is the HTTP surface: sign-in, graph reads and edits,
// generation triggers and the progress stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edeng23/beyond-meet/backend/internal/identity"
	"github.com/edeng23/beyond-meet/backend/internal/ingest"
	"github.com/edeng23/beyond-meet/backend/internal/metrics"
	"github.com/edeng23/beyond-meet/backend/internal/progress"
	"github.com/edeng23/beyond-meet/backend/internal/session"
	"github.com/edeng23/beyond-meet/backend/pkg/logger"
)

// Authenticator exchanges sign-in codes
type Authenticator interface {
	Exchange(ctx context.Context, code, redirectURI string) (*identity.Identity, session.Credential, error)
}

// Sessions is the session cache
type Sessions interface {
	Store(ctx context.Context, userID string, s *session.Session, ttl time.Duration) error
	Get(ctx context.Context, userID string) (*session.Session, error)
	Remove(ctx context.Context, userID string) error
}

// Generator runs ingestions
type Generator interface {
	Run(ctx context.Context, userID string) (*ingest.Result, error)
	Start(ctx context.Context, userID string) (string, error)
	IsRunning(userID string) bool
}

// Deps wires a Server
type Deps struct {
	Auth      Authenticator
	Sessions  Sessions
	Generator Generator
	Store     ingest.GraphStore
	Progress  *progress.Hub
	Metrics   *metrics.Collector

	AllowedOrigins []string
	SessionTTL     time.Duration
}

// Server holds the handlers' collaborators
type Server struct {
	deps   Deps
	logger *zap.Logger
}

// NewServer creates a server
func NewServer(deps Deps) *Server {
	return &Server{deps: deps, logger: logger.Get()}
}

// Router builds the gin engine with every route mounted
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginLogger(s.logger))
	router.Use(gin.Recovery())
	router.Use(cors(s.deps.AllowedOrigins))
	if s.deps.Metrics != nil {
		router.Use(observe(s.deps.Metrics))
		router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/auth_code", s.handleAuthCode)
		api.POST("/logout", s.handleLogout)
		api.GET("/graph", s.handleGetGraph)
		api.POST("/graph", s.handleGenerate)
		api.GET("/graph/progress", s.handleProgress)
		api.PUT("/graph/node/:id", s.handleUpdateNode)
	}
	return router
}

// ginLogger is a custom logger middleware for Gin
func ginLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info("HTTP Request",
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// cors allows credentialed requests from the configured origins. A "*"
// entry allows any origin.
func cors(allowed []string) gin.HandlerFunc {
	origins := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		origins[o] = struct{}{}
	}
	_, wildcard := origins["*"]

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if _, ok := origins[origin]; origin != "" && (ok || wildcard) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func observe(m *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveHTTP(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
