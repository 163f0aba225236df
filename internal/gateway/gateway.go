// Package gateway is the HTTP surface: REST endpoints over the store, the
// auth endpoints, and the WebSocket upgrade into the notification hub.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gridshare/gridshare/internal/auth"
	"github.com/gridshare/gridshare/internal/cache"
	"github.com/gridshare/gridshare/internal/hub"
	"github.com/gridshare/gridshare/internal/matching"
	"github.com/gridshare/gridshare/internal/store"
	"github.com/gridshare/gridshare/pkg/messaging"
)

// Config holds the HTTP server settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// Server wires the REST handlers, the matching engine and the hub behind one
// gin router.
type Server struct {
	router      *gin.Engine
	store       store.Store
	auth        *auth.Service
	engine      *matching.Engine
	hub         *hub.Hub
	bus         messaging.Bus
	stats       *cache.Stats
	logger      *zap.Logger
	rateLimiter *rateLimiter
	http        *http.Server
}

func NewServer(cfg Config, st store.Store, authSvc *auth.Service, engine *matching.Engine, h *hub.Hub, bus messaging.Bus, stats *cache.Stats, logger *zap.Logger) *Server {
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		router: gin.New(),
		store:  st,
		auth:   authSvc,
		engine: engine,
		hub:    h,
		bus:    bus,
		stats:  stats,
		logger: logger,
		rateLimiter: &rateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
	}
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.rateLimitMiddleware())

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	{
		api.POST("/auth/register", s.register)
		api.POST("/auth/login", s.login)

		api.GET("/users/:id", s.getUser)

		api.GET("/providers", s.listProviders)
		api.POST("/providers", s.createProvider)
		api.GET("/providers/user/:userId", s.listProvidersByUser)
		api.PUT("/providers/:id/energy", s.updateProviderEnergy)

		api.GET("/requests", s.listPendingRequests)
		api.POST("/requests", s.createRequest)
		api.GET("/requests/user/:userId", s.listRequestsByUser)

		api.GET("/transactions/user/:userId", s.listTransactionsByUser)
		api.GET("/transactions/recent", s.listRecentTransactions)
		api.GET("/transactions/recent/:limit", s.listRecentTransactions)

		api.GET("/community/stats", s.getCommunityStats)
	}
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// WebSocket

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and hands it to the hub. Identity
// is bound afterwards by the client's auth message.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.hub.Register(conn)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"clients": s.hub.ClientCount(),
	})
}

// rateLimiter is a sliding-window counter per client IP.
type rateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func (rl *rateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	valid := rl.requests[key][:0]
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}
