// Package admin serves the operator HTTP surface: health endpoints, shard
// state and Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vyrodovalexey/avacord/internal/bot"
	"github.com/vyrodovalexey/avacord/internal/health"
	"github.com/vyrodovalexey/avacord/internal/observability"
)

// HeaderRequestID carries the request id.
const HeaderRequestID = "X-Request-ID"

var ginModeOnce sync.Once

// ShardSource is the bot as seen by the admin server.
type ShardSource interface {
	Shards() []bot.ShardInfo
	Ready() bool
	Reconnect(id int) error
}

// Config holds server settings.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		Address:      ":9090",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the admin HTTP server.
type Server struct {
	cfg     Config
	engine  *gin.Engine
	src     ShardSource
	logger  observability.Logger
	metrics *observability.Metrics
	checker *health.Checker

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics serves /metrics from the registry of m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithChecker sets the readiness checker. The default checks only the
// shards.
func WithChecker(c *health.Checker) Option {
	return func(s *Server) {
		s.checker = c
	}
}

// NewServer builds the routes. Nothing listens until Start.
func NewServer(cfg Config, src ShardSource, opts ...Option) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		cfg:    cfg,
		engine: gin.New(),
		src:    src,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.checker == nil {
		s.checker = health.NewChecker("", health.WithLogger(s.logger))
		s.checker.Register("shards", health.ReadyCheck(src))
	}

	s.engine.Use(gin.Recovery(), s.requestID(), s.accessLog())
	s.checker.RegisterRoutes(s.engine)
	s.engine.GET("/shards", s.listShards)
	s.engine.GET("/shards/:id", s.getShard)
	s.engine.POST("/shards/:id/reconnect", s.reconnectShard)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	return s
}

// Handler returns the route handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return fmt.Errorf("admin server already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	s.logger.Info("starting admin server", observability.String("address", ln.Addr().String()))
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server error", observability.Error(err))
		}
	}(s.srv)
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.listener = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown admin server: %w", err)
	}
	s.logger.Info("admin server stopped")
	return nil
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(observability.ContextWithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithContext(c.Request.Context()).Debug("admin request",
			observability.String("method", c.Request.Method),
			observability.String("path", c.FullPath()),
			observability.Int("status", c.Writer.Status()),
			observability.Duration("duration", time.Since(start)),
		)
	}
}

func (s *Server) listShards(c *gin.Context) {
	infos := s.src.Shards()
	views := make([]shardView, 0, len(infos))
	for _, info := range infos {
		views = append(views, newShardView(info))
	}
	c.JSON(http.StatusOK, gin.H{"ready": s.src.Ready(), "shards": views})
}

func (s *Server) getShard(c *gin.Context) {
	id, ok := shardParam(c)
	if !ok {
		return
	}
	for _, info := range s.src.Shards() {
		if info.ShardID == id {
			c.JSON(http.StatusOK, newShardView(info))
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("shard %d not found", id)})
}

func (s *Server) reconnectShard(c *gin.Context) {
	id, ok := shardParam(c)
	if !ok {
		return
	}
	if err := s.src.Reconnect(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, bot.ErrUnknownShard) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	s.logger.WithContext(c.Request.Context()).Info("shard reconnect requested", observability.ShardID(id))
	c.JSON(http.StatusAccepted, gin.H{"shard_id": id})
}

func shardParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid shard id"})
		return 0, false
	}
	return id, true
}
