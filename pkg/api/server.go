// Package api exposes a local HTTP control surface for a running
// engine: identity management, sending, and conversation inspection.
// It is meant to be bound to loopback; it carries no authentication of
// its own.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quietwire/quietwire/pkg/engine"
)

// Server is the HTTP API server wrapping one engine
type Server struct {
	eng        *engine.Engine
	router     *gin.Engine
	port       int
	logger     *slog.Logger
	httpServer *http.Server

	sendTimeout time.Duration
}

// Config holds server configuration
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// SendTimeout bounds how long a send request may block on a
	// pending handshake before the HTTP call gives up. The payload
	// stays queued either way.
	SendTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:         8484,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		SendTimeout:  15 * time.Second,
	}
}

// NewServer creates the HTTP API server for an engine
func NewServer(eng *engine.Engine, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		eng:         eng,
		router:      router,
		port:        config.Port,
		logger:      config.Logger,
		sendTimeout: config.SendTimeout,
	}

	router.Use(gin.Recovery())
	router.Use(s.loggingMiddleware())
	s.setupRoutes()
	return s
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		identities := v1.Group("/identities")
		{
			identities.GET("", s.handleListIdentities)
			identities.POST("", s.handleCreateIdentity)
			identities.GET("/:addr/sessions", s.handleListSessions)
			identities.GET("/:addr/outbox", s.handleOutboxDepth)
			identities.GET("/:addr/log/:peer", s.handleListLog)
			identities.POST("/:addr/archive", s.handleArchive)
		}
		v1.POST("/messages", s.handleSend)
	}

	s.router.GET("/health", s.handleHealth)
}

// Start runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Stop shuts the server down immediately
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
