package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"dmsync/config"
	"dmsync/internal/handler"
	"dmsync/internal/middleware"
	"dmsync/internal/redis"
	"dmsync/internal/services"
	"dmsync/internal/transport/httpdto"
	"dmsync/pkg/logger"

	"github.com/gin-gonic/gin"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

const shutdownTimeout = 5 * time.Second

type Handlers struct {
	Messages  *handler.MessageHandler
	WebSocket *WebSocketHandler
}

// RouteOptions carries optional collaborators for SetupRoutes.
type RouteOptions struct {
	// RateLimiter enables the per-user connection limit on the socket route.
	RateLimiter *redis.RateLimiter
	// Health reports backing store health; nil means always healthy.
	Health func(ctx context.Context) error
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.AppMode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.AppPort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
		config: cfg,
		logger: l,
	}
}

// Engine exposes the router, mainly for httptest.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) SetupRoutes(handlers *Handlers, authService *services.AuthService, opts RouteOptions) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})

	s.engine.GET("/health", func(c *gin.Context) {
		if opts.Health != nil {
			if err := opts.Health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(err.Error(), "UNHEALTHY"))
				return
			}
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"status": "healthy"}))
	})

	auth := middleware.AuthMiddleware(authService)

	s.engine.GET("/messages/conversation/:userId/:otherUserId", auth, handlers.Messages.Conversation)

	v1 := s.engine.Group("/v1", auth)
	{
		v1.GET("/messages/conversation/:userId/:otherUserId", handlers.Messages.Conversation)
		v1.GET("/conversations", handlers.Messages.Peers)

		if opts.RateLimiter != nil {
			v1.GET("/ws", middleware.WebSocketRateLimitMiddleware(opts.RateLimiter), handlers.WebSocket.Handle)
		} else {
			v1.GET("/ws", handlers.WebSocket.Handle)
		}
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if s.logger != nil {
			s.logger.Infof("Starting the server on port %s...", s.config.AppPort)
		}
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			if s.logger != nil {
				s.logger.Errorf("Error in starting the server: %s", err)
			}
			return err
		}
		return nil
	case <-ctx.Done():
	}

	if s.logger != nil {
		s.logger.Infof("Shutting down the server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		if s.logger != nil {
			s.logger.Errorf("Error in the graceful shutdown of the server: %s", err)
		}
		return err
	}

	if s.logger != nil {
		s.logger.Infof("Server stopped gracefully")
	}
	return nil
}
