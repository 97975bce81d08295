// Package http provides the administrative HTTP API for copilotd.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/randallgann/chat-copilot/internal/configstore"
	"github.com/randallgann/chat-copilot/internal/resource"
)

// CollectionAdmin is the slice of the vector store gateway the admin
// endpoints need. Satisfied by *qdrant.Client.
type CollectionAdmin interface {
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// ConfigWriter persists tenant configuration. Satisfied by
// *configstore.Store.
type ConfigWriter interface {
	Upsert(ctx context.Context, cfg *configstore.TenantConfig) error
}

// Config holds HTTP server configuration.
type Config struct {
	Port            int
	ShutdownTimeout time.Duration
}

// Server exposes the resource and collection administration endpoints.
type Server struct {
	echo        *echo.Echo
	manager     *resource.Manager
	configs     ConfigWriter
	collections CollectionAdmin
	logger      *zap.Logger
	config      Config
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(manager *resource.Manager, configs ConfigWriter, collections CollectionAdmin, logger *zap.Logger, cfg Config) (*Server, error) {
	if manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Port == 0 {
		cfg.Port = 8180
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:        e,
		manager:     manager,
		configs:     configs,
		collections: collections,
		logger:      logger.Named("http"),
		config:      cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.GET("/resource", s.handleSnapshot)
	s.echo.GET("/resource/:userID", s.handleGetResource)
	s.echo.GET("/resource/:userID/:contextID", s.handleGetResource)
	s.echo.POST("/resource/create", s.handleCreateResource)
	s.echo.DELETE("/resource", s.handleClearAll)
	s.echo.DELETE("/resource/:userID", s.handleReleaseResource)

	s.echo.GET("/collections", s.handleListCollections)
	s.echo.DELETE("/collections/:userID", s.handleDeleteCollections)
}

// Start runs the server until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", s.config.Port)
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

// Handler returns the underlying http.Handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
