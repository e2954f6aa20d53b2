// Package httpserver is the diagnostics server: Prometheus metrics, cache
// statistics and an image preview endpoint that runs the full pipeline.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/feedimages/internal/buildinfo"
	"github.com/tphakala/feedimages/internal/diskcache"
	"github.com/tphakala/feedimages/internal/imagepipeline"
	"github.com/tphakala/feedimages/internal/logger"
	"github.com/tphakala/feedimages/internal/observability"
)

const (
	defaultListen   = "127.0.0.1:8089"
	shutdownTimeout = 10 * time.Second
	previewTimeout  = 30 * time.Second
)

// Pipeline is the part of *imagepipeline.Service the server uses.
type Pipeline interface {
	Stats(ctx context.Context) (imagepipeline.Stats, error)
	Fetch(ctx context.Context, url string, w, h int, scale float64) (imagepipeline.Result, error)
	MarkViewed(url string) error
	IsViewed(url string) bool
	ClearImages() error
}

// DiskInspector reports on the persistent cache. *diskcache.Store satisfies it.
type DiskInspector interface {
	Stats() (diskcache.Stats, error)
	Recent(limit int) ([]diskcache.ImageRecord, error)
}

// Server wraps an echo instance serving diagnostics routes.
type Server struct {
	echo     *echo.Echo
	listen   string
	pipeline Pipeline
	disk     DiskInspector
	metrics  *observability.Metrics
	build    buildinfo.BuildInfo
	log      logger.Logger

	startTime time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithDisk enables the disk statistics routes.
func WithDisk(d DiskInspector) Option {
	return func(s *Server) { s.disk = d }
}

// WithMetrics serves /metrics and records request metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithBuildInfo sets the version reported by /health.
func WithBuildInfo(b buildinfo.BuildInfo) Option {
	return func(s *Server) { s.build = b }
}

// WithLogger overrides the module logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a server for pipeline listening on listen.
func New(listen string, pipeline Pipeline, opts ...Option) (*Server, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("httpserver: pipeline is required")
	}
	if listen == "" {
		listen = defaultListen
	}

	s := &Server{
		listen:    listen,
		pipeline:  pipeline,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().Module("httpserver")
	}
	if s.build == nil {
		s.build = &buildinfo.Context{}
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = 15 * time.Second
	s.echo.Server.WriteTimeout = previewTimeout + 5*time.Second

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(newRequestLogger(s.log))
	if s.metrics != nil {
		s.echo.Use(newMetricsMiddleware(s.metrics))
	}
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/stats", s.stats)
	s.echo.GET("/preview", s.preview)
	s.echo.GET("/viewed", s.isViewed)
	s.echo.POST("/viewed", s.markViewed)
	s.echo.DELETE("/cache/images", s.clearImages)

	if s.disk != nil {
		s.echo.GET("/recent", s.recent)
	}
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("diagnostics server listening", logger.String("address", s.listen))
		if err := s.echo.Start(s.listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return <-errCh
}
