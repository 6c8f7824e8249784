package api

import (
	"context"
	"net/http"

	"example.com/backstage/services/forwarder/config"
	"example.com/backstage/services/forwarder/internal/api/handlers"
	"example.com/backstage/services/forwarder/internal/api/middleware"
	"example.com/backstage/services/forwarder/internal/messaging"
	"example.com/backstage/services/forwarder/internal/metrics"
	"example.com/backstage/services/forwarder/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server is the HTTP intake.
type Server struct {
	address    string
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a new HTTP server delivering events to sink.
func NewServer(cfg config.ServerConfig, sink messaging.Handler, m *metrics.Metrics, tracer tracing.Tracer) *Server {
	if tracer == nil {
		tracer = tracing.Disabled()
	}

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger())
	if app := tracer.Application(); app != nil {
		router.Use(middleware.NewRelic(app))
	}

	handlers.NewEventsHandler(sink, tracer).RegisterRoutes(router)
	handlers.NewMetricsHandler(m, tracer).RegisterRoutes(router)

	return &Server{
		address: cfg.Address,
		router:  router,
		httpServer: &http.Server{
			Addr:    cfg.Address,
			Handler: router,
		},
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("address", s.address).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
