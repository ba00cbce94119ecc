package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/goster/internal/app/service"
	inthttp "github.com/sifan077/goster/internal/http/handler"
	"github.com/sifan077/goster/internal/http/middleware"
	"github.com/sifan077/goster/internal/infra/prometheus"
	"github.com/sifan077/goster/internal/ratelimit"
	"go.uber.org/zap"
)

// multipart framing allowance on top of the upload limit
const bodyOverhead = 1 << 20

// Dependencies bundles the services and infrastructure the HTTP server needs.
type Dependencies struct {
	Logger         *zap.Logger
	Links          service.LinkService
	Videos         service.VideoService
	Limiter        *ratelimit.Limiter
	Metrics        *prometheus.Metrics
	Views          inthttp.ViewPublisher
	Checks         []inthttp.Check
	MaxUploadBytes int64
}

// Server wraps the Fiber application and its dependencies.
type Server struct {
	app  *fiber.App
	deps Dependencies
}

// New creates a new HTTP server instance with default routes.
func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		AppName:               "goster",
		BodyLimit:             int(deps.MaxUploadBytes) + bodyOverhead,
		ReadTimeout:           2 * time.Minute,
		ErrorHandler:          inthttp.ErrorHandler(deps.Logger),
		DisableStartupMessage: true,
	})

	s := &Server{
		app:  app,
		deps: deps,
	}

	s.registerMiddleware()
	s.registerRoutes()
	return s
}

// App exposes the underlying Fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the Fiber server on the given address.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the Fiber server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerMiddleware() {
	s.app.Use(middleware.Recovery(s.deps.Logger))
	s.app.Use(middleware.RequestID())
	s.app.Use(middleware.Logger(s.deps.Logger))
	s.app.Use(middleware.CORS())
	if s.deps.Limiter != nil {
		s.app.Use(middleware.RateLimit(s.deps.Limiter, s.deps.Metrics, s.deps.Logger))
	}
}

func (s *Server) registerRoutes() {
	inthttp.NewHealthHandler(s.deps.Logger, s.deps.Checks...).Register(s.app)

	inthttp.NewAPIHandler(inthttp.APIDeps{
		Logger:      s.deps.Logger,
		LinkService: s.deps.Links,
	}).Register(s.app)

	inthttp.NewVideoHandler(inthttp.VideoDeps{
		Logger:         s.deps.Logger,
		VideoService:   s.deps.Videos,
		MaxUploadBytes: s.deps.MaxUploadBytes,
		Views:          s.deps.Views,
	}).Register(s.app)
}
