package mgmt

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/beluga-cat/internal/health"
	"github.com/p-blackswan/beluga-cat/internal/requestid"
)

// DefaultListenAddr is used when ServerConfig.ListenAddr is empty.
const DefaultListenAddr = ":8090"

// ServerConfig holds configuration for the ops API server.
type ServerConfig struct {
	ListenAddr string
	AuthConfig AuthConfig

	// RateLimit caps API requests per client IP per minute. Zero disables it.
	RateLimit int
}

// Server is the ops API Fiber application.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config ServerConfig
}

// NewServer creates and configures a new ops API server. metrics may be nil.
func NewServer(
	cfg ServerConfig,
	sessions Sessions,
	checker *health.Checker,
	metrics http.Handler,
	logger zerolog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		UnescapePath:          true,
	})

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "mgmt_server").Logger(),
		config: cfg,
	}

	s.setupMiddleware(cfg)
	s.setupRoutes(NewHandlers(sessions, checker, logger), metrics)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(func(c *fiber.Ctx) error {
		ctx, reqID := requestid.Ensure(c.UserContext(), c.Get(requestid.Header))
		c.SetUserContext(ctx)
		c.Set(requestid.Header, reqID)
		return c.Next()
	})

	if cfg.RateLimit > 0 {
		s.app.Use(limiter.New(limiter.Config{
			Next:       func(c *fiber.Ctx) bool { return isProbe(c.Path()) },
			Max:        cfg.RateLimit,
			Expiration: time.Minute,
			LimitReached: func(c *fiber.Ctx) error {
				return problemResponse(c, fiber.StatusTooManyRequests,
					"rate_limited", "Too Many Requests",
					"Rate limit exceeded")
			},
		}))
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, s.logger))

	// Audit every non-probe request
	s.app.Use(func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}
		requestid.Logger(c.UserContext(), s.logger).Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("ip", c.IP()).
			Msg("ops api request")
		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers, metrics http.Handler) {
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)

	if metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(metrics))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	v1 := s.app.Group("/api/v1")
	v1.Get("/sessions", h.ListSessions)
	v1.Post("/sessions/:id/reset", h.ResetSession)
	v1.Delete("/sessions/:id", h.EndSession)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = DefaultListenAddr
	}
	s.logger.Info().Str("addr", addr).Msg("ops API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info().Msg("ops API server shutting down")
	return s.app.ShutdownWithTimeout(timeout)
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		errType, title, detail := "internal_error", "Internal Server Error", "An internal error occurred"
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			errType, title, detail = "http_error", http.StatusText(code), fe.Message
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		return problemResponse(c, code, errType, title, detail)
	}
}
