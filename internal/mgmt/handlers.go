package mgmt

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/beluga-cat/internal/health"
	"github.com/p-blackswan/beluga-cat/internal/requestid"
	"github.com/p-blackswan/beluga-cat/internal/session"
)

// Sessions is the part of the session controller the ops API drives.
type Sessions interface {
	Sessions() []session.Info
	Get(channelID string) (*session.Session, bool)
	ResetSession(ctx context.Context, channelID string, s *session.Session)
	EndSessionByID(ctx context.Context, channelID string, reason session.EndReason) (session.EndOutcome, error)
}

// Handlers holds the ops API route handlers.
type Handlers struct {
	sessions Sessions
	checker  *health.Checker
	logger   zerolog.Logger
}

// NewHandlers creates route handlers. checker may be nil.
func NewHandlers(sessions Sessions, checker *health.Checker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		sessions: sessions,
		checker:  checker,
		logger:   logger.With().Str("component", "mgmt_handlers").Logger(),
	}
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.checker == nil {
		return c.JSON(ReadinessResponse{Status: "ready", Checks: map[string]health.Status{}})
	}
	report := h.checker.Check(c.UserContext())
	if !report.Ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ReadinessResponse{Status: "not_ready", Checks: report.Checks})
	}
	return c.JSON(ReadinessResponse{Status: "ready", Checks: report.Checks})
}

// ListSessions handles GET /api/v1/sessions.
func (h *Handlers) ListSessions(c *fiber.Ctx) error {
	infos := h.sessions.Sessions()
	if infos == nil {
		infos = []session.Info{}
	}
	return c.JSON(SessionListResponse{Sessions: infos, Count: len(infos)})
}

// ResetSession handles POST /api/v1/sessions/:id/reset. Only registered
// sessions can be reset.
func (h *Handlers) ResetSession(c *fiber.Ctx) error {
	id := c.Params("id")
	s, ok := h.sessions.Get(id)
	if !ok {
		return problemResponse(c, fiber.StatusNotFound,
			"session_not_found", "Not Found",
			"No active session for "+id)
	}

	ctx := c.UserContext()
	h.sessions.ResetSession(ctx, id, s)
	requestid.Logger(ctx, h.logger).Info().Str("channel", id).Msg("session reset by operator")
	return c.JSON(s.Info())
}

// EndSession handles DELETE /api/v1/sessions/:id.
func (h *Handlers) EndSession(c *fiber.Ctx) error {
	id := c.Params("id")
	ctx := c.UserContext()

	out, err := h.sessions.EndSessionByID(ctx, id, session.OperatorReason())
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotManaged), errors.Is(err, session.ErrChannelNotFound):
		return problemResponse(c, fiber.StatusNotFound,
			"session_not_found", "Not Found",
			"No managed conversation for "+id)
	default:
		requestid.Logger(ctx, h.logger).Error().Err(err).Str("channel", id).Msg("operator end failed")
		return problemResponse(c, fiber.StatusBadGateway,
			"platform_error", "Bad Gateway",
			"The chat platform could not be reached")
	}

	requestid.Logger(ctx, h.logger).Info().Str("channel", id).Msg("session ended by operator")
	return c.JSON(newEndResponse(out))
}
