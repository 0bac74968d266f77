// Package httpapi is the HTTP ingress: it accepts provider and helpdesk
// webhooks, publishes them onto the durable queue, and exposes a handful
// of small operational endpoints. It never calls the reconciliation
// processor directly; decoupling ingestion from processing is the
// queue's job.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"wootrico-bridge/internal/config"
	"wootrico-bridge/internal/ledger"
	"wootrico-bridge/internal/log"
	"wootrico-bridge/internal/queue"
	"wootrico-bridge/internal/tenant"
)

// Publisher is the subset of *queue.Queue the ingress needs, narrowed so
// handlers are testable against a fake.
type Publisher interface {
	PublishPrincipal(body []byte) error
	PublishCallback(body []byte) error
}

var _ Publisher = (*queue.Queue)(nil)

// Server owns the echo instance and the collaborators its handlers need.
type Server struct {
	Echo *echo.Echo

	cfg      *config.Config
	q        Publisher
	registry *tenant.Registry
	ledger   *ledger.Ledger
	logger   *log.Logger
}

// New builds the echo instance, wires the middleware stack and registers
// the webhook, callback and operational routes.
func New(cfg *config.Config, q Publisher, registry *tenant.Registry, led *ledger.Ledger, logger *log.Logger) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(bodyLimit(cfg.BodyLimit)))

	s := &Server{Echo: e, cfg: cfg, q: q, registry: registry, ledger: led, logger: logger}

	webhook := e.Group("/" + cfg.WebhookName)
	webhook.Use(middleware.BodyLimit(bodyLimit(cfg.WebhookBodyLimit)))
	webhook.POST("", s.handlePrincipal)
	webhook.POST("/callback", s.handleCallback)
	webhook.GET("/ticket-stats", s.handleTicketStats)

	e.GET("/health", s.handleHealth)
	e.GET("/webhook-url", s.handleWebhookURL)

	return s
}

func bodyLimit(s string) string {
	if s == "" {
		return "50M"
	}
	return s
}

// handlePrincipal accepts a provider webhook payload and publishes it to
// subject P.
func (s *Server) handlePrincipal(c echo.Context) error {
	return s.publish(c, s.q.PublishPrincipal, s.cfg.SubjectPrincipal)
}

// handleCallback accepts a helpdesk callback payload and publishes it to
// subject C.
func (s *Server) handleCallback(c echo.Context) error {
	return s.publish(c, s.q.PublishCallback, s.cfg.SubjectCallback)
}

func (s *Server) publish(c echo.Context, publish func([]byte) error, subject string) error {
	ctx := c.Request().Context()
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		s.logger.WithContext(ctx).Error().Err(err).Msg("failed to read webhook body")
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": "failed to read request body"})
	}

	if err := publish(body); err != nil {
		s.logger.WithContext(ctx).Error().Err(err).Str("subject", subject).Msg("failed to publish webhook payload")
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": "failed to queue event"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"accepted": true, "queued": subject})
}

// handleHealth reports process liveness plus the tenant count.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"tenants": s.registry.Count(),
	})
}

// handleWebhookURL advertises the fully-qualified webhook URLs so an
// operator can paste them straight into a provider or helpdesk console.
func (s *Server) handleWebhookURL(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"webhook_url":  s.cfg.WebhookURL(),
		"callback_url": s.cfg.CallbackURL(),
	})
}

// handleTicketStats serializes the credit ledger's two maps for
// operational visibility.
func (s *Server) handleTicketStats(c echo.Context) error {
	outgoingProvider, outgoingHelpdesk := s.ledger.Stats()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"outgoingProvider": outgoingProvider,
		"outgoingHelpdesk": outgoingHelpdesk,
	})
}

// Start runs the echo server, blocking until it stops or the listener
// errors.
func (s *Server) Start(address string) error {
	if err := s.Echo.Start(address); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the echo server within timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Echo.Shutdown(ctx)
}
