// Package server exposes the engine, rule repository and approvals over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	recoverer "github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/songzhibin97/jobflow/approval"
	"github.com/songzhibin97/jobflow/events"
	"github.com/songzhibin97/jobflow/storage"
	"github.com/songzhibin97/jobflow/types"
	"github.com/songzhibin97/jobflow/workflow"
)

// Server holds the HTTP handlers' collaborators.
type Server struct {
	engine    *workflow.Engine
	rules     storage.RuleRepository
	approvals *approval.Service
	bus       *events.EventBus
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
	validate  *validator.Validate
	now       func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithEventBus enables asynchronous event ingestion.
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithGatherer serves gatherer's metrics on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns a Server.
func New(engine *workflow.Engine, rules storage.RuleRepository, approvals *approval.Service, opts ...Option) *Server {
	s := &Server{
		engine:    engine,
		rules:     rules,
		approvals: approvals,
		gatherer:  prometheus.DefaultGatherer,
		logger:    zap.NewNop(),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// App builds the fiber application.
func (s *Server) App() *fiber.App {
	app := fiber.New()
	app.Use(recoverer.New())
	app.Use(s.requestLogger)

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := app.Group("/v1")
	v1.Post("/events", s.HandleEvent)

	v1.Get("/organizations/:org/rules", s.ListRules)
	v1.Post("/rules", s.SaveRule)
	v1.Get("/rules/:id", s.GetRule)

	v1.Post("/approvals", s.CreateApproval)
	v1.Get("/approvals/pending", s.PendingApprovals)
	v1.Post("/approvals/:id/decisions", s.DecideApproval)

	return app
}

// Run serves until ctx is cancelled, then shuts down within shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	app := s.App()

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	s.logger.Info("http server listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) requestLogger(c fiber.Ctx) error {
	start := s.now()
	err := c.Next()
	s.logger.Info("request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("duration", s.now().Sub(start)),
		zap.Error(err))
	return err
}

// HandleEvent runs the engine on one change event. With ?async=true the
// event is queued on the bus and 202 is returned.
func (s *Server) HandleEvent(c fiber.Ctx) error {
	var ev types.ChangeEvent
	if err := c.Bind().JSON(&ev); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(types.ErrorResult{Error: "invalid JSON body"})
	}

	if async, _ := strconv.ParseBool(c.Query("async")); async {
		if s.bus == nil {
			return badRequest(c, "asynchronous ingestion is not enabled")
		}
		err := s.bus.Publish(c.Context(), events.Event{
			Type:           events.TypeEntityChanged,
			OrganizationID: ev.Data.String("organization_id"),
			Change:         &ev,
		})
		if errors.Is(err, events.ErrChannelFull) {
			return problem(c, fiber.StatusServiceUnavailable, "busy", err.Error())
		}
		if err != nil {
			return internalError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": true})
	}

	res, err := s.engine.HandleEvent(c.Context(), ev)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(types.ErrorResult{Error: err.Error()})
	}
	return c.JSON(res)
}

// ListRules returns an organization's active rules.
func (s *Server) ListRules(c fiber.Ctx) error {
	list, err := s.rules.ActiveRules(c.Context(), c.Params("org"))
	if err != nil {
		return handleError(c, err)
	}
	if list == nil {
		list = []types.WorkflowRule{}
	}
	return c.JSON(list)
}

// SaveRule creates or replaces a rule. Execution statistics are kept.
func (s *Server) SaveRule(c fiber.Ctx) error {
	var rule types.WorkflowRule
	if err := c.Bind().JSON(&rule); err != nil {
		return badRequest(c, "Invalid JSON format")
	}
	if err := s.validate.Struct(rule); err != nil {
		return badRequest(c, err.Error())
	}
	for i, spec := range rule.Actions {
		if _, err := types.DecodeAction(spec); err != nil {
			return badRequest(c, fmt.Sprintf("actions[%d]: %v", i, err))
		}
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.ExecutionCount = 0
	rule.LastExecutedAt = nil

	if err := s.rules.SaveRule(c.Context(), rule); err != nil {
		return handleError(c, err)
	}
	saved, err := s.rules.GetRule(c.Context(), rule.ID)
	if err != nil {
		return handleError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(saved)
}

// GetRule returns one rule.
func (s *Server) GetRule(c fiber.Ctx) error {
	rule, err := s.rules.GetRule(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(rule)
}

// CreateApproval opens a new approval request.
func (s *Server) CreateApproval(c fiber.Ctx) error {
	var req types.ApprovalRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}
	created, err := s.approvals.Create(c.Context(), req)
	if err != nil {
		return handleError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

// PendingApprovals lists requests waiting for an approver.
func (s *Server) PendingApprovals(c fiber.Ctx) error {
	org := c.Query("organization_id")
	approver := c.Query("approver")
	if org == "" || approver == "" {
		return badRequest(c, "organization_id and approver are required")
	}
	list, err := s.approvals.Pending(c.Context(), org, approver)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(list)
}

// DecisionRequest is the body of POST /v1/approvals/:id/decisions.
type DecisionRequest struct {
	Approver string `json:"approver" validate:"required"`
	Decision string `json:"decision" validate:"required,oneof=approved rejected"`
	Comment  string `json:"comment"`
}

// DecideApproval records a decision.
func (s *Server) DecideApproval(c fiber.Ctx) error {
	var req DecisionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}
	if err := s.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}
	updated, err := s.approvals.Decide(c.Context(), c.Params("id"), req.Approver, req.Decision, req.Comment)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(updated)
}
