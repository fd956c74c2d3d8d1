package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/songzhibin97/jobflow/audit"
	"github.com/songzhibin97/jobflow/events"
	"github.com/songzhibin97/jobflow/mail"
	"github.com/songzhibin97/jobflow/metrics"
	"github.com/songzhibin97/jobflow/rules"
	"github.com/songzhibin97/jobflow/storage"
	"github.com/songzhibin97/jobflow/types"
)

// Standard error definitions
var (
	ErrGeneratorRequired = errors.New("generator is required")
	ErrStorageRequired   = errors.New("storage is required")
	ErrMailerRequired    = errors.New("mailer is required")
)

// Event results reported to metrics.
const (
	ResultProcessed = "processed"
	ResultSkipped   = "skipped"
	ResultFailed    = "failed"
)

const tracerName = "github.com/songzhibin97/jobflow/workflow"

// Engine evaluates an organization's active rules against job changes and
// runs the actions of every matching rule.
type Engine struct {
	rules        storage.RuleRepository
	records      storage.RecordStore
	mailer       mail.Mailer
	evaluator    rules.Evaluator
	audit        audit.Sink
	bus          *events.EventBus
	metrics      *metrics.Metrics
	logger       *zap.Logger
	tracer       trace.Tracer
	generate     generator.Generator
	now          func() time.Time
	strictEvents bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvaluator sets the evaluator for condition expressions.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithAudit sets the sink receiving one entry per executed rule.
func WithAudit(sink audit.Sink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.audit = sink
		}
	}
}

// WithEventBus publishes rule.executed and action.failed notifications on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithMetrics sets the collectors updated by the engine.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithStrictEvents makes rules with an unrecognized trigger event never match.
func WithStrictEvents(strict bool) Option {
	return func(e *Engine) { e.strictEvents = strict }
}

// NewEngine creates an Engine. The generator supplies follow-up job numbers.
func NewEngine(generate generator.Generator, store storage.Storage, mailer mail.Mailer, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, ErrGeneratorRequired
	}
	if store == nil {
		return nil, ErrStorageRequired
	}
	if mailer == nil {
		return nil, ErrMailerRequired
	}

	e := &Engine{
		rules:     store,
		records:   store,
		mailer:    mailer,
		evaluator: rules.NewExprEvaluator(),
		audit:     audit.Nop{},
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(tracerName),
		generate:  generate,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// HandleEvent processes one entity change. Events other than Job updates
// are skipped successfully. The returned error is non-nil only when the
// event could not be processed at all; individual action failures are
// logged and do not surface here.
func (e *Engine) HandleEvent(ctx context.Context, ev types.ChangeEvent) (types.Result, error) {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "workflow.HandleEvent", trace.WithAttributes(
		attribute.String("jobflow.entity_name", ev.Event.EntityName),
		attribute.String("jobflow.event_type", ev.Event.Type),
	))
	defer span.End()
	defer func() { e.metrics.ObserveEvent(e.now().Sub(start).Seconds()) }()

	if !ev.IsJobUpdate() {
		e.metrics.Event(ResultSkipped)
		return types.Result{Success: true, Rules: []string{}, Skipped: true, Message: "not a job update"}, nil
	}

	job := ev.Data
	organizationID := job.String("organization_id")
	if organizationID == "" {
		e.metrics.Event(ResultSkipped)
		return types.Result{Success: true, Rules: []string{}, Skipped: true, Message: "job has no organization_id"}, nil
	}
	span.SetAttributes(
		attribute.String("jobflow.organization_id", organizationID),
		attribute.String("jobflow.job_id", job.ID()),
	)

	active, err := e.rules.ActiveRules(ctx, organizationID)
	if err != nil {
		err = fmt.Errorf("load active rules for %s: %w", organizationID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.Event(ResultFailed)
		e.logger.Error("event failed", zap.String("organization_id", organizationID), zap.Error(err))
		return types.Result{}, err
	}

	result := types.Result{Success: true, Rules: []string{}}
	for _, rule := range active {
		if !e.matches(rule, ev) {
			continue
		}
		e.executeRule(ctx, rule, job)
		result.Executed++
		result.Rules = append(result.Rules, rule.Name)
	}

	e.metrics.Event(ResultProcessed)
	span.SetAttributes(attribute.Int("jobflow.rules_executed", result.Executed))
	e.logger.Debug("event processed",
		zap.String("organization_id", organizationID),
		zap.String("job_id", job.ID()),
		zap.Int("rules_evaluated", len(active)),
		zap.Int("rules_executed", result.Executed))
	return result, nil
}

func (e *Engine) matches(rule types.WorkflowRule, ev types.ChangeEvent) bool {
	e.metrics.RuleEvaluated()

	if !rules.KnownEvent(rule.Trigger) {
		e.logger.Warn("unrecognized trigger event",
			zap.String("rule_id", rule.ID),
			zap.String("event", rule.Trigger.Event),
			zap.Bool("strict", e.strictEvents))
		if e.strictEvents {
			return false
		}
	}

	ok, err := rules.Evaluate(e.evaluator, rule.Trigger, ev.OldData, ev.Data)
	if err != nil {
		e.logger.Warn("trigger condition failed",
			zap.String("rule_id", rule.ID),
			zap.Error(err))
		return false
	}
	return ok
}

// executeRule runs every action of rule in order and then records the
// execution, whatever the outcome of the individual actions.
func (e *Engine) executeRule(ctx context.Context, rule types.WorkflowRule, job types.Record) {
	ctx, span := e.tracer.Start(ctx, "workflow.ExecuteRule", trace.WithAttributes(
		attribute.String("jobflow.rule_id", rule.ID),
		attribute.String("jobflow.rule_name", rule.Name),
	))
	defer span.End()

	logger := e.logger.With(zap.String("rule_id", rule.ID), zap.String("job_id", job.ID()))

	failed := 0
	for i, spec := range rule.Actions {
		err := e.runAction(ctx, spec, job)
		e.metrics.Action(spec.Type, err)
		if err == nil {
			continue
		}
		failed++
		span.RecordError(err, trace.WithAttributes(attribute.String("jobflow.action_type", spec.Type)))
		logger.Error("action failed",
			zap.Int("index", i),
			zap.String("type", spec.Type),
			zap.Error(err))
		e.notify(ctx, events.Event{
			Type:           events.TypeActionFailed,
			OrganizationID: rule.OrganizationID,
			RuleID:         rule.ID,
			Data: map[string]interface{}{
				"job_id": job.ID(),
				"index":  i,
				"type":   spec.Type,
				"error":  err.Error(),
			},
		})
	}
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d actions failed", failed, len(rule.Actions)))
	}

	// An attempted rule counts as executed even if the caller went away.
	detached := context.WithoutCancel(ctx)
	executedAt := e.now()
	if err := e.rules.RecordExecution(detached, rule.ID, executedAt); err != nil {
		logger.Error("record execution failed", zap.Error(err))
	}
	e.metrics.RuleExecuted(rule.OrganizationID)

	err := e.audit.Record(detached, types.AuditEntry{
		OrganizationID: rule.OrganizationID,
		ActorEmail:     audit.SystemActor,
		Action:         audit.ActionRuleExecuted,
		ResourceType:   types.KindWorkflowRule,
		ResourceID:     rule.ID,
		ResourceName:   rule.Name,
		Metadata: map[string]interface{}{
			"job_id":         job.ID(),
			"actions":        len(rule.Actions),
			"failed_actions": failed,
		},
	})
	if err != nil {
		logger.Warn("audit entry not recorded", zap.Error(err))
	}

	e.notify(ctx, events.Event{
		Type:           events.TypeRuleExecuted,
		OrganizationID: rule.OrganizationID,
		RuleID:         rule.ID,
		Data: map[string]interface{}{
			"job_id":         job.ID(),
			"rule_name":      rule.Name,
			"failed_actions": failed,
			"executed_at":    executedAt,
		},
	})
	logger.Info("rule executed", zap.String("rule_name", rule.Name), zap.Int("failed_actions", failed))
}

// runAction decodes and executes one action. A panic inside an action is
// reported as its error.
func (e *Engine) runAction(ctx context.Context, spec types.ActionSpec, job types.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s action: %v", spec.Type, r)
		}
	}()

	action, err := types.DecodeAction(spec)
	if err != nil {
		return err
	}
	return e.execute(ctx, action, job)
}

func (e *Engine) notify(ctx context.Context, event events.Event) {
	if e.bus == nil {
		return
	}
	e.bus.Notify(context.WithoutCancel(ctx), event)
}
