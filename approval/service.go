package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/songzhibin97/jobflow/audit"
	"github.com/songzhibin97/jobflow/metrics"
	"github.com/songzhibin97/jobflow/storage"
	"github.com/songzhibin97/jobflow/types"
)

// Service persists approval requests in a record store.
type Service struct {
	store    storage.RecordStore
	audit    audit.Sink
	metrics  *metrics.Metrics
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithAudit records every settled request in sink.
func WithAudit(sink audit.Sink) Option {
	return func(s *Service) { s.audit = sink }
}

// WithMetrics counts decisions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService returns a Service over store.
func NewService(store storage.RecordStore, opts ...Option) *Service {
	s := &Service{
		store:    store,
		audit:    audit.Nop{},
		logger:   zap.NewNop(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and stores a new pending request.
func (s *Service) Create(ctx context.Context, req types.ApprovalRequest) (types.ApprovalRequest, error) {
	if err := s.validate.Struct(req); err != nil {
		return types.ApprovalRequest{}, fmt.Errorf("%w: %v", storage.ErrInvalidRecord, err)
	}

	now := s.now().UTC()
	req.Status = types.ApprovalPending
	req.Decisions = nil
	if req.ApprovalType == "" {
		req.ApprovalType = types.ApprovalTypeAny
	}
	req.CreatedAt = now
	req.UpdatedAt = now

	rec, err := toRecord(req)
	if err != nil {
		return types.ApprovalRequest{}, err
	}
	created, err := s.store.Create(ctx, types.KindApprovalRequest, rec)
	if err != nil {
		return types.ApprovalRequest{}, fmt.Errorf("create approval request: %w", err)
	}
	return fromRecord(created)
}

// Get loads one request.
func (s *Service) Get(ctx context.Context, id string) (types.ApprovalRequest, error) {
	recs, err := s.store.Filter(ctx, types.KindApprovalRequest, types.Record{"id": id})
	if err != nil {
		return types.ApprovalRequest{}, fmt.Errorf("load approval request: %w", err)
	}
	if len(recs) == 0 {
		return types.ApprovalRequest{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fromRecord(recs[0])
}

// Pending lists the organization's requests that still wait for approver.
func (s *Service) Pending(ctx context.Context, organizationID, approver string) ([]types.ApprovalRequest, error) {
	recs, err := s.store.Filter(ctx, types.KindApprovalRequest, types.Record{
		"organization_id": organizationID,
		"status":          types.ApprovalPending,
	})
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}

	now := s.now()
	out := make([]types.ApprovalRequest, 0, len(recs))
	for _, rec := range recs {
		req, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		if Awaits(req, approver, now) {
			out = append(out, req)
		}
	}
	return out, nil
}

// Decide records approver's decision on request id. An expired request is
// persisted as expired and ErrExpired is returned with it.
func (s *Service) Decide(ctx context.Context, id, approver, decision, comment string) (types.ApprovalRequest, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return types.ApprovalRequest{}, err
	}

	updated, decideErr := Decide(req, types.ApprovalDecision{
		Approver:  approver,
		Decision:  decision,
		Comment:   comment,
		DecidedAt: s.now().UTC(),
	})
	if decideErr != nil && !errors.Is(decideErr, ErrExpired) {
		return req, decideErr
	}

	patch, err := toRecord(updated)
	if err != nil {
		return req, err
	}
	stored, err := s.store.Update(ctx, types.KindApprovalRequest, id, patch)
	if err != nil {
		return req, fmt.Errorf("update approval request: %w", err)
	}
	if updated, err = fromRecord(stored); err != nil {
		return req, err
	}

	s.logger.Info("approval decision",
		zap.String("request_id", id),
		zap.String("approver", approver),
		zap.String("decision", decision),
		zap.String("status", updated.Status))

	if updated.Status != types.ApprovalPending {
		s.metrics.ApprovalDecided(updated.Status)
		s.recordAudit(ctx, updated, approver)
	}
	return updated, decideErr
}

func (s *Service) recordAudit(ctx context.Context, req types.ApprovalRequest, actor string) {
	if req.Status == types.ApprovalExpired {
		actor = audit.SystemActor
	}
	err := s.audit.Record(ctx, types.AuditEntry{
		OrganizationID: req.OrganizationID,
		ActorEmail:     actor,
		Action:         "approval_request." + req.Status,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		ResourceName:   req.ResourceName,
		Metadata:       map[string]interface{}{"approval_request_id": req.ID},
	})
	if err != nil {
		s.logger.Warn("audit entry not recorded", zap.String("request_id", req.ID), zap.Error(err))
	}
}

// toRecord and fromRecord go through JSON so that requests read back from
// any record store decode the same way.
func toRecord(req types.ApprovalRequest) (types.Record, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode approval request: %w", err)
	}
	var rec types.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("encode approval request: %w", err)
	}
	if req.ID == "" {
		delete(rec, "id")
	}
	return rec, nil
}

func fromRecord(rec types.Record) (types.ApprovalRequest, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return types.ApprovalRequest{}, fmt.Errorf("decode approval request: %w", err)
	}
	var req types.ApprovalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return types.ApprovalRequest{}, fmt.Errorf("decode approval request: %w", err)
	}
	return req, nil
}
