// Package audit records who did what to which resource.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/jobflow/storage"
	"github.com/songzhibin97/jobflow/types"
)

// ActionRuleExecuted is recorded once per executed workflow rule.
const ActionRuleExecuted = "workflow_rule.executed"

// SystemActor is the actor of entries produced by automation.
const SystemActor = "system"

// ErrInvalidEntry is returned for entries without an action or organization.
var ErrInvalidEntry = errors.New("invalid audit entry")

// Sink accepts audit entries.
type Sink interface {
	Record(ctx context.Context, entry types.AuditEntry) error
}

// StoreSink writes entries as AuditLog records and logs them.
type StoreSink struct {
	store  storage.RecordStore
	logger *zap.Logger
	now    func() time.Time
}

// NewStoreSink returns a sink backed by store. logger may be nil.
func NewStoreSink(store storage.RecordStore, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{store: store, logger: logger, now: time.Now}
}

// Record validates and stores the entry.
func (s *StoreSink) Record(ctx context.Context, entry types.AuditEntry) error {
	if entry.Action == "" || entry.OrganizationID == "" {
		return fmt.Errorf("%w: action and organization_id are required", ErrInvalidEntry)
	}
	if entry.ActorEmail == "" {
		entry.ActorEmail = SystemActor
	}

	rec := types.Record{
		"organization_id": entry.OrganizationID,
		"actor_email":     entry.ActorEmail,
		"action":          entry.Action,
		"resource_type":   entry.ResourceType,
		"resource_id":     entry.ResourceID,
		"resource_name":   entry.ResourceName,
		"metadata":        entry.Metadata,
		"created_at":      s.now().UTC().Format(time.RFC3339),
	}
	if _, err := s.store.Create(ctx, types.KindAuditLog, rec); err != nil {
		return fmt.Errorf("store audit entry: %w", err)
	}

	s.logger.Info("audit",
		zap.String("organization_id", entry.OrganizationID),
		zap.String("actor", entry.ActorEmail),
		zap.String("action", entry.Action),
		zap.String("resource_type", entry.ResourceType),
		zap.String("resource_id", entry.ResourceID))
	return nil
}

// Nop discards entries.
type Nop struct{}

// Record implements Sink.
func (Nop) Record(context.Context, types.AuditEntry) error { return nil }
