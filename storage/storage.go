package storage

import (
	"context"
	"errors"
	"time"

	"github.com/songzhibin97/jobflow/types"
)

// Errors
var (
	ErrRuleNotFound   = errors.New("workflow rule not found")
	ErrRecordNotFound = errors.New("record not found")
	ErrInvalidRule    = errors.New("invalid workflow rule")
	ErrInvalidRecord  = errors.New("invalid record")
)

// RuleRepository persists workflow rules and their execution statistics.
type RuleRepository interface {
	// SaveRule creates or replaces a rule definition. Execution statistics of an
	// existing rule are preserved.
	SaveRule(ctx context.Context, rule types.WorkflowRule) error

	// GetRule retrieves a rule by ID.
	GetRule(ctx context.Context, id string) (types.WorkflowRule, error)

	// ActiveRules returns the active rules of an organization, oldest first.
	ActiveRules(ctx context.Context, organizationID string) ([]types.WorkflowRule, error)

	// RecordExecution atomically increments the rule's execution count and
	// sets its last execution time.
	RecordExecution(ctx context.Context, id string, at time.Time) error
}

// RecordStore is the data-access collaborator for business records
// (jobs, tasks, customers, communications, activities, ...).
type RecordStore interface {
	// Filter returns the records of a kind whose fields equal every criterion.
	Filter(ctx context.Context, kind string, criteria types.Record) ([]types.Record, error)

	// Create stores a new record, assigning an ID when it has none.
	Create(ctx context.Context, kind string, record types.Record) (types.Record, error)

	// Update merges patch into the record and returns the result.
	Update(ctx context.Context, kind, id string, patch types.Record) (types.Record, error)
}

// Storage combines rule and record persistence.
type Storage interface {
	RuleRepository
	RecordStore
}

// Composite serves rules and records from separate backends, e.g. rules
// from Redis and records from Postgres.
type Composite struct {
	RuleRepository
	RecordStore
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// matchesCriteria reports whether every criterion equals the record's field.
func matchesCriteria(record, criteria types.Record) bool {
	for field, want := range criteria {
		if !types.SameValue(record.Get(field), want) {
			return false
		}
	}
	return true
}

func validateRule(rule types.WorkflowRule) error {
	if rule.ID == "" {
		return errors.Join(ErrInvalidRule, errors.New("rule ID cannot be empty"))
	}
	if rule.OrganizationID == "" {
		return errors.Join(ErrInvalidRule, errors.New("organization ID cannot be empty"))
	}
	return nil
}
