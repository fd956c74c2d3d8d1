package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/jobflow/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	rules   map[string]types.WorkflowRule
	records map[string][]types.Record
	mu      sync.RWMutex
	now     func() time.Time
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		rules:   make(map[string]types.WorkflowRule),
		records: make(map[string][]types.Record),
		now:     time.Now,
	}
}

// SaveRule saves a rule to memory.
func (s *MemoryStorage) SaveRule(ctx context.Context, rule types.WorkflowRule) error {
	return s.SaveRules(ctx, []types.WorkflowRule{rule})
}

// SaveRules saves multiple rules under a single lock. Like SaveRule, it keeps
// the execution statistics and creation time of rules that already exist.
func (s *MemoryStorage) SaveRules(ctx context.Context, rules []types.WorkflowRule) error {
	for _, rule := range rules {
		if err := validateRule(rule); err != nil {
			return err
		}
	}
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		now := s.now()
		for _, rule := range rules {
			if existing, ok := s.rules[rule.ID]; ok {
				rule.ExecutionCount = existing.ExecutionCount
				rule.LastExecutedAt = existing.LastExecutedAt
				rule.CreatedAt = existing.CreatedAt
			}
			if rule.CreatedAt.IsZero() {
				rule.CreatedAt = now
			}
			rule.UpdatedAt = now
			s.rules[rule.ID] = rule
		}
		return struct{}{}, nil
	})
	return err
}

// GetRule retrieves a rule from memory.
func (s *MemoryStorage) GetRule(ctx context.Context, id string) (types.WorkflowRule, error) {
	return withContext(ctx, func() (types.WorkflowRule, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		rule, ok := s.rules[id]
		if !ok {
			return types.WorkflowRule{}, fmt.Errorf("%w: id=%s", ErrRuleNotFound, id)
		}
		return rule, nil
	})
}

// ActiveRules returns an organization's active rules ordered by creation time.
func (s *MemoryStorage) ActiveRules(ctx context.Context, organizationID string) ([]types.WorkflowRule, error) {
	return withContext(ctx, func() ([]types.WorkflowRule, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowRule
		for _, rule := range s.rules {
			if rule.IsActive && rule.OrganizationID == organizationID {
				out = append(out, rule)
			}
		}
		sortRules(out)
		return out, nil
	})
}

// RecordExecution increments the execution count under the store lock.
func (s *MemoryStorage) RecordExecution(ctx context.Context, id string, at time.Time) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		rule, ok := s.rules[id]
		if !ok {
			return struct{}{}, fmt.Errorf("%w: id=%s", ErrRuleNotFound, id)
		}
		rule.ExecutionCount++
		executed := at
		rule.LastExecutedAt = &executed
		s.rules[id] = rule
		return struct{}{}, nil
	})
	return err
}

// Filter returns copies of the matching records in insertion order.
func (s *MemoryStorage) Filter(ctx context.Context, kind string, criteria types.Record) ([]types.Record, error) {
	return withContext(ctx, func() ([]types.Record, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Record
		for _, rec := range s.records[kind] {
			if matchesCriteria(rec, criteria) {
				out = append(out, rec.Clone())
			}
		}
		return out, nil
	})
}

// Create stores a copy of the record.
func (s *MemoryStorage) Create(ctx context.Context, kind string, record types.Record) (types.Record, error) {
	if kind == "" {
		return nil, fmt.Errorf("%w: kind cannot be empty", ErrInvalidRecord)
	}
	return withContext(ctx, func() (types.Record, error) {
		rec := record.Clone()
		if rec == nil {
			rec = types.Record{}
		}
		if rec.ID() == "" {
			rec["id"] = uuid.NewString()
		}
		if !rec.Has("created_at") {
			rec["created_at"] = s.now().UTC().Format(time.RFC3339)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		s.records[kind] = append(s.records[kind], rec)
		return rec.Clone(), nil
	})
}

// Update merges patch into the stored record.
func (s *MemoryStorage) Update(ctx context.Context, kind, id string, patch types.Record) (types.Record, error) {
	return withContext(ctx, func() (types.Record, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, rec := range s.records[kind] {
			if rec.ID() != id {
				continue
			}
			updated := rec.Clone()
			for k, v := range patch {
				updated[k] = v
			}
			s.records[kind][i] = updated
			return updated.Clone(), nil
		}
		return nil, fmt.Errorf("%w: %s id=%s", ErrRecordNotFound, kind, id)
	})
}

func sortRules(rules []types.WorkflowRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
}
