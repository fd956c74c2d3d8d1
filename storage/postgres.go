package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/songzhibin97/jobflow/types"
)

// Schema creates the tables used by PostgresStorage.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_rules (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	trigger JSONB NOT NULL,
	actions JSONB NOT NULL DEFAULT '[]',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	execution_count BIGINT NOT NULL DEFAULT 0,
	last_executed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_workflow_rules_org_active ON workflow_rules(organization_id, is_active);

CREATE TABLE IF NOT EXISTS records (
	kind TEXT NOT NULL,
	id TEXT NOT NULL,
	data JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (kind, id)
);

CREATE INDEX IF NOT EXISTS idx_records_data ON records USING GIN (data jsonb_path_ops);
`

const ruleColumns = `id, organization_id, name, description, trigger, actions, is_active,
	execution_count, last_executed_at, created_at, updated_at`

// PostgresStorage implements Storage on PostgreSQL. Records are JSONB
// documents keyed by (kind, id); filters use JSONB containment.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects to the database and applies Schema.
func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &PostgresStorage{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies Schema. It is safe to run repeatedly.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStorage) Close() {
	s.pool.Close()
}

// SaveRule upserts the rule definition, leaving statistics untouched.
func (s *PostgresStorage) SaveRule(ctx context.Context, rule types.WorkflowRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	trigger, err := json.Marshal(rule.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger of rule %s: %w", rule.ID, err)
	}
	actions := rule.Actions
	if actions == nil {
		actions = []types.ActionSpec{}
	}
	actionData, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("failed to marshal actions of rule %s: %w", rule.ID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_rules (id, organization_id, name, description, trigger, actions, is_active)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			trigger = EXCLUDED.trigger,
			actions = EXCLUDED.actions,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()`,
		rule.ID, rule.OrganizationID, rule.Name, rule.Description, string(trigger), string(actionData), rule.IsActive)
	if err != nil {
		return fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
	}
	return nil
}

// GetRule retrieves a rule by ID.
func (s *PostgresStorage) GetRule(ctx context.Context, id string) (types.WorkflowRule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM workflow_rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.WorkflowRule{}, fmt.Errorf("%w: id=%s", ErrRuleNotFound, id)
	}
	return rule, err
}

// ActiveRules returns an organization's active rules ordered by creation time.
func (s *PostgresStorage) ActiveRules(ctx context.Context, organizationID string) ([]types.WorkflowRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+` FROM workflow_rules
		WHERE organization_id = $1 AND is_active
		ORDER BY created_at, id`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules of organization %s: %w", organizationID, err)
	}
	defer rows.Close()

	var out []types.WorkflowRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// RecordExecution increments the counter in a single UPDATE statement.
func (s *PostgresStorage) RecordExecution(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE workflow_rules
		SET execution_count = execution_count + 1, last_executed_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to record execution of rule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id=%s", ErrRuleNotFound, id)
	}
	return nil
}

// Filter returns the records of a kind containing every criterion.
func (s *PostgresStorage) Filter(ctx context.Context, kind string, criteria types.Record) ([]types.Record, error) {
	if criteria == nil {
		criteria = types.Record{}
	}
	filter, err := json.Marshal(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s filter: %w", kind, err)
	}

	rows, err := s.pool.Query(ctx, `SELECT data FROM records
		WHERE kind = $1 AND data @> $2::jsonb
		ORDER BY created_at, id`, kind, string(filter))
	if err != nil {
		return nil, fmt.Errorf("failed to filter %s records: %w", kind, err)
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", kind, err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Create inserts a record, assigning a UUID when it has no ID.
func (s *PostgresStorage) Create(ctx context.Context, kind string, record types.Record) (types.Record, error) {
	if kind == "" {
		return nil, fmt.Errorf("%w: kind cannot be empty", ErrInvalidRecord)
	}
	rec := record.Clone()
	if rec == nil {
		rec = types.Record{}
	}
	if rec.ID() == "" {
		rec["id"] = uuid.NewString()
	}
	if !rec.Has("created_at") {
		rec["created_at"] = time.Now().UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s record: %w", kind, err)
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO records (kind, id, data) VALUES ($1, $2, $3::jsonb)`,
		kind, rec.ID(), string(data)); err != nil {
		return nil, fmt.Errorf("failed to create %s record: %w", kind, err)
	}
	return decodeRecord(data)
}

// Update merges patch into the stored document with the JSONB || operator.
func (s *PostgresStorage) Update(ctx context.Context, kind, id string, patch types.Record) (types.Record, error) {
	if patch == nil {
		patch = types.Record{}
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s patch: %w", kind, err)
	}

	var updated []byte
	err = s.pool.QueryRow(ctx, `UPDATE records SET data = data || $3::jsonb
		WHERE kind = $1 AND id = $2
		RETURNING data`, kind, id, string(data)).Scan(&updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s id=%s", ErrRecordNotFound, kind, id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to update %s record %s: %w", kind, id, err)
	}
	return decodeRecord(updated)
}

func scanRule(row pgx.Row) (types.WorkflowRule, error) {
	var (
		rule        types.WorkflowRule
		triggerData []byte
		actionData  []byte
	)
	err := row.Scan(&rule.ID, &rule.OrganizationID, &rule.Name, &rule.Description,
		&triggerData, &actionData, &rule.IsActive,
		&rule.ExecutionCount, &rule.LastExecutedAt, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return types.WorkflowRule{}, err
	}
	if err := json.Unmarshal(triggerData, &rule.Trigger); err != nil {
		return types.WorkflowRule{}, fmt.Errorf("failed to unmarshal trigger of rule %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal(actionData, &rule.Actions); err != nil {
		return types.WorkflowRule{}, fmt.Errorf("failed to unmarshal actions of rule %s: %w", rule.ID, err)
	}
	return rule, nil
}

func decodeRecord(data []byte) (types.Record, error) {
	var rec types.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}
