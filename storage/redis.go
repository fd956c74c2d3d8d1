package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/jobflow/types"
)

const (
	rulePrefix      = "jobflow:rule:"
	ruleStatsPrefix = "jobflow:rule_stats:"
	orgRulesPrefix  = "jobflow:org_rules:"

	statExecutionCount = "execution_count"
	statLastExecutedAt = "last_executed_at"
)

// RedisStorage is a Redis-backed RuleRepository. Rule definitions are JSON
// values; execution statistics live in a separate hash so that they can be
// incremented atomically with HINCRBY.
type RedisStorage struct {
	client *redis.Client
	now    func() time.Time
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client, now: time.Now}, nil
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// SaveRule stores the rule definition and indexes it by organization.
func (s *RedisStorage) SaveRule(ctx context.Context, rule types.WorkflowRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	return withContextError(ctx, func() error {
		var movedFrom string
		previous, err := s.getDefinition(ctx, rule.ID)
		switch {
		case err == nil:
			rule.CreatedAt = previous.CreatedAt
			if previous.OrganizationID != rule.OrganizationID {
				movedFrom = previous.OrganizationID
			}
		case !errors.Is(err, ErrRuleNotFound):
			return err
		}

		now := s.now()
		if rule.CreatedAt.IsZero() {
			rule.CreatedAt = now
		}
		rule.UpdatedAt = now
		// Statistics are owned by the stats hash.
		rule.ExecutionCount = 0
		rule.LastExecutedAt = nil

		data, err := json.Marshal(rule)
		if err != nil {
			return fmt.Errorf("failed to marshal rule %s: %w", rule.ID, err)
		}

		pipe := s.client.TxPipeline()
		if movedFrom != "" {
			pipe.SRem(ctx, orgRulesPrefix+movedFrom, rule.ID)
		}
		pipe.Set(ctx, rulePrefix+rule.ID, data, 0)
		pipe.SAdd(ctx, orgRulesPrefix+rule.OrganizationID, rule.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save rule %s in Redis: %w", rule.ID, err)
		}
		return nil
	})
}

// GetRule retrieves a rule with its statistics.
func (s *RedisStorage) GetRule(ctx context.Context, id string) (types.WorkflowRule, error) {
	return withContext(ctx, func() (types.WorkflowRule, error) {
		rule, err := s.getDefinition(ctx, id)
		if err != nil {
			return types.WorkflowRule{}, err
		}
		stats, err := s.client.HGetAll(ctx, ruleStatsPrefix+id).Result()
		if err != nil {
			return types.WorkflowRule{}, fmt.Errorf("failed to get stats for rule %s: %w", id, err)
		}
		return applyStats(rule, stats)
	})
}

// ActiveRules returns the organization's active rules ordered by creation time.
func (s *RedisStorage) ActiveRules(ctx context.Context, organizationID string) ([]types.WorkflowRule, error) {
	return withContext(ctx, func() ([]types.WorkflowRule, error) {
		ids, err := s.client.SMembers(ctx, orgRulesPrefix+organizationID).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list rules of organization %s: %w", organizationID, err)
		}
		if len(ids) == 0 {
			return nil, nil
		}

		pipe := s.client.Pipeline()
		defs := make([]*redis.StringCmd, len(ids))
		stats := make([]*redis.StringStringMapCmd, len(ids))
		for i, id := range ids {
			defs[i] = pipe.Get(ctx, rulePrefix+id)
			stats[i] = pipe.HGetAll(ctx, ruleStatsPrefix+id)
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to load rules of organization %s: %w", organizationID, err)
		}

		var out []types.WorkflowRule
		for i := range ids {
			data, err := defs[i].Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return nil, fmt.Errorf("failed to get rule %s: %w", ids[i], err)
			}
			var rule types.WorkflowRule
			if err := json.Unmarshal(data, &rule); err != nil {
				return nil, fmt.Errorf("failed to unmarshal rule %s: %w", ids[i], err)
			}
			if !rule.IsActive || rule.OrganizationID != organizationID {
				continue
			}
			rule, err = applyStats(rule, stats[i].Val())
			if err != nil {
				return nil, err
			}
			out = append(out, rule)
		}
		sortRules(out)
		return out, nil
	})
}

// RecordExecution increments the rule's counter with HINCRBY in a transaction.
func (s *RedisStorage) RecordExecution(ctx context.Context, id string, at time.Time) error {
	return withContextError(ctx, func() error {
		exists, err := s.client.Exists(ctx, rulePrefix+id).Result()
		if err != nil {
			return fmt.Errorf("failed to check rule %s: %w", id, err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: id=%s", ErrRuleNotFound, id)
		}

		key := ruleStatsPrefix + id
		pipe := s.client.TxPipeline()
		pipe.HIncrBy(ctx, key, statExecutionCount, 1)
		pipe.HSet(ctx, key, statLastExecutedAt, at.UTC().Format(time.RFC3339Nano))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to record execution of rule %s: %w", id, err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) getDefinition(ctx context.Context, id string) (types.WorkflowRule, error) {
	key := rulePrefix + id
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.WorkflowRule{}, fmt.Errorf("%w: id=%s", ErrRuleNotFound, id)
	} else if err != nil {
		return types.WorkflowRule{}, fmt.Errorf("failed to get %s from Redis: %w", key, err)
	}

	var rule types.WorkflowRule
	if err := json.Unmarshal(data, &rule); err != nil {
		return types.WorkflowRule{}, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return rule, nil
}

func applyStats(rule types.WorkflowRule, stats map[string]string) (types.WorkflowRule, error) {
	if raw, ok := stats[statExecutionCount]; ok {
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return rule, fmt.Errorf("invalid execution count for rule %s: %w", rule.ID, err)
		}
		rule.ExecutionCount = count
	}
	if raw, ok := stats[statLastExecutedAt]; ok {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return rule, fmt.Errorf("invalid last execution time for rule %s: %w", rule.ID, err)
		}
		rule.LastExecutedAt = &at
	}
	return rule, nil
}
