package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisTestOptions targets a local Redis on a dedicated database.
var redisTestOptions = RedisOptions{
	Addr:         "localhost:6379",
	Password:     "",
	DB:           15,
	PoolSize:     10,
	MinIdleConns: 2,
	IdleTimeout:  5 * time.Minute,
}

func newTestRedisStorage(t *testing.T) *RedisStorage {
	t.Helper()
	store, err := NewRedisStorage(redisTestOptions)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	require.NoError(t, store.client.FlushDB(context.Background()).Err())
	t.Cleanup(func() {
		_ = store.client.FlushDB(context.Background()).Err()
		_ = store.Close()
	})
	return store
}

func TestRedisStorage(t *testing.T) {
	t.Run("ConnectionFailure", func(t *testing.T) {
		badOpts := redisTestOptions
		badOpts.Addr = "invalid:6379"
		_, err := NewRedisStorage(badOpts)
		assert.Error(t, err)
	})

	t.Run("RuleRepository", func(t *testing.T) {
		testRuleRepository(t, newTestRedisStorage(t))
	})

	t.Run("MovingRuleBetweenOrganizations", func(t *testing.T) {
		store := newTestRedisStorage(t)
		ctx := context.Background()

		rule := newRule("r-move", "org-a")
		require.NoError(t, store.SaveRule(ctx, rule))
		rule.OrganizationID = "org-b"
		require.NoError(t, store.SaveRule(ctx, rule))

		rules, err := store.ActiveRules(ctx, "org-a")
		require.NoError(t, err)
		assert.Empty(t, rules)

		rules, err = store.ActiveRules(ctx, "org-b")
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, "r-move", rules[0].ID)
	})

	t.Run("StatisticsStoredSeparately", func(t *testing.T) {
		store := newTestRedisStorage(t)
		ctx := context.Background()

		rule := newRule("r-stats", "org")
		require.NoError(t, store.SaveRule(ctx, rule))
		require.NoError(t, store.RecordExecution(ctx, rule.ID, time.Now()))

		count, err := store.client.HGet(ctx, ruleStatsPrefix+rule.ID, statExecutionCount).Int64()
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := newTestRedisStorage(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := store.SaveRule(ctx, newRule("1", "org"))
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.GetRule(ctx, "1")
		assert.ErrorIs(t, err, context.Canceled)

		err = store.RecordExecution(ctx, "1", time.Now())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestApplyStats(t *testing.T) {
	rule := newRule("r", "org")

	got, err := applyStats(rule, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.ExecutionCount)
	assert.Nil(t, got.LastExecutedAt)

	at := time.Date(2026, 5, 6, 7, 8, 9, 10, time.UTC)
	got, err = applyStats(rule, map[string]string{
		statExecutionCount: "7",
		statLastExecutedAt: at.Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.ExecutionCount)
	assert.True(t, got.LastExecutedAt.Equal(at))

	_, err = applyStats(rule, map[string]string{statExecutionCount: "x"})
	assert.Error(t, err)
}
