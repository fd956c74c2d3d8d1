package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/songzhibin97/jobflow/types"
)

func setupPostgres(t *testing.T) *PostgresStorage {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	t.Cleanup(cancel)

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("jobflow_test"),
		postgres.WithUsername("jobflow"),
		postgres.WithPassword("jobflow"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewPostgresStorage(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	return store
}

func TestPostgresStorage(t *testing.T) {
	store := setupPostgres(t)

	t.Run("RuleRepository", func(t *testing.T) {
		testRuleRepository(t, store)
	})

	t.Run("RecordStore", func(t *testing.T) {
		testRecordStore(t, store)
	})

	t.Run("MigrateIsIdempotent", func(t *testing.T) {
		assert.NoError(t, store.Migrate(context.Background()))
	})

	t.Run("RuleWithoutActions", func(t *testing.T) {
		ctx := context.Background()
		rule := newRule("r-empty", "org-empty")
		rule.Actions = nil
		require.NoError(t, store.SaveRule(ctx, rule))

		got, err := store.GetRule(ctx, rule.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Actions)
		assert.Nil(t, got.LastExecutedAt)
	})

	t.Run("NestedRecordValues", func(t *testing.T) {
		ctx := context.Background()
		created, err := store.Create(ctx, types.KindActivity, types.Record{
			"metadata": map[string]interface{}{"rule": "r-1"},
			"members":  []interface{}{"a@example.com"},
		})
		require.NoError(t, err)

		got, err := store.Filter(ctx, types.KindActivity, types.Record{"id": created.ID()})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, map[string]interface{}{"rule": "r-1"}, got[0].Get("metadata"))
	})
}
