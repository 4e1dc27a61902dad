package redisstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/shared/id"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
)

// Requires a running Redis; skipped otherwise.
func TestQuotasIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := Dial(addr, "", 0)
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	q := NewQuotas(client, 100)
	scope := store.Scope{ModuleID: id.Default().GenerateString(), SiteID: "site-1"}
	defer client.Del(ctx, q.key(scope))

	got, err := q.Reserve(ctx, scope, 60)
	require.NoError(t, err)
	assert.EqualValues(t, 60, got.UsedSizeBytes)

	got, err = q.Reserve(ctx, scope, 40)
	assert.ErrorIs(t, err, store.ErrQuotaExceeded)
	assert.EqualValues(t, 60, got.UsedSizeBytes)

	require.NoError(t, q.Release(ctx, scope, 100))
	require.NoError(t, q.Reconcile(ctx, scope, 7, 2))

	got, err = q.Get(ctx, scope)
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.UsedSizeBytes)
	assert.Equal(t, 2, got.FileCount)
	assert.EqualValues(t, 100, got.MaxSizeBytes)
}
