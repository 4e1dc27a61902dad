package events

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
)

func TestMemoryFanOut(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(4)
	defer b.Close()

	a, err := b.Subscribe(ctx, "site-1", "cart.updated")
	require.NoError(t, err)
	c, err := b.Subscribe(ctx, "site-1", "cart.updated")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "site-2", "cart.updated")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, store.Event{EventName: "cart.updated", SiteID: "site-1", SourceModuleID: "m1"}))

	for _, sub := range []Subscription{a, c} {
		select {
		case ev := <-sub.C():
			assert.Equal(t, "m1", ev.SourceModuleID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	select {
	case <-other.C():
		t.Fatal("event leaked across sites")
	default:
	}
}

func TestMemorySubscriptionClose(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(1)

	sub, err := b.Subscribe(ctx, "s", "e")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	_, ok := <-sub.C()
	assert.False(t, ok)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(ctx, store.Event{}), ErrClosed)
	_, err = b.Subscribe(ctx, "s", "e")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryDropsWhenFull(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(1)
	defer b.Close()

	sub, err := b.Subscribe(ctx, "s", "e")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, store.Event{SiteID: "s", EventName: "e"}))
	}
	assert.Len(t, sub.C(), 1)
}

// Requires a running Redis; skipped otherwise.
func TestRedisIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	b := NewRedis(client, nil)
	sub, err := b.Subscribe(ctx, "site-it", "ping")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, store.Event{SiteID: "site-it", EventName: "ping", SourceModuleID: "m1"}))
	select {
	case ev := <-sub.C():
		assert.Equal(t, "m1", ev.SourceModuleID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}
