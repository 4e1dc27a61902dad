package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scope = Scope{ModuleID: "m1", SiteID: "site-1"}

func TestNormalizeJSON(t *testing.T) {
	a, err := NormalizeJSON(json.RawMessage(`{ "b": 2, "a": 1 }`))
	require.NoError(t, err)
	b, err := NormalizeJSON(json.RawMessage(`{"a":1,"b":2}`))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	big, err := NormalizeJSON(json.RawMessage(`{"n":9007199254740993}`))
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(big))

	_, err = NormalizeJSON(nil)
	assert.Error(t, err)
	_, err = NormalizeJSON(json.RawMessage(`{"a":1} {}`))
	assert.Error(t, err)
}

func TestMemoryKeyedDataUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	kd := NewMemoryKeyedData()

	first, err := kd.Upsert(ctx, scope, "x", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	second, err := kd.Upsert(ctx, scope, "x", json.RawMessage(`{"a": 1}`))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, kd.Len())

	records, err := kd.Query(ctx, scope, Query{DataKey: "x"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"a":1}`, string(records[0].Value))
}

func TestMemoryKeyedDataScopes(t *testing.T) {
	ctx := context.Background()
	kd := NewMemoryKeyedData()
	other := Scope{ModuleID: "m2", SiteID: "site-1"}

	rec, err := kd.Insert(ctx, scope, "cart", json.RawMessage(`[1]`))
	require.NoError(t, err)

	_, err = kd.Insert(ctx, scope, "cart", json.RawMessage(`[2]`))
	assert.ErrorIs(t, err, ErrConflict)

	_, err = kd.Update(ctx, other, Selector{ID: rec.ID}, json.RawMessage(`[3]`))
	assert.ErrorIs(t, err, ErrNotFound, "another module cannot address the record by id")

	n, err := kd.Delete(ctx, other, Selector{DataKey: "cart"})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = kd.Delete(ctx, scope, Selector{ID: rec.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryKeyedDataQueryPaging(t *testing.T) {
	ctx := context.Background()
	kd := NewMemoryKeyedData()
	for _, k := range []string{"a:1", "a:2", "a:3", "b:1"} {
		_, err := kd.Insert(ctx, scope, k, json.RawMessage(`true`))
		require.NoError(t, err)
	}

	got, err := kd.Query(ctx, scope, Query{KeyPrefix: "a:", Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a:2", got[0].DataKey)
}

func TestMemoryQuotaReserve(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQuota(100)

	got, err := q.Reserve(ctx, scope, 60)
	require.NoError(t, err)
	assert.EqualValues(t, 60, got.UsedSizeBytes)

	got, err = q.Reserve(ctx, scope, 40)
	assert.ErrorIs(t, err, ErrQuotaExceeded, "reaching the ceiling exactly is refused")
	assert.EqualValues(t, 60, got.UsedSizeBytes)

	require.NoError(t, q.Release(ctx, scope, 60))
	require.NoError(t, q.Reconcile(ctx, scope, 10, 1))
	got, err = q.Get(ctx, scope)
	require.NoError(t, err)
	assert.EqualValues(t, 10, got.UsedSizeBytes)
	assert.Equal(t, 1, got.FileCount)
}

func TestMemoryQuotaConcurrentReserveNeverOvershoots(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQuota(1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Reserve(ctx, scope, 100)
		}()
	}
	wg.Wait()

	got, err := q.Get(ctx, scope)
	require.NoError(t, err)
	assert.Less(t, got.UsedSizeBytes, got.MaxSizeBytes)
	assert.EqualValues(t, 900, got.UsedSizeBytes)
}

func TestSealer(t *testing.T) {
	s, err := NewSealer("a-long-enough-passphrase")
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("sk_live_123"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "sk_live_123")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk_live_123", string(plain))

	sealed[len(sealed)-1] ^= 0xff
	_, err = s.Open(sealed)
	assert.ErrorIs(t, err, ErrUnseal)

	_, err = NewSealer("short")
	assert.Error(t, err)
}

func TestMemoryEventLog(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog()

	ev, err := log.Append(ctx, Event{EventName: "cart.updated", SourceModuleID: "m1", Processed: true})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Processed, "appended events always start unprocessed")

	pending, err := log.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, log.MarkProcessed(ctx, ev.ID))
	pending, err = log.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
