// Package redisstore keeps storage quotas in Redis hashes so several host
// processes can share one usage counter.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/store"
)

// reserveScript adds to the usage counter only while it stays below max.
// KEYS[1] = quota hash
// ARGV[1] = default max for a new record
// ARGV[2] = bytes to reserve
// ARGV[3] = current unix millis
var reserveScript = redis.NewScript(`
local key = KEYS[1]
redis.call("HSETNX", key, "max", ARGV[1])
redis.call("HSETNX", key, "used", 0)
redis.call("HSETNX", key, "files", 0)
redis.call("HSETNX", key, "accessed", ARGV[3])

local max = tonumber(redis.call("HGET", key, "max"))
local used = tonumber(redis.call("HGET", key, "used"))
local n = tonumber(ARGV[2])

if used + n >= max then
    return {0, used, max}
end

used = redis.call("HINCRBY", key, "used", n)
redis.call("HSET", key, "accessed", ARGV[3])
return {1, used, max}
`)

// releaseScript decrements usage without going below zero
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local used = tonumber(redis.call("HGET", key, "used") or "0")
local n = tonumber(ARGV[1])
if used > n then
    used = used - n
else
    used = 0
end
redis.call("HSET", key, "used", used)
return used
`)

// Quotas implements store.QuotaStore
type Quotas struct {
	client     redis.UniversalClient
	prefix     string
	defaultMax int64
	now        func() time.Time
}

// NewQuotas creates a quota store on an existing client
func NewQuotas(client redis.UniversalClient, defaultMax int64) *Quotas {
	return &Quotas{client: client, prefix: "quota:", defaultMax: defaultMax, now: time.Now}
}

// Dial connects to a single Redis node
func Dial(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (q *Quotas) key(scope store.Scope) string {
	return q.prefix + scope.ModuleID + ":" + scope.SiteID
}

func (q *Quotas) Get(ctx context.Context, scope store.Scope) (store.Quota, error) {
	key := q.key(scope)
	now := q.now().UnixMilli()

	pipe := q.client.TxPipeline()
	pipe.HSetNX(ctx, key, "max", q.defaultMax)
	pipe.HSetNX(ctx, key, "used", 0)
	pipe.HSetNX(ctx, key, "files", 0)
	pipe.HSetNX(ctx, key, "accessed", now)
	all := pipe.HGetAll(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return store.Quota{}, fmt.Errorf("redis quota get: %w", err)
	}

	fields := all.Val()
	quota := store.Quota{ModuleID: scope.ModuleID, SiteID: scope.SiteID}
	quota.MaxSizeBytes, _ = strconv.ParseInt(fields["max"], 10, 64)
	quota.UsedSizeBytes, _ = strconv.ParseInt(fields["used"], 10, 64)
	quota.FileCount, _ = strconv.Atoi(fields["files"])
	accessed, _ := strconv.ParseInt(fields["accessed"], 10, 64)
	quota.LastAccessedAt = time.UnixMilli(accessed).UTC()
	return quota, nil
}

func (q *Quotas) Reserve(ctx context.Context, scope store.Scope, bytes int64) (store.Quota, error) {
	res, err := reserveScript.Run(ctx, q.client, []string{q.key(scope)},
		q.defaultMax, bytes, q.now().UnixMilli()).Int64Slice()
	if err != nil {
		return store.Quota{}, fmt.Errorf("redis quota reserve: %w", err)
	}
	if len(res) != 3 {
		return store.Quota{}, fmt.Errorf("redis quota reserve: unexpected reply %v", res)
	}

	quota, err := q.Get(ctx, scope)
	if err != nil {
		return store.Quota{}, err
	}
	quota.UsedSizeBytes = res[1]
	quota.MaxSizeBytes = res[2]
	if res[0] == 0 {
		return quota, store.ErrQuotaExceeded
	}
	return quota, nil
}

func (q *Quotas) Release(ctx context.Context, scope store.Scope, bytes int64) error {
	if err := releaseScript.Run(ctx, q.client, []string{q.key(scope)}, bytes).Err(); err != nil {
		return fmt.Errorf("redis quota release: %w", err)
	}
	return nil
}

func (q *Quotas) Reconcile(ctx context.Context, scope store.Scope, usedBytes int64, fileCount int) error {
	key := q.key(scope)
	pipe := q.client.TxPipeline()
	pipe.HSetNX(ctx, key, "max", q.defaultMax)
	pipe.HSet(ctx, key, "used", usedBytes, "files", fileCount, "accessed", q.now().UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis quota reconcile: %w", err)
	}
	return nil
}

// SetMax overrides the ceiling for one scope
func (q *Quotas) SetMax(ctx context.Context, scope store.Scope, max int64) error {
	return q.client.HSet(ctx, q.key(scope), "max", max).Err()
}
