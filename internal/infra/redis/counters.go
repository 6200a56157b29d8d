package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateCounters keeps gate window counters in redis so every process
// behind one gate shares the same budget. Each window is its own key and
// expires on its own.
type RateCounters struct {
	rdb    *redis.Client
	prefix string
}

// NewRateCounters creates a redis-backed counter store.
func NewRateCounters(client *Client) *RateCounters {
	return &RateCounters{rdb: client.rdb, prefix: client.prefix}
}

// Count returns the calls recorded for scope in the window starting at start.
func (r *RateCounters) Count(ctx context.Context, scope string, start time.Time) (uint64, error) {
	val, err := r.rdb.Get(ctx, counterKey(r.prefix, scope, start)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get failed: %w", err)
	}
	return parseCount(val)
}

// Incr records one call and returns the new count.
func (r *RateCounters) Incr(ctx context.Context, scope string, start time.Time, ttl time.Duration) (uint64, error) {
	key := counterKey(r.prefix, scope, start)

	var incr *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incr failed: %w", err)
	}
	return uint64(incr.Val()), nil
}

// decrScript only decrements a live key so an expired window is not
// recreated without a TTL.
var decrScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return redis.call("DECR", KEYS[1])
end
return 0
`)

// Decr gives back one call taken by Incr.
func (r *RateCounters) Decr(ctx context.Context, scope string, start time.Time) error {
	if err := decrScript.Run(ctx, r.rdb, []string{counterKey(r.prefix, scope, start)}).Err(); err != nil {
		return fmt.Errorf("decr failed: %w", err)
	}
	return nil
}
