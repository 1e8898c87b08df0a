package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrDailyLimit marks payloads refused because the daily send budget is spent.
var ErrDailyLimit = errors.New("daily send limit reached")

// Quota grants send capacity against a per-day budget.
type Quota interface {
	// Reserve claims up to n sends for the UTC day containing now and reports how many were granted.
	Reserve(ctx context.Context, now time.Time, n int) (int, error)
}

func dayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

func grant(limit, used, n int) int {
	if limit <= 0 {
		return n
	}
	left := limit - used
	if left <= 0 {
		return 0
	}
	if left < n {
		return left
	}
	return n
}

// MemoryQuota keeps the daily counter in process.
type MemoryQuota struct {
	mu    sync.Mutex
	limit int
	day   string
	used  int
}

// NewMemoryQuota constructs an in-process quota; limit <= 0 disables it.
func NewMemoryQuota(limit int) *MemoryQuota {
	return &MemoryQuota{limit: limit}
}

// Reserve implements Quota.
func (q *MemoryQuota) Reserve(_ context.Context, now time.Time, n int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if day := dayKey(now); day != q.day {
		q.day = day
		q.used = 0
	}
	granted := grant(q.limit, q.used, n)
	q.used += granted
	return granted, nil
}

// RedisQuota shares the daily counter across replicas.
type RedisQuota struct {
	client redis.UniversalClient
	prefix string
	limit  int
}

// NewRedisQuota constructs a Redis-backed quota.
func NewRedisQuota(client redis.UniversalClient, prefix string, limit int) *RedisQuota {
	if prefix == "" {
		prefix = "fuelalerts"
	}
	return &RedisQuota{client: client, prefix: prefix, limit: limit}
}

// Reserve implements Quota. Over-claimed units are handed back so the counter
// tracks granted sends only.
func (q *RedisQuota) Reserve(ctx context.Context, now time.Time, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	if q.limit <= 0 {
		return n, nil
	}

	key := fmt.Sprintf("%s:quota:%s", q.prefix, dayKey(now))
	var incr *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, key, int64(n))
		pipe.Expire(ctx, key, 48*time.Hour)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reserve quota: %w", err)
	}

	total := int(incr.Val())
	granted := grant(q.limit, total-n, n)
	if excess := n - granted; excess > 0 {
		// a failed release leaves the counter overstated, never understated
		_ = q.client.DecrBy(ctx, key, int64(excess)).Err()
	}
	return granted, nil
}

var (
	_ Quota = (*MemoryQuota)(nil)
	_ Quota = (*RedisQuota)(nil)
)
