package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RemoteResult is the raw outcome of one remote increment, before the
// Deferred Rate Limiter folds it into a local Result.
type RemoteResult struct {
	Allowed bool
	Never   bool
	Count   uint64
	RetryAt time.Time
}

// RemoteCounter is the C1 contract: an atomic increment-with-cap against
// a shared counter store, namespaced by a caller-supplied label.
type RemoteCounter interface {
	// ThrottleLabel atomically increments the counter stored under label
	// and compares the post-increment value against maxPerPeriod.
	ThrottleLabel(ctx context.Context, label string, maxPerPeriod uint64, count uint64) (RemoteResult, error)
}

// incrScript atomically increments the key by ARGV[1] and, only when the
// increment created the key (post-increment value equals the increment
// itself), sets its TTL to ARGV[2] seconds. This keeps concurrent
// incrementers from repeatedly pushing back the window's expiry —
// exactly one caller per period "pays" for the TTL, mirroring the
// conditional EXPIRE used by zalando/skipper's cluster-redis limiter.
var incrScript = redis.NewScript(`
local new = redis.call("INCRBY", KEYS[1], ARGV[1])
if tonumber(new) == tonumber(ARGV[1]) then
	redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return new
`)

// RedisCounter implements RemoteCounter against a Redis server, shared by
// every proxy replica so their rate-limit budgets stay in sync.
type RedisCounter struct {
	client *redis.Client
	prefix string
	period time.Duration
}

// NewRedisCounter dials addr (a "redis://host:port/db" URL) and returns a
// RemoteCounter whose keys reset every period.
func NewRedisCounter(addr, prefix string, period time.Duration) (*RedisCounter, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return &RedisCounter{client: client, prefix: prefix, period: period}, nil
}

func (r *RedisCounter) ThrottleLabel(ctx context.Context, label string, maxPerPeriod uint64, count uint64) (RemoteResult, error) {
	if maxPerPeriod == 0 {
		return RemoteResult{Never: true}, nil
	}

	key := fmt.Sprintf("%s:%s", r.prefix, label)
	periodSecs := int64(r.period / time.Second)
	if periodSecs <= 0 {
		periodSecs = 1
	}

	res, err := incrScript.Run(ctx, r.client, []string{key}, count, periodSecs).Result()
	if err != nil {
		return RemoteResult{}, fmt.Errorf("ratelimit: redis incr: %w", err)
	}

	newVal, err := toUint64(res)
	if err != nil {
		return RemoteResult{}, fmt.Errorf("ratelimit: unexpected redis reply: %w", err)
	}

	if newVal <= maxPerPeriod {
		return RemoteResult{Allowed: true, Count: newVal}, nil
	}

	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = r.period
	}
	return RemoteResult{Count: newVal, RetryAt: time.Now().Add(ttl)}, nil
}

func (r *RedisCounter) Close() error {
	return r.client.Close()
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("negative counter value %d", n)
		}
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("non-integer reply %T", v)
	}
}
