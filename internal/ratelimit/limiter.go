// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. It lets several presence processes signed in to the same
// platform account share one API request budget.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is a fixed-window quota under a Redis key prefix.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:api:vrchat:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Platform API budgets, counted per linked account.
var (
	// RuleVRChatAPI allows 30 instance lookups per minute.
	RuleVRChatAPI = Rule{Key: "rl:api:vrchat:", Limit: 30, Window: 1 * time.Minute}

	// RuleResoniteAPI allows 60 session lookups per minute.
	RuleResoniteAPI = Rule{Key: "rl:api:resonite:", Limit: 60, Window: 1 * time.Minute}
)

// Limiter counts requests in Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter returns a Limiter using client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one request for identifier and reports whether it fits in
// the current window. The first request of a window starts its expiry.
// Redis errors report true along with the error.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// First hit opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		return false, nil
	}

	return true, nil
}

// Remaining reports the quota left for identifier in the current window.
// An unseen identifier, or a Redis error, reports the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// retryAfter returns how long until the window for key resets.
func (l *Limiter) retryAfter(ctx context.Context, key string, rule Rule) time.Duration {
	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		return rule.Window / 10
	}
	return ttl
}

// Budget is a blocking view of one identifier's rule. It satisfies
// connector.Limiter.
type Budget struct {
	limiter    *Limiter
	identifier string
	rule       Rule
}

// Budget returns a Budget for identifier under rule.
func (l *Limiter) Budget(identifier string, rule Rule) *Budget {
	return &Budget{limiter: l, identifier: identifier, rule: rule}
}

// Wait blocks until a request is allowed in the shared window or ctx is
// done. Redis errors let the request through.
func (b *Budget) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		allowed, _ := b.limiter.Allow(ctx, b.identifier, b.rule)
		if allowed {
			return nil
		}

		wait := b.limiter.retryAfter(ctx, b.rule.Key+b.identifier, b.rule)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
