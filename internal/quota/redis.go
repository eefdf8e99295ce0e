package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kenneth/document-vault/internal/domain"
)

// RedisLimiter counts operations in fixed windows shared by every vault
// process using the same Redis.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	rules  Rules
	now    func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient, prefix string, rules Rules) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, rules: rules, now: time.Now}
}

func (l *RedisLimiter) key(action Action, principal string, window int64) string {
	return fmt.Sprintf("%s:quota:%s:%s:%d", l.prefix, action, principal, window)
}

func (l *RedisLimiter) Allow(ctx context.Context, action Action, principal string) error {
	rule, ok := l.rules[action]
	if !ok || rule.Limit <= 0 || rule.Window <= 0 {
		return nil
	}
	window := l.now().UnixNano() / int64(rule.Window)
	key := l.key(action, principal, window)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, rule.Window)
		return nil
	})
	if err != nil {
		return domain.Transient(domain.KindUnknown, "quota.Allow", err)
	}
	if incr.Val() > int64(rule.Limit) {
		return exceeded(action, principal, rule)
	}
	return nil
}
