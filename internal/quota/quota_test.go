package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/document-vault/internal/config"
	"github.com/kenneth/document-vault/internal/domain"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time           { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

var testRules = Rules{
	ActionEncrypt: {Limit: 3, Window: time.Hour},
	ActionDecrypt: {Limit: 0, Window: time.Hour},
}

func exhaust(t *testing.T, l Limiter, action Action, principal string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, l.Allow(context.Background(), action, principal), "call %d", i)
	}
}

func TestLocalLimiter(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLocalLimiter(testRules)
	l.now = c.now
	ctx := context.Background()

	exhaust(t, l, ActionEncrypt, "u1", 3)
	err := l.Allow(ctx, ActionEncrypt, "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	// Other principals have their own bucket.
	assert.NoError(t, l.Allow(ctx, ActionEncrypt, "u2"))

	// A disabled rule never limits.
	exhaust(t, l, ActionDecrypt, "u1", 50)

	// One token refills every Window/Limit.
	c.advance(20 * time.Minute)
	assert.NoError(t, l.Allow(ctx, ActionEncrypt, "u1"))
	assert.Error(t, l.Allow(ctx, ActionEncrypt, "u1"))
}

func TestLocalLimiter_SweepsIdleBuckets(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLocalLimiter(testRules)
	l.now = c.now

	exhaust(t, l, ActionEncrypt, "u1", 1)
	c.advance(2 * time.Hour)
	exhaust(t, l, ActionEncrypt, "u2", 1)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.buckets, 1)
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := &clock{t: time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)}
	l := NewRedisLimiter(client, "vault", testRules)
	l.now = c.now
	ctx := context.Background()

	exhaust(t, l, ActionEncrypt, "u1", 3)
	assert.ErrorIs(t, l.Allow(ctx, ActionEncrypt, "u1"), domain.ErrRateLimited)
	assert.NoError(t, l.Allow(ctx, ActionEncrypt, "u2"))

	// A second limiter sharing Redis sees the same count.
	other := NewRedisLimiter(client, "vault", testRules)
	other.now = c.now
	assert.ErrorIs(t, other.Allow(ctx, ActionEncrypt, "u1"), domain.ErrRateLimited)

	// The next window starts fresh.
	c.advance(time.Hour)
	assert.NoError(t, l.Allow(ctx, ActionEncrypt, "u1"))

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	assert.Greater(t, mr.TTL(keys[0]), time.Duration(0))
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	err := NewRedisLimiter(client, "vault", testRules).Allow(context.Background(), ActionEncrypt, "u1")
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.NotErrorIs(t, err, domain.ErrRateLimited)
}

func TestNew(t *testing.T) {
	l, err := New(config.QuotaConfig{Backend: "none"}, nil, "")
	require.NoError(t, err)
	assert.IsType(t, Unlimited{}, l)

	l, err = New(config.QuotaConfig{Backend: "local", EncryptionsPerDay: 1}, nil, "")
	require.NoError(t, err)
	assert.IsType(t, &LocalLimiter{}, l)

	_, err = New(config.QuotaConfig{Backend: "redis"}, nil, "")
	assert.Error(t, err)

	_, err = New(config.QuotaConfig{Backend: "abacus"}, nil, "")
	assert.Error(t, err)
}
