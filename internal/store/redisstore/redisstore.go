// Package redisstore keeps items and grants in Redis. Multi-key updates use
// WATCH/MULTI transactions and are retried when a watched key changes.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kenneth/document-vault/internal/config"
	"github.com/kenneth/document-vault/internal/domain"
)

const maxTxAttempts = 32

// Connect opens a client for cfg and pings it.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

type keys struct{ prefix string }

func (k keys) item(id string) string           { return k.prefix + ":item:" + id }
func (k keys) ownerItems(owner string) string  { return k.prefix + ":owner:" + owner + ":items" }
func (k keys) itemGrants(itemID string) string { return k.prefix + ":grants:" + itemID }
func (k keys) granteeItems(g string) string    { return k.prefix + ":grantee:" + g + ":items" }

// withTx runs fn in a WATCH transaction on watched, retrying while another
// client modifies a watched key.
func withTx(ctx context.Context, client redis.UniversalClient, timeout time.Duration, op string, fn func(*redis.Tx) error, watched ...string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := client.Watch(ctx, fn, watched...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return domain.Errorf(domain.KindConflict, op, "watched keys kept changing")
}

func storeError(op string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.Transient(domain.KindUnknown, op, err)
}
