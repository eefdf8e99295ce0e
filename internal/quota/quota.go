// Package quota enforces per-principal operation quotas for the vault:
// encryptions per owner per day and decryptions per requester per hour.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kenneth/document-vault/internal/config"
	"github.com/kenneth/document-vault/internal/domain"
)

// Action names a quota-limited operation.
type Action string

const (
	ActionEncrypt Action = "encrypt"
	ActionDecrypt Action = "decrypt"
)

// Rule allows Limit operations per Window. A zero Limit disables the rule.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Rules maps actions to their limits.
type Rules map[Action]Rule

// RulesFromConfig converts the configured quotas.
func RulesFromConfig(cfg config.QuotaConfig) Rules {
	return Rules{
		ActionEncrypt: {Limit: cfg.EncryptionsPerDay, Window: 24 * time.Hour},
		ActionDecrypt: {Limit: cfg.DecryptionsPerHour, Window: time.Hour},
	}
}

// Limiter consumes one unit of quota for principal. It returns a
// domain.KindRateLimited error when the quota is exhausted.
type Limiter interface {
	Allow(ctx context.Context, action Action, principal string) error
}

// Unlimited allows everything.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, Action, string) error { return nil }

func exceeded(action Action, principal string, rule Rule) error {
	return domain.Errorf(domain.KindRateLimited, "quota.Allow",
		"%s quota of %d per %s exceeded for %s", action, rule.Limit, rule.Window, principal)
}

// New builds the limiter selected by cfg. client is only used by the redis
// backend and may be nil otherwise.
func New(cfg config.QuotaConfig, client redis.UniversalClient, prefix string) (Limiter, error) {
	switch cfg.Backend {
	case "", "none":
		return Unlimited{}, nil
	case "local":
		return NewLocalLimiter(RulesFromConfig(cfg)), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("quota: redis backend requires a redis client")
		}
		return NewRedisLimiter(client, prefix, RulesFromConfig(cfg)), nil
	default:
		return nil, fmt.Errorf("quota: unsupported backend %q", cfg.Backend)
	}
}
