package vault

import (
	"context"
	"time"

	"github.com/kenneth/document-vault/internal/domain"
)

// ItemRepository persists items. Items are immutable after creation except
// for their status.
type ItemRepository interface {
	// CreateItem stores a new item. It fails with a domain.KindValidation
	// error when the owner already holds maxPerOwner non-deleted items, and
	// with domain.KindConflict when the id is taken.
	CreateItem(ctx context.Context, item *domain.Item, maxPerOwner int) error

	// GetItem returns the item or a domain.KindNotFound error. Deleted items
	// are returned too; callers decide visibility.
	GetItem(ctx context.Context, id string) (*domain.Item, error)

	// UpdateItemStatus moves the item from one status to another. If the
	// stored status is not from it fails with domain.KindConflict. Moving to
	// deleted also discards the wrapped key and ciphertext.
	UpdateItemStatus(ctx context.Context, id string, from, to domain.ItemStatus, at time.Time) (*domain.Item, error)

	// ListItemsByOwner returns the owner's non-deleted items, newest first.
	ListItemsByOwner(ctx context.Context, ownerID string) ([]*domain.Item, error)

	HealthCheck(ctx context.Context) error
}
